//go:build !darwin && !windows

package sandbox

import (
	"context"
	"fmt"
	"os/exec"
)

// ConfigurationCodegen is the sandbox configuration for code generator
// processes. No restrictions are applied on this platform.
const ConfigurationCodegen = ``

// sandbox is the non-Darwin POSIX sandbox implementation.
type sandbox struct {
	// cancel cancels the context associated with the process.
	cancel context.CancelFunc
	// command is the sandboxed process handle.
	command *exec.Cmd
}

// Command implements Sandbox.Command.
func (s *sandbox) Command() *exec.Cmd {
	return s.command
}

// Close implements Sandbox.Close.
func (s *sandbox) Close() error {
	s.cancel()
	return nil
}

// Create creates a sandbox containing a single process that has been started.
// The ctx, name, and arg arguments correspond to their counterparts in
// os/exec.CommandContext. The process runs in workDir, which is also the only
// location it is expected to write to. The modifier function allows for an
// optional callback (which may be nil) to configure the command before it is
// started.
func Create(ctx context.Context, configuration string, modifier func(*exec.Cmd), workDir, name string, arg ...string) (Sandbox, error) {
	// Create a subcontext we can use to regulate the process lifetime.
	ctx, cancel := context.WithCancel(ctx)

	command := exec.CommandContext(ctx, name, arg...)
	command.Dir = workDir
	if modifier != nil {
		modifier(command)
	}

	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("unable to start process: %w", err)
	}
	return &sandbox{
		cancel:  cancel,
		command: command,
	}, nil
}
