package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ConfigurationCodegen is the sandbox configuration for code generator
// processes.
const ConfigurationCodegen = `(version 1)

;;; Generators are arbitrary interpreters (th, python, node), so keep a default
;;; allow policy and deny the targets that matter for a build step.
(allow default)

;;; Generators work offline.
(deny network*)

;;; Deny access to the camera and microphone.
(deny device*)

;;; Deny access to NVRAM settings.
(deny nvram*)

;;; Deny access to system-level privileges.
(deny system*)

;;; Writes are confined to the workspace and scratch locations.
(deny file-write*)
(allow file-write*
    (literal "/dev/null")
    (subpath "/private/var/folders")
    (subpath "/private/tmp")
    (subpath "[WORKDIR]"))
`

// sandbox is the Darwin sandbox implementation.
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
// location it may write to besides scratch space. The modifier function
// allows for an optional callback (which may be nil) to configure the command
// before it is started.
func Create(ctx context.Context, configuration string, modifier func(*exec.Cmd), workDir, name string, arg ...string) (Sandbox, error) {
	// sandbox-exec matches on resolved paths, and /var is a symlink.
	resolvedWorkDir, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve working directory: %w", err)
	}

	// Process template arguments in the configuration. We should switch to
	// text/template if this gets any more complex.
	profile := strings.ReplaceAll(configuration, "[WORKDIR]", resolvedWorkDir)

	// Create a subcontext we can use to regulate the process lifetime.
	ctx, cancel := context.WithCancel(ctx)

	sandboxedArgs := make([]string, 0, len(arg)+3)
	sandboxedArgs = append(sandboxedArgs, "-p", profile, name)
	sandboxedArgs = append(sandboxedArgs, arg...)
	command := exec.CommandContext(ctx, "sandbox-exec", sandboxedArgs...)
	command.Dir = workDir
	if modifier != nil {
		modifier(command)
	}

	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("unable to start sandboxed process: %w", err)
	}
	return &sandbox{
		cancel:  cancel,
		command: command,
	}, nil
}
