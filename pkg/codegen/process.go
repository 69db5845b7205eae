package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/docker/model-bundler/pkg/logging"
	"github.com/docker/model-bundler/pkg/sandbox"
	"github.com/docker/model-bundler/pkg/tailbuffer"
)

const (
	// OutputDirEnv is set in the generator environment to the directory the
	// generated files must be written to. The command line may also refer to
	// it as $OUTPUT_DIR.
	OutputDirEnv = "MODEL_BUNDLER_OUTPUT_DIR"
	// outputDirVar is the short command line alias of OutputDirEnv.
	outputDirVar = "OUTPUT_DIR"
	// stderrTailSize is the amount of generator stderr attached to errors.
	stderrTailSize = 1024
	// waitDelay bounds how long an interrupted generator may take to exit.
	waitDelay = 5 * time.Second
)

// ErrNoOutput is returned when the generator exits successfully without
// producing any file.
var ErrNoOutput = errors.New("code generator produced no files")

// Process runs an external code generator. The architecture description is
// written to the process stdin; the process runs in the output directory.
type Process struct {
	log         logging.Logger
	commandLine string
	timeout     time.Duration
}

// NewProcess creates a process-backed generator. commandLine is split with
// shell quoting rules; leading NAME=value words set environment variables and
// $OUTPUT_DIR expands to the output directory. Shell operators (pipes,
// redirections, command lists) are rejected. A zero timeout disables the
// limit.
func NewProcess(log logging.Logger, commandLine string, timeout time.Duration) (*Process, error) {
	p := &Process{
		log:         log,
		commandLine: commandLine,
		timeout:     timeout,
	}
	if _, _, err := p.parse(os.TempDir()); err != nil {
		return nil, err
	}
	return p, nil
}

// parse splits the command line for a given output directory.
func (p *Process) parse(dir string) (envs, args []string, err error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	parser.Getenv = func(key string) string {
		if key == outputDirVar || key == OutputDirEnv {
			return dir
		}
		return os.Getenv(key)
	}
	envs, args, err = parser.ParseWithEnvs(p.commandLine)
	if err != nil {
		return nil, nil, fmt.Errorf("parse generator command %q: %w", p.commandLine, err)
	}
	if parser.Position >= 0 {
		return nil, nil, fmt.Errorf("generator command %q: shell operators are not supported", p.commandLine)
	}
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("generator command %q: no program given", p.commandLine)
	}
	return envs, args, nil
}

// Generate implements Generator.Generate.
func (p *Process) Generate(ctx context.Context, dir string, architecture json.RawMessage) error {
	envs, args, err := p.parse(dir)
	if err != nil {
		return err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.log.Infof("Running code generator: %v", args)
	tailBuf := tailbuffer.NewTailBuffer(stderrTailSize)
	logStream := p.log.Writer()
	defer logStream.Close()

	generator, err := sandbox.Create(
		ctx,
		sandbox.ConfigurationCodegen,
		func(command *exec.Cmd) {
			command.Cancel = func() error {
				if runtime.GOOS == "windows" {
					return command.Process.Kill()
				}
				return command.Process.Signal(os.Interrupt)
			}
			command.WaitDelay = waitDelay
			command.Env = append(os.Environ(), envs...)
			command.Env = append(command.Env, OutputDirEnv+"="+dir)
			command.Stdin = bytes.NewReader(architecture)
			command.Stdout = logStream
			command.Stderr = io.MultiWriter(logStream, tailBuf)
		},
		dir,
		args[0],
		args[1:]...,
	)
	if err != nil {
		return fmt.Errorf("unable to start code generator: %w", err)
	}
	defer generator.Close()

	if err := generator.Command().Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("code generator interrupted: %w", ctxErr)
		}
		errOutput := new(strings.Builder)
		if _, copyErr := io.Copy(errOutput, tailBuf); copyErr != nil {
			p.log.Warnf("failed to read generator output tail: %v", copyErr)
		}
		if errOutput.Len() != 0 {
			return fmt.Errorf("code generator exit status: %w\nwith output: %s", err, errOutput.String())
		}
		return fmt.Errorf("code generator exit status: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read generator output: %w", err)
	}
	if len(entries) == 0 {
		return ErrNoOutput
	}
	return nil
}
