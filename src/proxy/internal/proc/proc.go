// Package proc wraps the launching of long-lived child processes with piped
// standard streams, to allow adding logs to each launch and to make the
// backend gateway testable without real processes.
package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a module to inject using fx.
var Module = fx.Options(
	fx.Supply(
		fx.Annotate(NewLauncher(), fx.As(new(Launcher))),
	),
)

// Handle is a running child process.
type Handle interface {
	// Stdin is the pipe connected to the child's standard input.
	Stdin() io.WriteCloser
	// Stdout is the pipe connected to the child's standard output.
	Stdout() io.Reader
	// Pid returns the operating-system process id.
	Pid() int
	// Wait blocks until the process exits and releases its resources.
	// It must be called exactly once.
	Wait() error
	// Signal delivers a signal to the process.
	Signal(sig os.Signal) error
	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts child processes.
type Launcher interface {
	// Launch starts the command with the given argv, environment and stderr
	// sink, with stdin and stdout piped.
	Launch(name string, args []string, env []string, stderr io.Writer) (Handle, error)
}

type launcherImpl struct {
	logger *zap.SugaredLogger
	// launchFunc may be overridden to use launcherImpl in tests.
	launchFunc func(name string, args []string, env []string, stderr io.Writer) (Handle, error)
}

// Option defines options to customize launcherImpl's behavior.
type Option func(*launcherImpl)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *launcherImpl) {
		l.logger = logger
	}
}

// WithLaunchFunc provides customized launch behavior for launcherImpl.
func WithLaunchFunc(launchFunc func(name string, args []string, env []string, stderr io.Writer) (Handle, error)) Option {
	return func(l *launcherImpl) {
		l.launchFunc = launchFunc
	}
}

// NewLauncher creates a new launcherImpl with the given options applied.
func NewLauncher(opts ...Option) Launcher {
	l := &launcherImpl{
		logger:     zap.NewNop().Sugar(),
		launchFunc: launchOS,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch logs the command and starts it via the configured launch function.
func (l *launcherImpl) Launch(name string, args []string, env []string, stderr io.Writer) (Handle, error) {
	l.logger.Infow("Launch", "Name", name, "Args", args)
	return l.launchFunc(name, args, env, stderr)
}

type osHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func launchOS(name string, args []string, env []string, stderr io.Writer) (Handle, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = env
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &osHandle{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (h *osHandle) Stdin() io.WriteCloser { return h.stdin }

func (h *osHandle) Stdout() io.Reader { return h.stdout }

func (h *osHandle) Pid() int { return h.cmd.Process.Pid }

func (h *osHandle) Wait() error { return h.cmd.Wait() }

func (h *osHandle) Signal(sig os.Signal) error { return h.cmd.Process.Signal(sig) }

func (h *osHandle) Kill() error { return h.cmd.Process.Kill() }
