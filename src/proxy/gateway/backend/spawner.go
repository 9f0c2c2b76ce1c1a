package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/clock"
	proxyerrors "github.com/pyright-proxy/pyright-proxy/src/proxy/internal/errors"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/framing"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/proc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/venv"
)

const (
	_configKeyCommand     = "backend.command"
	_configKeyInitTimeout = "backend.initializeTimeoutSeconds"

	_stdioArg = "--stdio"

	// The environment variable naming the active virtual environment.
	_envVirtualEnv = "VIRTUAL_ENV"
	_envPath       = "PATH"

	_defaultInitTimeout = 15 * time.Second
)

// Module is the Fx module for this package.
var Module = fx.Provide(NewSpawner)

// Spawner creates backend sessions.
type Spawner interface {
	// Spawn launches the backend executable bound to the given virtual
	// environment and returns the session in the spawned state, with its
	// message pump already running.
	Spawn(ctx context.Context, ve venv.Venv, generation uint64) (*Session, error)
}

// Params define the dependencies of the spawner.
type Params struct {
	fx.In

	Config   config.Provider
	Logger   *zap.SugaredLogger
	Stats    tally.Scope
	Launcher proc.Launcher
	Clock    clock.Clock
}

type spawner struct {
	logger   *zap.SugaredLogger
	stats    tally.Scope
	launcher proc.Launcher
	clock    clock.Clock

	command     string
	initTimeout time.Duration
}

// NewSpawner creates a Spawner from configuration.
func NewSpawner(p Params) (Spawner, error) {
	s := &spawner{
		logger:      p.Logger,
		stats:       p.Stats.SubScope("backend"),
		launcher:    p.Launcher,
		clock:       p.Clock,
		initTimeout: _defaultInitTimeout,
	}

	if err := p.Config.Get(_configKeyCommand).Populate(&s.command); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyCommand, err)
	}
	if s.command == "" {
		return nil, fmt.Errorf("missing field %q in config", _configKeyCommand)
	}

	var initTimeoutSeconds int
	if err := p.Config.Get(_configKeyInitTimeout).Populate(&initTimeoutSeconds); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyInitTimeout, err)
	}
	if initTimeoutSeconds > 0 {
		s.initTimeout = time.Duration(initTimeoutSeconds) * time.Second
	}

	return s, nil
}

func (f *spawner) Spawn(ctx context.Context, ve venv.Venv, generation uint64) (*Session, error) {
	id := uuid.Must(uuid.NewV4())
	logger := f.logger.With("generation", generation, "session", id.String())

	if ve.IsNone() {
		logger.Warnw("spawning backend without virtual environment")
	} else {
		logger.Infow("spawning backend", "venv", ve.Root())
	}

	handle, err := f.launcher.Launch(f.command, []string{_stdioArg}, buildEnv(os.Environ(), ve), newStderrWriter(logger))
	if err != nil {
		f.stats.Counter("spawn_failures").Inc(1)
		return nil, &proxyerrors.BackendSpawnError{Command: f.command, Err: err}
	}
	f.stats.Counter("spawns").Inc(1)

	s := &Session{
		generation:  generation,
		uuid:        id,
		ve:          ve,
		handle:      handle,
		writer:      framing.NewWriter(handle.Stdin()),
		logger:      logger,
		clock:       f.clock,
		initTimeout: f.initTimeout,
		inbound:     make(chan Inbound, 64),
		open:        make(map[protocol.DocumentURI]struct{}),
		ack:         make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// buildEnv returns the child environment: the parent's, with VIRTUAL_ENV set
// and <venv>/bin prepended to PATH when a virtual environment is selected,
// and VIRTUAL_ENV stripped otherwise.
func buildEnv(parent []string, ve venv.Venv) []string {
	env := make([]string, 0, len(parent)+1)
	for _, kv := range parent {
		if strings.HasPrefix(kv, _envVirtualEnv+"=") {
			continue
		}
		if !ve.IsNone() && strings.HasPrefix(kv, _envPath+"=") {
			env = append(env, fmt.Sprintf("%s=%s/bin:%s", _envPath, ve.Root(), strings.TrimPrefix(kv, _envPath+"=")))
			continue
		}
		env = append(env, kv)
	}
	if !ve.IsNone() {
		env = append(env, fmt.Sprintf("%s=%s", _envVirtualEnv, ve.Root()))
	}
	return env
}

// stderrWriter line-copies a backend's stderr into the proxy's log sink.
type stderrWriter struct {
	logger *zap.SugaredLogger
}

func newStderrWriter(logger *zap.SugaredLogger) *stderrWriter {
	return &stderrWriter{logger: logger}
}

// Write implements the io.Writer interface by sending data to the logger.
func (w *stderrWriter) Write(p []byte) (n int, err error) {
	// Incoming data may contain multiple lines, including blank ones.
	// Split and log each line individually.
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if len(line) > 0 {
			w.logger.Infow("backend stderr", "line", line)
		}
	}

	return len(p), nil
}
