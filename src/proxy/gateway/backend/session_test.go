package backend

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/config"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	proxyclock "github.com/pyright-proxy/pyright-proxy/src/proxy/internal/clock"
	proxyerrors "github.com/pyright-proxy/pyright-proxy/src/proxy/internal/errors"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/framing"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/proc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/venv"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// immediateClock makes every bounded wait elapse instantly.
type immediateClock struct{}

func (immediateClock) Sleep(time.Duration) {}

func (immediateClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (immediateClock) Now() time.Time { return time.Time{} }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// fakeHandle is a scriptable child process: the session's stdin/stdout are
// pipe ends whose peer is driven by the test.
type fakeHandle struct {
	stdin  io.WriteCloser
	stdout io.Reader

	mu       sync.Mutex
	signals  []os.Signal
	killed   bool
	exitOnce sync.Once
	exited   chan error
}

func (h *fakeHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *fakeHandle) Stdout() io.Reader     { return h.stdout }
func (h *fakeHandle) Pid() int              { return 4242 }
func (h *fakeHandle) Wait() error           { return <-h.exited }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(nil)
	return nil
}

func (h *fakeHandle) exit(err error) {
	h.exitOnce.Do(func() { h.exited <- err })
}

// scriptedBackend wires a fakeHandle whose peer side is driven via
// framing-level reads and writes, imitating a pyright child.
type scriptedBackend struct {
	handle *fakeHandle

	// fromSession reads what the session wrote to the child's stdin.
	fromSession *framing.Reader
	// toSession writes to the child's stdout.
	toSession *framing.Writer

	stdoutW io.WriteCloser
	stdinR  io.ReadCloser
}

func newScriptedBackend() *scriptedBackend {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &scriptedBackend{
		handle: &fakeHandle{
			stdin:  stdinW,
			stdout: stdoutR,
			exited: make(chan error, 1),
		},
		fromSession: framing.NewReader(stdinR),
		toSession:   framing.NewWriter(stdoutW),
		stdoutW:     stdoutW,
		stdinR:      stdinR,
	}
}

// close ends the child's stdout, which the session observes as EOF.
func (b *scriptedBackend) close() {
	b.stdoutW.Close()
	b.stdinR.Close()
	b.handle.exit(nil)
}

func testSpawner(t *testing.T, clk proxyclock.Clock, launch func(name string, args []string, env []string, stderr io.Writer) (proc.Handle, error)) Spawner {
	t.Helper()
	provider, err := config.NewYAML(config.Source(strings.NewReader("backend:\n  command: pyright-langserver\n  initializeTimeoutSeconds: 15\n")))
	require.NoError(t, err)

	s, err := NewSpawner(Params{
		Config:   provider,
		Logger:   zap.NewNop().Sugar(),
		Stats:    tally.NoopScope,
		Launcher: proc.NewLauncher(proc.WithLaunchFunc(launch)),
		Clock:    clk,
	})
	require.NoError(t, err)
	return s
}

func spawnScripted(t *testing.T, clk proxyclock.Clock) (*Session, *scriptedBackend) {
	t.Helper()
	scripted := newScriptedBackend()
	spawner := testSpawner(t, clk, func(name string, args []string, env []string, stderr io.Writer) (proc.Handle, error) {
		assert.Equal(t, "pyright-langserver", name)
		assert.Equal(t, []string{"--stdio"}, args)
		return scripted.handle, nil
	})

	s, err := spawner.Spawn(context.Background(), venv.New("/repo/a/.venv"), 1)
	require.NoError(t, err)
	assert.Equal(t, StateSpawned, s.State())
	return s, scripted
}

func TestSpawnEnvWithVenv(t *testing.T) {
	var gotEnv []string
	spawner := testSpawner(t, proxyclock.New(), func(name string, args []string, env []string, stderr io.Writer) (proc.Handle, error) {
		gotEnv = env
		h := &fakeHandle{stdin: nopWriteCloser{io.Discard}, stdout: strings.NewReader(""), exited: make(chan error, 1)}
		h.exit(nil)
		return h, nil
	})

	s, err := spawner.Spawn(context.Background(), venv.New("/repo/a/.venv"), 3)
	require.NoError(t, err)

	env := strings.Join(gotEnv, "\n")
	assert.Contains(t, env, "VIRTUAL_ENV=/repo/a/.venv")
	assert.Equal(t, uint64(3), s.Generation())

	// Drain the pump goroutine.
	for range s.Inbound() {
	}
}

func TestSpawnEnvWithoutVenv(t *testing.T) {
	var gotEnv []string
	spawner := testSpawner(t, proxyclock.New(), func(name string, args []string, env []string, stderr io.Writer) (proc.Handle, error) {
		gotEnv = env
		h := &fakeHandle{stdin: nopWriteCloser{io.Discard}, stdout: strings.NewReader(""), exited: make(chan error, 1)}
		h.exit(nil)
		return h, nil
	})

	_, err := spawner.Spawn(context.Background(), venv.None, 1)
	require.NoError(t, err)

	for _, kv := range gotEnv {
		assert.False(t, strings.HasPrefix(kv, "VIRTUAL_ENV="), "no venv override for the no-venv case")
	}
}

func TestSpawnFailure(t *testing.T) {
	spawner := testSpawner(t, proxyclock.New(), func(name string, args []string, env []string, stderr io.Writer) (proc.Handle, error) {
		return nil, os.ErrNotExist
	})

	_, err := spawner.Spawn(context.Background(), venv.None, 1)
	require.Error(t, err)

	var spawnErr *proxyerrors.BackendSpawnError
	assert.ErrorAs(t, err, &spawnErr)
}

func TestBuildEnv(t *testing.T) {
	parent := []string{"PATH=/usr/bin:/bin", "VIRTUAL_ENV=/stale/.venv", "HOME=/home/u"}

	got := buildEnv(parent, venv.New("/repo/a/.venv"))
	assert.Contains(t, got, "PATH=/repo/a/.venv/bin:/usr/bin:/bin")
	assert.Contains(t, got, "VIRTUAL_ENV=/repo/a/.venv")
	assert.Contains(t, got, "HOME=/home/u")

	got = buildEnv(parent, venv.None)
	assert.Contains(t, got, "PATH=/usr/bin:/bin")
	assert.NotContains(t, strings.Join(got, "\n"), "VIRTUAL_ENV=")
}

func TestInitializeSuccess(t *testing.T) {
	s, scripted := spawnScripted(t, proxyclock.New())
	defer scripted.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Child side: answer initialize after an interleaved notification.
		msg, _, err := scripted.fromSession.Read()
		assert.NoError(t, err)
		assert.Equal(t, "initialize", msg.Method)
		assert.True(t, msg.IsRequest())

		note, err := rpc.NewNotification("window/logMessage", json.RawMessage(`{"type":4,"message":"warming up"}`))
		assert.NoError(t, err)
		assert.NoError(t, scripted.toSession.WriteMessage(note))

		reply, err := rpc.NewResponse(*msg.ID, json.RawMessage(`{"capabilities":{"hoverProvider":true}}`))
		assert.NoError(t, err)
		assert.NoError(t, scripted.toSession.WriteMessage(reply))
	}()

	raw, err := s.Initialize(context.Background(), json.RawMessage(`{"rootUri":"file:///repo/a"}`))
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
	assert.JSONEq(t, `{"hoverProvider":true}`, string(s.Capabilities()))
	assert.Contains(t, string(raw), "hoverProvider")
	<-done

	// The child's stdin is an unbuffered pipe: read it concurrently so the
	// write in SendInitialized can complete.
	type readResult struct {
		msg *rpc.Message
		err error
	}
	read := make(chan readResult, 1)
	go func() {
		msg, _, err := scripted.fromSession.Read()
		read <- readResult{msg: msg, err: err}
	}()

	require.NoError(t, s.SendInitialized())
	got := <-read
	require.NoError(t, got.err)
	assert.Equal(t, "initialized", got.msg.Method)
}

func TestInitializeErrorReply(t *testing.T) {
	s, scripted := spawnScripted(t, proxyclock.New())
	defer scripted.close()

	go func() {
		msg, _, err := scripted.fromSession.Read()
		assert.NoError(t, err)
		reply := rpc.NewErrorResponse(*msg.ID, -32603, "boom")
		assert.NoError(t, scripted.toSession.WriteMessage(reply))
	}()

	_, err := s.Initialize(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	var protoErr *proxyerrors.BackendProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestInitializeBackendExit(t *testing.T) {
	s, scripted := spawnScripted(t, proxyclock.New())

	go func() {
		_, _, err := scripted.fromSession.Read()
		assert.NoError(t, err)
		scripted.close()
	}()

	_, err := s.Initialize(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	var protoErr *proxyerrors.BackendProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestInitializeTimeout(t *testing.T) {
	s, scripted := spawnScripted(t, immediateClock{})

	go func() {
		// Swallow the initialize request, never reply.
		_, _, err := scripted.fromSession.Read()
		assert.NoError(t, err)
	}()

	_, err := s.Initialize(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no initialize reply")

	scripted.close()
	for range s.Inbound() {
	}
}

func TestShutdownGraceful(t *testing.T) {
	s, scripted := spawnScripted(t, proxyclock.New())

	go func() {
		msg, _, err := scripted.fromSession.Read()
		assert.NoError(t, err)
		assert.Equal(t, "shutdown", msg.Method)
		// The supervisor normally relays the ack after matching the reply.
		s.AckShutdown()

		msg, _, err = scripted.fromSession.Read()
		assert.NoError(t, err)
		assert.Equal(t, "exit", msg.Method)
		scripted.close()
	}()

	s.SetState(StateDraining)
	s.Shutdown()
	assert.Equal(t, StateDead, s.State())
	assert.False(t, scripted.handle.killed)

	for range s.Inbound() {
	}
}

func TestShutdownEscalatesToKill(t *testing.T) {
	scripted := newScriptedBackend()
	spawner := testSpawner(t, immediateClock{}, func(name string, args []string, env []string, stderr io.Writer) (proc.Handle, error) {
		return scripted.handle, nil
	})
	s, err := spawner.Spawn(context.Background(), venv.None, 2)
	require.NoError(t, err)

	// Child ignores everything: drain its stdin so writes do not block.
	go func() {
		io.Copy(io.Discard, scripted.stdinR)
	}()

	s.Shutdown()

	scripted.handle.mu.Lock()
	assert.True(t, scripted.handle.killed)
	require.Len(t, scripted.handle.signals, 1)
	assert.Equal(t, os.Signal(syscall.SIGTERM), scripted.handle.signals[0])
	scripted.handle.mu.Unlock()

	scripted.stdoutW.Close()
	for range s.Inbound() {
	}
}

func TestPumpDeliversMessagesAndEOF(t *testing.T) {
	s, scripted := spawnScripted(t, proxyclock.New())

	note, err := rpc.NewNotification("textDocument/publishDiagnostics", json.RawMessage(`{"uri":"file:///a.py","diagnostics":[]}`))
	require.NoError(t, err)
	require.NoError(t, scripted.toSession.WriteMessage(note))

	in := <-s.Inbound()
	require.NoError(t, in.Err)
	assert.Equal(t, uint64(1), in.Generation)
	assert.Equal(t, "textDocument/publishDiagnostics", in.Message.Method)

	scripted.close()
	in, ok := <-s.Inbound()
	require.True(t, ok)
	assert.Error(t, in.Err)

	_, ok = <-s.Inbound()
	assert.False(t, ok, "inbound closes after the terminal error")
}

func TestOpenSet(t *testing.T) {
	s, scripted := spawnScripted(t, proxyclock.New())
	defer func() {
		scripted.close()
		for range s.Inbound() {
		}
	}()

	assert.Zero(t, s.OpenCount())
	s.MarkOpen("file:///a.py")
	s.MarkOpen("file:///b.py")
	assert.True(t, s.IsOpen("file:///a.py"))
	assert.Equal(t, 2, s.OpenCount())

	s.MarkClosed("file:///a.py")
	assert.False(t, s.IsOpen("file:///a.py"))
	assert.Equal(t, 1, s.OpenCount())
}
