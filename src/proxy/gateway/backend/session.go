// Package backend owns pyright child processes: spawning, the initialize
// handshake, message pumping, and the bounded draining shutdown.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/uuid"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/clock"
	proxyerrors "github.com/pyright-proxy/pyright-proxy/src/proxy/internal/errors"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/framing"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/proc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/venv"
)

// State is a backend session's lifecycle state.
type State int32

const (
	// StateSpawned: process created, pipes wired, no traffic yet.
	StateSpawned State = iota
	// StateInitializing: initialize sent, awaiting the reply.
	StateInitializing
	// StateReady: handshake complete, not yet routed to.
	StateReady
	// StateActive: all client traffic is routed here.
	StateActive
	// StateDraining: no new requests; outstanding replies still awaited.
	StateDraining
	// StateDead: process reaped, resources released.
	StateDead
)

const (
	_shutdownReplyTimeout = 2 * time.Second
	_exitTimeout          = 1 * time.Second
	_termTimeout          = 1 * time.Second
)

// Inbound is one message read from a backend, tagged with the generation
// that produced it so stale traffic is unambiguously discardable.
type Inbound struct {
	Generation uint64
	Message    *rpc.Message
	Raw        []byte
	// Err is set on crash or EOF; no further Inbounds follow it.
	Err error
}

// Session encapsulates one backend child process.
//
// The open-document set is owned by the supervisor goroutine and is not
// synchronized; Initialize runs on whichever goroutine drives the switch,
// strictly before the session is handed to the supervisor.
type Session struct {
	generation uint64
	uuid       uuid.UUID
	ve         venv.Venv

	handle proc.Handle
	writer *framing.Writer
	logger *zap.SugaredLogger
	clock  clock.Clock

	initTimeout time.Duration

	state atomic.Int32

	// inbound carries everything the backend says, in order. The pump
	// goroutine closes it after delivering a final Err entry.
	inbound chan Inbound

	capabilities json.RawMessage

	open   map[protocol.DocumentURI]struct{}
	nextID int64

	ackOnce sync.Once
	ack     chan struct{}
}

// Generation returns the session's monotonic generation number.
func (s *Session) Generation() uint64 { return s.generation }

// UUID returns the session's log-correlation id.
func (s *Session) UUID() uuid.UUID { return s.uuid }

// Venv returns the virtual environment the session was spawned for.
func (s *Session) Venv() venv.Venv { return s.ve }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState transitions the session's lifecycle state.
func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// Capabilities returns the raw capabilities object from the initialize reply.
func (s *Session) Capabilities() json.RawMessage { return s.capabilities }

// Inbound returns the channel of messages read from this backend.
func (s *Session) Inbound() <-chan Inbound { return s.inbound }

// NextRequestID draws the next backend-facing request id.
func (s *Session) NextRequestID() rpc.ID {
	s.nextID++
	return rpc.NewNumberID(s.nextID)
}

// Send writes a raw message body to the backend's stdin.
func (s *Session) Send(body []byte) error {
	return s.writer.Write(body)
}

// SendMessage encodes and writes a message to the backend's stdin.
func (s *Session) SendMessage(msg *rpc.Message) error {
	return s.writer.WriteMessage(msg)
}

// MarkOpen records that a didOpen was delivered to this backend.
func (s *Session) MarkOpen(uri protocol.DocumentURI) { s.open[uri] = struct{}{} }

// MarkClosed records that a didClose was delivered to this backend.
func (s *Session) MarkClosed(uri protocol.DocumentURI) { delete(s.open, uri) }

// IsOpen reports whether the document is open on this backend.
func (s *Session) IsOpen(uri protocol.DocumentURI) bool {
	_, ok := s.open[uri]
	return ok
}

// OpenCount returns the number of documents open on this backend.
func (s *Session) OpenCount() int { return len(s.open) }

// AckShutdown signals that the backend answered the shutdown request. Safe
// to call any number of times from any goroutine.
func (s *Session) AckShutdown() {
	s.ackOnce.Do(func() { close(s.ack) })
}

// Initialize drives the handshake: it sends initialize with the given raw
// params, waits for the matching reply up to the configured timeout, and
// memoizes the advertised capabilities. The raw reply body is returned so
// the very first backend's reply can be surfaced to the client; replies of
// later generations stay hidden. Notifications arriving during the
// handshake are dropped.
func (s *Session) Initialize(ctx context.Context, rawParams json.RawMessage) ([]byte, error) {
	s.SetState(StateInitializing)

	id := s.NextRequestID()
	msg, err := rpc.NewRequest(id, protocol.MethodInitialize, rawParams)
	if err != nil {
		return nil, err
	}
	if err := s.SendMessage(msg); err != nil {
		return nil, fmt.Errorf("sending initialize: %w", err)
	}

	deadline := s.clock.After(s.initTimeout)
	for {
		select {
		case in, ok := <-s.inbound:
			if !ok || in.Err != nil {
				return nil, &proxyerrors.BackendProtocolError{Generation: s.generation, Detail: "backend exited during initialize"}
			}
			if !in.Message.IsResponse() || *in.Message.ID != id {
				s.logger.Debugw("dropping backend message during initialize", "method", in.Message.Method)
				continue
			}
			if in.Message.Error != nil {
				return nil, &proxyerrors.BackendProtocolError{
					Generation: s.generation,
					Detail:     fmt.Sprintf("initialize rejected: %s", in.Message.Error.Message),
				}
			}
			s.capabilities = capabilitiesFromResult(in.Message.Result)
			s.SetState(StateReady)
			return in.Raw, nil
		case <-deadline:
			return nil, &proxyerrors.BackendProtocolError{Generation: s.generation, Detail: fmt.Sprintf("no initialize reply within %s", s.initTimeout)}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendInitialized forwards the initialized notification to the backend.
func (s *Session) SendInitialized() error {
	msg, err := rpc.NewNotification(protocol.MethodInitialized, json.RawMessage("{}"))
	if err != nil {
		return err
	}
	return s.SendMessage(msg)
}

// Shutdown runs the bounded teardown sequence: shutdown request, exit
// notification, stdin close, then escalation through SIGTERM to SIGKILL.
// Every step has a deadline; a hung backend never blocks the caller beyond
// the sum of the bounds. The shutdown reply is consumed by the supervisor,
// which signals it via AckShutdown.
func (s *Session) Shutdown() {
	defer s.SetState(StateDead)

	waitCh := make(chan error, 1)
	go func() { waitCh <- s.handle.Wait() }()

	if msg, err := rpc.NewRequest(s.NextRequestID(), protocol.MethodShutdown, nil); err == nil {
		if err := s.SendMessage(msg); err != nil {
			s.logger.Debugw("backend unreachable for shutdown request", "generation", s.generation, "error", err)
		} else {
			select {
			case <-s.ack:
				s.logger.Debugw("backend acknowledged shutdown", "generation", s.generation)
			case <-s.clock.After(_shutdownReplyTimeout):
				s.logger.Warnw("no shutdown reply from backend", "generation", s.generation)
			case <-waitCh:
				s.logger.Debugw("backend exited before shutdown reply", "generation", s.generation)
				return
			}
		}
	}

	if msg, err := rpc.NewNotification(protocol.MethodExit, nil); err == nil {
		if err := s.SendMessage(msg); err != nil {
			s.logger.Debugw("backend unreachable for exit notification", "generation", s.generation, "error", err)
		}
	}
	if err := s.handle.Stdin().Close(); err != nil {
		s.logger.Debugw("closing backend stdin", "generation", s.generation, "error", err)
	}

	select {
	case <-waitCh:
		s.logger.Infow("backend exited", "generation", s.generation)
		return
	case <-s.clock.After(_exitTimeout):
	}

	s.logger.Warnw("backend ignored exit, sending SIGTERM", "generation", s.generation)
	if err := s.handle.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debugw("signaling backend", "generation", s.generation, "error", err)
	}
	select {
	case <-waitCh:
		return
	case <-s.clock.After(_termTimeout):
	}

	s.logger.Warnw("backend ignored SIGTERM, killing", "generation", s.generation)
	if err := s.handle.Kill(); err != nil {
		s.logger.Errorw("killing backend", "generation", s.generation, "error", err)
	}
	select {
	case <-waitCh:
	case <-s.clock.After(_termTimeout):
		s.logger.Errorw("backend unreaped after SIGKILL", "generation", s.generation)
	}
}

// pump reads frames from the backend's stdout into the inbound channel until
// the stream ends, then delivers the terminal error and closes the channel.
func (s *Session) pump() {
	defer close(s.inbound)

	reader := framing.NewReader(s.handle.Stdout())
	for {
		msg, raw, err := reader.Read()
		if err != nil {
			if err != io.EOF {
				s.logger.Warnw("backend stream error", "generation", s.generation, "error", err)
			}
			s.inbound <- Inbound{Generation: s.generation, Err: err}
			return
		}
		s.inbound <- Inbound{Generation: s.generation, Message: msg, Raw: raw}
	}
}

// capabilitiesFromResult pulls the capabilities object out of an initialize
// result, tolerating absent fields.
func capabilitiesFromResult(result json.RawMessage) json.RawMessage {
	var parsed struct {
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil
	}
	return parsed.Capabilities
}
