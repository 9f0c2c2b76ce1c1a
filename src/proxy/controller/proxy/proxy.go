// Package proxy implements the supervisor: it reads framed messages from the
// client, classifies them, decides when to replace the backend, and shuttles
// bytes in both directions. All mutation of the document registry, the
// pending-request tables and the active-backend pointer happens on the
// supervisor goroutine; reader goroutines only pass fully framed messages
// over channels.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/gateway/backend"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/clock"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/framing"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/fs"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/venv"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/repository/documents"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Exit codes of the proxy process.
const (
	ExitClean     = 0
	ExitTransport = 1
	ExitStartup   = 2
)

const (
	// _drainGrace bounds how long a retiring backend's outstanding replies
	// are awaited before they are answered with RequestCancelled.
	_drainGrace = 2 * time.Second

	// _teardownGrace bounds the final wait for backend shutdowns and reader
	// goroutines at exit. It exceeds the sum of one session's shutdown
	// escalation bounds.
	_teardownGrace = 6 * time.Second
)

// ClientStreams carries the byte streams shared with the editor client.
type ClientStreams struct {
	Reader io.Reader
	Writer io.Writer
}

// Controller runs the proxy's supervisor loop.
type Controller interface {
	// Run serves the client until shutdown and returns the process exit code.
	Run(ctx context.Context) int
}

// Params are inbound parameters to construct the controller.
type Params struct {
	fx.In

	Logger    *zap.SugaredLogger
	Stats     tally.Scope
	Clock     clock.Clock
	FS        fs.ProxyFS
	Documents documents.Repository
	Resolver  venv.Resolver
	Spawner   backend.Spawner
	Streams   ClientStreams
}

// clientInbound is one message read from the client, or the terminal error.
type clientInbound struct {
	msg *rpc.Message
	raw []byte
	err error
}

// Internal supervisor events, produced by switch and timer goroutines.
type (
	switchReadyEvent struct {
		session *backend.Session
		target  venv.Venv
	}
	switchFailedEvent struct {
		generation uint64
		target     venv.Venv
		err        error
	}
	drainDeadlineEvent struct {
		generation uint64
	}
	sessionClosedEvent struct {
		generation uint64
	}
)

type pendingKey struct {
	generation uint64
	backendID  rpc.ID
}

type backendOriginEntry struct {
	generation uint64
	originalID rpc.ID
}

type switchAttempt struct {
	generation uint64
	target     venv.Venv
}

type controller struct {
	logger   *zap.SugaredLogger
	stats    tally.Scope
	clock    clock.Clock
	fs       fs.ProxyFS
	registry documents.Repository
	resolver venv.Resolver
	spawner  backend.Spawner

	clientReader *framing.Reader
	clientWriter *framing.Writer

	clientMsgs  chan clientInbound
	backendMsgs chan backend.Inbound
	events      chan interface{}

	generation uint64

	active   *backend.Session
	draining map[uint64]*backend.Session
	// released marks draining generations whose shutdown already started.
	released map[uint64]bool

	// pending maps backend-facing request ids to the client ids they answer;
	// clientPending is the reverse index used for cancellation and duplicate
	// detection. pendingPerGen counts outstanding replies per generation.
	pending       map[pendingKey]rpc.ID
	clientPending map[rpc.ID]pendingKey
	pendingPerGen map[uint64]int

	// backendOrigin routes the client's replies to backend-originated
	// requests back to the generation that asked.
	backendOrigin map[rpc.ID]backendOriginEntry
	proxyIDSeq    uint64

	// initParams is the first client initialize, captured verbatim for
	// replay to every later backend.
	initParams   json.RawMessage
	initReceived bool

	// lastConfig is the most recent workspace/didChangeConfiguration body,
	// replayed to new backends after a switch.
	lastConfig []byte

	switchInFlight *switchAttempt
	queuedTarget   *venv.Venv

	// forwardedCount tracks reader goroutines whose streams have not yet
	// closed; teardown waits for them, bounded.
	forwardedCount int

	// activeWarming is set from swap until the new backend reports the end
	// of its indexing progress.
	activeWarming bool

	shuttingDown bool
}

// New creates the supervisor controller.
func New(p Params) Controller {
	return &controller{
		logger:        p.Logger.With("component", "supervisor"),
		stats:         p.Stats.SubScope("proxy"),
		clock:         p.Clock,
		fs:            p.FS,
		registry:      p.Documents,
		resolver:      p.Resolver,
		spawner:       p.Spawner,
		clientReader:  framing.NewReader(p.Streams.Reader),
		clientWriter:  framing.NewWriter(p.Streams.Writer),
		clientMsgs:    make(chan clientInbound, 16),
		backendMsgs:   make(chan backend.Inbound, 64),
		events:        make(chan interface{}, 32),
		draining:      make(map[uint64]*backend.Session),
		released:      make(map[uint64]bool),
		pending:       make(map[pendingKey]rpc.ID),
		clientPending: make(map[rpc.ID]pendingKey),
		pendingPerGen: make(map[uint64]int),
		backendOrigin: make(map[rpc.ID]backendOriginEntry),
	}
}

func (c *controller) Run(ctx context.Context) int {
	cwd, err := c.fs.Getwd()
	if err != nil {
		c.logger.Errorw("cannot determine working directory", "error", err)
		return ExitStartup
	}

	// Warm start: preselect the fallback environment so the very first
	// didOpen usually arrives at a matching backend.
	fallback := c.resolver.FallbackScan(ctx, cwd)
	first, err := c.spawner.Spawn(ctx, fallback, c.nextGeneration())
	if err != nil {
		c.logger.Errorw("cannot spawn initial backend", "error", err)
		return ExitStartup
	}
	c.active = first

	go c.readClient()

	for {
		select {
		case in := <-c.clientMsgs:
			if in.err != nil {
				if in.err == io.EOF && c.shuttingDown {
					// The client hung up after its shutdown request
					// without a final exit notification.
					c.logger.Infow("client closed the connection during shutdown")
					c.teardown()
					return ExitClean
				}
				if in.err == io.EOF {
					c.logger.Errorw("client closed the connection unexpectedly")
				} else {
					c.logger.Errorw("client transport error", "error", in.err)
				}
				c.teardown()
				return ExitTransport
			}
			if code, done := c.handleClientMessage(ctx, in); done {
				return code
			}
		case in := <-c.backendMsgs:
			c.handleBackendMessage(ctx, in)
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		case <-ctx.Done():
			c.logger.Infow("supervisor context done, shutting down")
			c.teardown()
			return ExitClean
		}
	}
}

// readClient pumps framed client messages into the supervisor until the
// stream ends.
func (c *controller) readClient() {
	for {
		msg, raw, err := c.clientReader.Read()
		if err != nil {
			c.clientMsgs <- clientInbound{err: err}
			return
		}
		c.clientMsgs <- clientInbound{msg: msg, raw: raw}
	}
}

// startForwarding pipes a session's inbound messages into the supervisor
// loop and reports when the stream is fully drained.
func (c *controller) startForwarding(s *backend.Session) {
	c.forwardedCount++
	go func() {
		for in := range s.Inbound() {
			c.backendMsgs <- in
		}
		c.events <- sessionClosedEvent{generation: s.Generation()}
	}()
}

func (c *controller) nextGeneration() uint64 {
	c.generation++
	return c.generation
}

func (c *controller) nextProxyID() rpc.ID {
	c.proxyIDSeq++
	return rpc.NewStringID(fmt.Sprintf("pyright-proxy-%d", c.proxyIDSeq))
}

func (c *controller) activeGeneration() uint64 {
	if c.active == nil {
		return 0
	}
	return c.active.Generation()
}

// writeToClient frames a raw body onto the client stream.
func (c *controller) writeToClient(body []byte) {
	if err := c.clientWriter.Write(body); err != nil {
		c.logger.Errorw("cannot write to client", "error", err)
	}
}

func (c *controller) writeMessageToClient(msg *rpc.Message) {
	body, err := msg.Encode()
	if err != nil {
		c.logger.Errorw("cannot encode message for client", "error", err)
		return
	}
	c.writeToClient(body)
}

// replyCancelled answers a client request with RequestCancelled.
func (c *controller) replyCancelled(clientID rpc.ID, reason string) {
	c.stats.Counter("requests_cancelled").Inc(1)
	c.writeMessageToClient(rpc.NewErrorResponse(clientID, rpc.CodeRequestCancelled, reason))
}

// cancelPendingForGeneration answers every outstanding request of a
// generation with RequestCancelled and clears its bookkeeping. The client
// never sees an orphaned request.
func (c *controller) cancelPendingForGeneration(generation uint64, reason string) {
	for key, clientID := range c.pending {
		if key.generation != generation {
			continue
		}
		delete(c.pending, key)
		delete(c.clientPending, clientID)
		c.replyCancelled(clientID, reason)
	}
	delete(c.pendingPerGen, generation)

	for proxyID, entry := range c.backendOrigin {
		if entry.generation == generation {
			delete(c.backendOrigin, proxyID)
		}
	}
}

// liveSessions snapshots every session that still owns a process.
func (c *controller) liveSessions() []*backend.Session {
	out := make([]*backend.Session, 0, len(c.draining)+1)
	if c.active != nil {
		out = append(out, c.active)
	}
	for _, s := range c.draining {
		out = append(out, s)
	}
	return out
}

// teardown drives every live backend through its bounded shutdown. Replies
// arriving while shutting down are consumed so graceful exits stay fast.
func (c *controller) teardown() {
	c.shuttingDown = true
	sessions := c.liveSessions()
	byGen := make(map[uint64]*backend.Session, len(sessions))
	for _, s := range sessions {
		byGen[s.Generation()] = s
	}

	for clientID := range c.clientPending {
		c.replyCancelled(clientID, "proxy shutting down")
	}
	c.pending = make(map[pendingKey]rpc.ID)
	c.clientPending = make(map[rpc.ID]pendingKey)
	c.pendingPerGen = make(map[uint64]int)

	var wg sync.WaitGroup
	for _, s := range sessions {
		if c.released[s.Generation()] {
			// Its shutdown is already in flight.
			continue
		}
		c.released[s.Generation()] = true
		wg.Add(1)
		go func(s *backend.Session) {
			defer wg.Done()
			s.SetState(backend.StateDraining)
			s.Shutdown()
		}(s)
	}
	shutdownDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(shutdownDone)
	}()

	// Keep consuming backend traffic on the supervisor goroutine: shutdown
	// replies are acked so graceful exits stay fast, and reader goroutines
	// can finish instead of blocking on a full channel. Bounded.
	finished := false
	deadline := c.clock.After(_teardownGrace)
	for !finished || c.forwardedCount > 0 {
		select {
		case in := <-c.backendMsgs:
			if in.Err == nil && in.Message.IsResponse() {
				if s, ok := byGen[in.Generation]; ok {
					s.AckShutdown()
				}
			}
		case ev := <-c.events:
			if closed, ok := ev.(sessionClosedEvent); ok {
				delete(c.draining, closed.generation)
				c.forwardedCount--
			}
		case <-shutdownDone:
			finished = true
			shutdownDone = nil
		case <-deadline:
			c.logger.Warnw("teardown grace elapsed with readers still open", "remaining", c.forwardedCount)
			c.forwardedCount = 0
			finished = true
		}
	}

	c.active = nil
	c.draining = make(map[uint64]*backend.Session)
	c.logger.Infow("all backends released")
}

// processID is overridable for tests that assert initialize rewriting.
var processID = os.Getpid
