package proxy

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/gateway/backend"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/mapper"
)

// handleBackendMessage routes one message read from a backend. Generation
// tags make stale traffic from retired backends unambiguously discardable.
func (c *controller) handleBackendMessage(ctx context.Context, in backend.Inbound) {
	if in.Err != nil {
		c.handleBackendFailure(ctx, in.Generation)
		return
	}

	msg := in.Message
	isActive := in.Generation == c.activeGeneration()
	_, isDraining := c.draining[in.Generation]

	switch {
	case msg.IsResponse():
		c.handleBackendResponse(in, isActive, isDraining)

	case msg.IsRequest():
		// Server-to-client request, e.g. workspace/configuration. Only the
		// active backend may interrogate the client.
		if !isActive {
			c.logger.Debugw("dropping request from retired backend", "generation", in.Generation, "method", msg.Method)
			return
		}
		proxyID := c.nextProxyID()
		c.backendOrigin[proxyID] = backendOriginEntry{generation: in.Generation, originalID: *msg.ID}
		body, err := mapper.RewriteIDInBody(in.Raw, proxyID)
		if err != nil {
			c.logger.Errorw("cannot rewrite backend request id", "error", err)
			delete(c.backendOrigin, proxyID)
			return
		}
		c.writeToClient(body)

	case msg.IsNotification():
		if !isActive {
			// Notifications from a retiring backend, diagnostics included,
			// must not contradict the active backend's view.
			c.stats.Counter("stale_notifications_dropped").Inc(1)
			return
		}
		c.observeProgress(msg)
		c.writeToClient(in.Raw)

	default:
		c.logger.Warnw("unclassifiable backend message dropped", "generation", in.Generation)
	}
}

// handleBackendResponse restores the original client id and forwards the
// reply, unless the generation was retired, in which case it vanishes.
func (c *controller) handleBackendResponse(in backend.Inbound, isActive, isDraining bool) {
	key := pendingKey{generation: in.Generation, backendID: *in.Message.ID}
	clientID, ok := c.pending[key]
	if !ok {
		if isDraining {
			// The only request the proxy itself issues on a retiring
			// backend is shutdown; treat the reply as its acknowledgement.
			if s := c.draining[in.Generation]; s != nil {
				s.AckShutdown()
			}
			return
		}
		if isActive {
			// Replies the supervisor never booked: the hidden handshake, or
			// a duplicate. Dropped.
			c.logger.Debugw("unmatched reply from active backend", "id", in.Message.ID)
			return
		}
		c.stats.Counter("stale_replies_dropped").Inc(1)
		return
	}

	if !isActive && !isDraining {
		// Retired generation raced its own bookkeeping; never surfaces.
		delete(c.pending, key)
		delete(c.clientPending, clientID)
		c.stats.Counter("stale_replies_dropped").Inc(1)
		return
	}

	delete(c.pending, key)
	delete(c.clientPending, clientID)
	c.pendingPerGen[key.generation]--

	body, err := mapper.RewriteIDInBody(in.Raw, clientID)
	if err != nil {
		c.logger.Errorw("cannot restore client id on reply", "error", err)
		c.replyCancelled(clientID, "reply lost in translation")
		return
	}
	c.writeToClient(body)

	if isDraining && c.pendingPerGen[key.generation] <= 0 {
		delete(c.pendingPerGen, key.generation)
		if s := c.draining[key.generation]; s != nil {
			c.finishDrain(s)
		}
	}
}

// handleBackendFailure reacts to a backend's stream ending. For the active
// backend this is a crash: pending requests are cancelled and a replacement
// bound to the same environment is spawned. Draining backends just finish.
func (c *controller) handleBackendFailure(ctx context.Context, generation uint64) {
	if c.shuttingDown {
		return
	}

	if s, ok := c.draining[generation]; ok {
		c.cancelPendingForGeneration(generation, "backend exited before replying")
		c.finishDrain(s)
		return
	}

	if generation != c.activeGeneration() || c.active == nil {
		return
	}

	crashed := c.active
	c.stats.Counter("backend_crashes").Inc(1)
	c.logger.Errorw("active backend crashed", "generation", generation, "venv", crashed.Venv().Root())

	c.cancelPendingForGeneration(generation, "backend crashed")
	crashed.SetState(backend.StateDead)
	c.active = nil

	// Reap through the regular bounded shutdown sequence; once the process
	// has exited, the wait for its exit ends that sequence early.
	go crashed.Shutdown()

	// Replacement bound to the same environment; open documents are
	// replayed by the normal switch completion.
	c.initiateSwitch(ctx, crashed.Venv())
}

// observeProgress watches for the end of the freshly activated backend's
// indexing progress, which marks it fully warm.
func (c *controller) observeProgress(msg *rpc.Message) {
	if !c.activeWarming || msg.Method != "$/progress" {
		return
	}
	if gjson.GetBytes(msg.Params, "value.kind").String() == "end" {
		c.activeWarming = false
		c.stats.Counter("backend_warmups").Inc(1)
		c.logger.Infow("backend warmup complete", "generation", c.activeGeneration())
	}
}
