package proxy

import (
	"context"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/gateway/backend"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/venv"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/mapper"
)

// initiateSwitch prepares a backend for the target environment in the
// background. The current backend keeps serving until the replacement is
// ready; the swap happens in completeSwitch on the supervisor goroutine.
func (c *controller) initiateSwitch(ctx context.Context, target venv.Venv) {
	if c.shuttingDown {
		return
	}
	if c.switchInFlight != nil {
		if c.switchInFlight.target != target {
			// Newest wins once the in-flight attempt settles.
			t := target
			c.queuedTarget = &t
		} else {
			// The newest demand is the in-flight target; drop older ones.
			c.queuedTarget = nil
		}
		return
	}
	if !c.initReceived {
		c.logger.Warnw("venv mismatch before initialize, cannot switch yet", "target", target.Root())
		return
	}

	generation := c.nextGeneration()
	c.switchInFlight = &switchAttempt{generation: generation, target: target}
	c.stats.Counter("switches_started").Inc(1)
	c.logger.Infow("switching backend", "generation", generation, "venv", target.Root())

	initParams, err := mapper.RewriteInitializeParams(c.initParams, processID(), target.ProjectRoot())
	if err != nil {
		c.logger.Errorw("cannot rewrite initialize params", "error", err)
		c.switchInFlight = nil
		return
	}

	go func() {
		session, err := c.spawner.Spawn(ctx, target, generation)
		if err != nil {
			c.events <- switchFailedEvent{generation: generation, target: target, err: err}
			return
		}
		if _, err := session.Initialize(ctx, initParams); err != nil {
			session.Shutdown()
			// Drain the pump so the reader goroutine can finish.
			for range session.Inbound() {
			}
			c.events <- switchFailedEvent{generation: generation, target: target, err: err}
			return
		}
		if err := session.SendInitialized(); err != nil {
			c.logger.Warnw("cannot send initialized to new backend", "generation", generation, "error", err)
		}
		c.events <- switchReadyEvent{session: session, target: target}
	}()
}

// handleEvent processes supervisor-internal events.
func (c *controller) handleEvent(ctx context.Context, ev interface{}) {
	switch ev := ev.(type) {
	case switchReadyEvent:
		c.completeSwitch(ctx, ev.session, ev.target)
	case switchFailedEvent:
		c.failSwitch(ctx, ev)
	case drainDeadlineEvent:
		c.expireDrain(ev.generation)
	case sessionClosedEvent:
		delete(c.draining, ev.generation)
		delete(c.released, ev.generation)
		c.forwardedCount--
		c.stats.Gauge("live_backends").Update(float64(len(c.draining) + 1))
	default:
		c.logger.Warnw("unknown supervisor event", "event", ev)
	}
}

// completeSwitch replays state onto the ready session, atomically swaps it
// in, clears stale diagnostics, and begins draining the old backend.
func (c *controller) completeSwitch(ctx context.Context, session *backend.Session, target venv.Venv) {
	c.switchInFlight = nil

	if c.shuttingDown {
		go func() {
			session.Shutdown()
			for range session.Inbound() {
			}
		}()
		return
	}

	// Replay every document belonging to the target environment, then the
	// latest workspace configuration. Nothing else may reach the new
	// backend before the replay is complete.
	for _, doc := range c.registry.Under(target) {
		snapshot, err := c.registry.SnapshotDidOpen(doc.URI)
		if err != nil {
			c.logger.Warnw("cannot snapshot document for replay", "uri", doc.URI, "error", err)
			continue
		}
		if err := session.SendMessage(snapshot); err != nil {
			c.logger.Errorw("cannot replay document", "uri", doc.URI, "error", err)
			continue
		}
		session.MarkOpen(doc.URI)
	}
	if c.lastConfig != nil {
		if err := session.Send(c.lastConfig); err != nil {
			c.logger.Warnw("cannot replay configuration", "error", err)
		}
	}

	old := c.active
	session.SetState(backend.StateActive)
	c.active = session
	c.activeWarming = true
	c.startForwarding(session)
	c.stats.Counter("switches_completed").Inc(1)
	c.logger.Infow("backend switched", "generation", session.Generation(), "venv", target.Root(), "documentsReplayed", session.OpenCount())

	// Stale diagnostics for out-of-scope documents disappear immediately.
	for _, doc := range c.registry.All() {
		if doc.Venv == target {
			continue
		}
		clear, err := mapper.ClearDiagnosticsNotification(doc.URI)
		if err != nil {
			continue
		}
		c.writeMessageToClient(clear)
	}

	if old != nil {
		c.beginDrain(old)
	}

	if c.queuedTarget != nil {
		next := *c.queuedTarget
		c.queuedTarget = nil
		if next != target {
			c.initiateSwitch(ctx, next)
		}
	}
}

// failSwitch aborts a switch attempt, keeping the current backend active.
// When the failure was a crash respawn there is no backend left; losing the
// replacement too is fatal for the documents involved, but the proxy keeps
// answering benignly.
func (c *controller) failSwitch(ctx context.Context, ev switchFailedEvent) {
	c.switchInFlight = nil
	c.stats.Counter("switches_failed").Inc(1)
	c.logger.Errorw("backend switch aborted", "generation", ev.generation, "venv", ev.target.Root(), "error", ev.err)

	if c.queuedTarget != nil {
		next := *c.queuedTarget
		c.queuedTarget = nil
		c.initiateSwitch(ctx, next)
	}
}

// beginDrain retires the old backend: no new requests are forwarded, while
// outstanding replies are awaited up to the grace period.
func (c *controller) beginDrain(old *backend.Session) {
	old.SetState(backend.StateDraining)
	c.draining[old.Generation()] = old

	if c.pendingPerGen[old.Generation()] == 0 {
		c.finishDrain(old)
		return
	}

	generation := old.Generation()
	go func() {
		<-c.clock.After(_drainGrace)
		c.events <- drainDeadlineEvent{generation: generation}
	}()
}

// expireDrain fires when the drain grace elapses: any replies still owed are
// answered with RequestCancelled on the retired generation's behalf.
func (c *controller) expireDrain(generation uint64) {
	old, ok := c.draining[generation]
	if !ok || c.released[generation] {
		return
	}
	c.cancelPendingForGeneration(generation, "backend retired before replying")
	c.finishDrain(old)
}

// finishDrain releases a fully drained backend, exactly once. The session
// stays in the draining table until its reader goroutine reports the stream
// closed.
func (c *controller) finishDrain(old *backend.Session) {
	if c.released[old.Generation()] {
		return
	}
	c.released[old.Generation()] = true
	c.logger.Infow("draining backend released", "generation", old.Generation())
	go old.Shutdown()
}
