package proxy

import (
	"context"
	"encoding/json"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/gateway/backend"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/mapper"
)

// $/cancelRequest is part of the JSON-RPC cancellation extension rather than
// a document method.
const _methodCancelRequest = "$/cancelRequest"

// handleClientMessage dispatches one client message per the routing table.
// It returns (exitCode, true) when the supervisor should stop.
func (c *controller) handleClientMessage(ctx context.Context, in clientInbound) (int, bool) {
	msg := in.msg

	switch msg.Method {
	case protocol.MethodInitialize:
		c.handleInitialize(ctx, in)
		return 0, false

	case protocol.MethodInitialized:
		c.forwardToActive(in.raw)
		return 0, false

	case protocol.MethodShutdown:
		// Answered by the supervisor; backends get their own handshakes
		// during teardown.
		c.shuttingDown = true
		if msg.ID != nil {
			reply, err := rpc.NewResponse(*msg.ID, nil)
			if err == nil {
				c.writeMessageToClient(reply)
			}
		}
		return 0, false

	case protocol.MethodExit:
		c.logger.Infow("client requested exit")
		c.teardown()
		return ExitClean, true

	case _methodCancelRequest:
		c.handleCancelRequest(msg)
		return 0, false

	case protocol.MethodTextDocumentDidOpen,
		protocol.MethodTextDocumentDidChange,
		protocol.MethodTextDocumentDidClose,
		protocol.MethodTextDocumentDidSave:
		c.handleDocumentSync(ctx, in)
		return 0, false

	case protocol.MethodWorkspaceDidChangeConfiguration:
		// Remember the latest value so new backends can be brought up to date.
		c.lastConfig = append([]byte(nil), in.raw...)
		c.forwardToActive(in.raw)
		return 0, false
	}

	switch {
	case msg.IsRequest():
		c.handleClientRequest(in)
	case msg.IsNotification():
		c.forwardToActive(in.raw)
	case msg.IsResponse():
		c.handleClientResponse(in)
	default:
		c.logger.Warnw("unclassifiable client message dropped")
	}
	return 0, false
}

// handleInitialize serves the first handshake: the captured request is
// forwarded to the initial backend and only that backend's reply reaches the
// client. Later backends replay the captured request invisibly.
func (c *controller) handleInitialize(ctx context.Context, in clientInbound) {
	msg := in.msg
	if c.initReceived {
		c.logger.Warnw("duplicate initialize from client")
		if msg.ID != nil {
			c.writeMessageToClient(rpc.NewErrorResponse(*msg.ID, int64(jsonrpc2.InvalidRequest), "initialize already received"))
		}
		return
	}

	c.initReceived = true
	c.initParams = append([]byte(nil), msg.Params...)

	if c.active == nil {
		c.logger.Errorw("initialize received with no backend available")
		if msg.ID != nil {
			c.writeMessageToClient(rpc.NewErrorResponse(*msg.ID, int64(jsonrpc2.InternalError), "no backend available"))
		}
		return
	}

	rawReply, err := c.active.Initialize(ctx, c.initParams)
	if err != nil {
		c.logger.Errorw("initial backend handshake failed", "error", err)
		if msg.ID != nil {
			c.writeMessageToClient(rpc.NewErrorResponse(*msg.ID, int64(jsonrpc2.InternalError), "backend failed to initialize"))
		}
		return
	}

	c.active.SetState(backend.StateActive)
	c.startForwarding(c.active)

	if msg.ID == nil {
		return
	}
	out, err := mapper.RewriteIDInBody(rawReply, *msg.ID)
	if err != nil {
		c.logger.Errorw("cannot restore client id on initialize reply", "error", err)
		return
	}
	c.writeToClient(out)
}

// handleDocumentSync updates the registry, triggers a switch on a venv
// mismatch, and forwards the notification to the backend owning the document.
func (c *controller) handleDocumentSync(ctx context.Context, in clientInbound) {
	msg := in.msg
	c.registry.Observe(ctx, msg)

	uri, ok := mapper.TextDocumentURIFromBody(in.raw)
	if !ok {
		c.logger.Warnw("document sync without textDocument.uri", "method", msg.Method)
		c.forwardToActive(in.raw)
		return
	}

	doc, tracked := c.registry.Get(uri)

	if tracked && c.active != nil && doc.Venv != c.active.Venv() && !c.shuttingDown {
		switch msg.Method {
		case protocol.MethodTextDocumentDidOpen, protocol.MethodTextDocumentDidChange:
			c.initiateSwitch(ctx, doc.Venv)
		}
	}

	switch msg.Method {
	case protocol.MethodTextDocumentDidOpen:
		if !tracked || c.active == nil {
			return
		}
		// Only the backend matching the document's environment gets the
		// open; a pending switch will replay it instead.
		if doc.Venv == c.active.Venv() {
			if c.forwardToActive(in.raw) {
				c.active.MarkOpen(uri)
			}
		}

	case protocol.MethodTextDocumentDidClose:
		if c.active == nil {
			return
		}
		if c.active.IsOpen(uri) {
			c.forwardToActive(in.raw)
			c.active.MarkClosed(uri)
			return
		}
		if !tracked {
			// The registry never saw this document either; pass it along
			// and let the backend decide.
			c.logger.Warnw("didClose for unknown document", "uri", uri)
			c.forwardToActive(in.raw)
		}

	case protocol.MethodTextDocumentDidChange, protocol.MethodTextDocumentDidSave:
		if c.active == nil {
			return
		}
		if c.active.IsOpen(uri) {
			c.forwardToActive(in.raw)
			return
		}
		if !tracked {
			c.logger.Warnw("document sync for unopened document", "method", msg.Method, "uri", uri)
			c.forwardToActive(in.raw)
		}
		// Tracked but foreign to the active backend: the registry keeps the
		// text current for replay, nothing is forwarded.
	}
}

// handleClientRequest forwards a request to the active backend under a
// rewritten id, or answers it directly when the backend cannot serve it.
func (c *controller) handleClientRequest(in clientInbound) {
	msg := in.msg
	clientID := *msg.ID

	if _, dup := c.clientPending[clientID]; dup {
		c.logger.Warnw("duplicate request id from client", "id", clientID, "method", msg.Method)
		c.writeMessageToClient(rpc.NewErrorResponse(clientID, int64(jsonrpc2.InvalidRequest), "duplicate request id"))
		return
	}

	if c.active == nil || c.active.State() != backend.StateActive || c.shuttingDown {
		c.replyNull(clientID)
		return
	}

	// Requests against documents outside the active backend's open set get a
	// benign null result; the backend has never heard of those files.
	if uri, ok := mapper.TextDocumentURIFromBody(in.raw); ok && !c.active.IsOpen(uri) {
		c.replyNull(clientID)
		return
	}

	backendID := c.active.NextRequestID()
	body, err := mapper.RewriteIDInBody(in.raw, backendID)
	if err != nil {
		c.logger.Errorw("cannot rewrite request id", "error", err)
		c.replyNull(clientID)
		return
	}

	key := pendingKey{generation: c.active.Generation(), backendID: backendID}
	c.pending[key] = clientID
	c.clientPending[clientID] = key
	c.pendingPerGen[key.generation]++

	if err := c.active.Send(body); err != nil {
		c.logger.Errorw("cannot forward request to backend", "error", err)
		delete(c.pending, key)
		delete(c.clientPending, clientID)
		c.pendingPerGen[key.generation]--
		c.replyCancelled(clientID, "backend unreachable")
	}
}

// handleClientResponse routes the client's reply to a backend-originated
// request back to the generation that issued it.
func (c *controller) handleClientResponse(in clientInbound) {
	msg := in.msg
	entry, ok := c.backendOrigin[*msg.ID]
	if !ok {
		c.logger.Warnw("client response without a matching backend request", "id", msg.ID)
		return
	}
	delete(c.backendOrigin, *msg.ID)

	target := c.sessionByGeneration(entry.generation)
	if target == nil {
		c.logger.Debugw("dropping client response for retired backend", "generation", entry.generation)
		return
	}

	body, err := mapper.RewriteIDInBody(in.raw, entry.originalID)
	if err != nil {
		c.logger.Errorw("cannot restore backend id on client response", "error", err)
		return
	}
	if err := target.Send(body); err != nil {
		c.logger.Warnw("cannot deliver client response to backend", "generation", entry.generation, "error", err)
	}
}

// handleCancelRequest maps a client-side cancellation onto the backend id
// holding the request. Cancellations for retired generations vanish.
func (c *controller) handleCancelRequest(msg *rpc.Message) {
	clientID, ok := mapper.CancelIDFromParams(msg.Params)
	if !ok {
		c.logger.Warnw("cancelRequest without id")
		return
	}

	key, ok := c.clientPending[clientID]
	if !ok {
		// Already answered, or never seen.
		return
	}

	target := c.sessionByGeneration(key.generation)
	if target == nil {
		return
	}

	body, err := mapper.RewriteIDInBody(msg.Params, key.backendID)
	if err != nil {
		c.logger.Errorw("cannot rewrite cancellation id", "error", err)
		return
	}
	forward, err := rpc.NewNotification(_methodCancelRequest, json.RawMessage(body))
	if err != nil {
		return
	}
	if err := target.SendMessage(forward); err != nil {
		c.logger.Debugw("cannot forward cancellation", "generation", key.generation, "error", err)
	}
}

// sessionByGeneration returns the active or draining session with the given
// generation, or nil when it has been retired.
func (c *controller) sessionByGeneration(generation uint64) *backend.Session {
	if c.active != nil && c.active.Generation() == generation {
		return c.active
	}
	return c.draining[generation]
}

// forwardToActive sends a raw client message to the active backend.
func (c *controller) forwardToActive(body []byte) bool {
	if c.active == nil || c.active.State() != backend.StateActive {
		return false
	}
	if err := c.active.Send(body); err != nil {
		c.logger.Errorw("cannot forward to backend", "error", err)
		return false
	}
	return true
}

func (c *controller) replyNull(clientID rpc.ID) {
	reply, err := rpc.NewResponse(clientID, nil)
	if err != nil {
		return
	}
	c.writeMessageToClient(reply)
}
