// Package documents tracks every document the client has opened, together
// with its sticky virtual-environment association. The registry is the
// source of truth that survives backend restarts.
package documents

import (
	"context"
	"sync"

	"github.com/uber-go/tally"
	"go.lsp.dev/protocol"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/entity"
	proxyerrors "github.com/pyright-proxy/pyright-proxy/src/proxy/internal/errors"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/venv"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/mapper"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Repository is the registry of open documents.
type Repository interface {
	// Observe updates the registry from a decoded client message. Messages
	// other than textDocument/didOpen, didChange, didSave and didClose are
	// ignored. Protocol misuse is logged, never fatal.
	Observe(ctx context.Context, msg *rpc.Message)

	// Get returns the tracked document for a URI.
	Get(uri protocol.DocumentURI) (*entity.Document, bool)

	// All returns every tracked document.
	All() []*entity.Document

	// Under returns the documents whose sticky venv equals ve.
	Under(ve venv.Venv) []*entity.Document

	// SnapshotDidOpen synthesizes the didOpen notification that restores the
	// document's current state on a fresh backend.
	SnapshotDidOpen(uri protocol.DocumentURI) (*rpc.Message, error)

	// Count returns the number of tracked documents.
	Count() int
}

// Params are inbound parameters to construct the registry.
type Params struct {
	fx.In

	Logger   *zap.SugaredLogger
	Stats    tally.Scope
	Resolver venv.Resolver
}

type repository struct {
	logger   *zap.SugaredLogger
	stats    tally.Scope
	resolver venv.Resolver

	mu        sync.Mutex
	documents map[protocol.DocumentURI]*entity.Document
}

// New creates a document registry.
func New(p Params) Repository {
	return &repository{
		logger:    p.Logger.With("component", "documents"),
		stats:     p.Stats.SubScope("documents"),
		resolver:  p.Resolver,
		documents: make(map[protocol.DocumentURI]*entity.Document),
	}
}

func (r *repository) Observe(ctx context.Context, msg *rpc.Message) {
	switch msg.Method {
	case protocol.MethodTextDocumentDidOpen:
		r.didOpen(ctx, msg)
	case protocol.MethodTextDocumentDidChange:
		r.didChange(ctx, msg)
	case protocol.MethodTextDocumentDidSave:
		r.didSave(ctx, msg)
	case protocol.MethodTextDocumentDidClose:
		r.didClose(ctx, msg)
	}
}

func (r *repository) Get(uri protocol.DocumentURI) (*entity.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[uri]
	if !ok {
		return nil, false
	}
	copied := *doc
	return &copied, true
}

func (r *repository) All() []*entity.Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entity.Document, 0, len(r.documents))
	for _, doc := range r.documents {
		copied := *doc
		out = append(out, &copied)
	}
	return out
}

func (r *repository) Under(ve venv.Venv) []*entity.Document {
	out := make([]*entity.Document, 0)
	for _, doc := range r.All() {
		if doc.Venv == ve {
			out = append(out, doc)
		}
	}
	return out
}

func (r *repository) SnapshotDidOpen(uri protocol.DocumentURI) (*rpc.Message, error) {
	doc, ok := r.Get(uri)
	if !ok {
		return nil, &proxyerrors.DocumentNotFoundError{URI: uri}
	}
	return mapper.DidOpenNotification(doc)
}

func (r *repository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.documents)
}

// didOpen records a freshly opened document and resolves its venv once.
// Reopening an already-tracked URI re-resolves; that is the documented way
// to pick up an environment created after the first open.
func (r *repository) didOpen(ctx context.Context, msg *rpc.Message) {
	defer r.updateMetrics()

	params, err := mapper.MessageToDidOpenParams(msg)
	if err != nil {
		r.logger.Warnw("ignoring unparsable didOpen", "error", err)
		return
	}

	ve := venv.None
	path, err := mapper.URIToPath(params.TextDocument.URI)
	if err != nil {
		r.logger.Warnw("document URI is not a file path, treating as no venv", "uri", params.TextDocument.URI, "error", err)
	} else {
		ve = r.resolver.ResolvePath(ctx, path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents[params.TextDocument.URI] = &entity.Document{
		URI:        params.TextDocument.URI,
		LanguageID: params.TextDocument.LanguageID,
		Version:    params.TextDocument.Version,
		Text:       params.TextDocument.Text,
		Venv:       ve,
	}
}

func (r *repository) didChange(ctx context.Context, msg *rpc.Message) {
	params, err := mapper.MessageToDidChangeParams(msg)
	if err != nil {
		r.logger.Warnw("ignoring unparsable didChange", "error", err)
		return
	}
	uri := params.TextDocument.URI

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[uri]
	if !ok {
		r.logger.Warnw("didChange for unopened document", "uri", uri)
		return
	}

	if params.TextDocument.Version < doc.Version {
		r.logger.Warnw("retaining snapshot", "error", &proxyerrors.DocumentOutdatedError{
			URI:            uri,
			CurrentVersion: doc.Version,
			GivenVersion:   params.TextDocument.Version,
		})
		return
	}

	changes, err := mapper.DecodeContentChanges(msg.Params)
	if err != nil {
		r.logger.Warnw("retaining snapshot for undecodable didChange", "uri", uri, "error", err)
		return
	}

	text, err := mapper.ApplyContentChanges(doc.Text, changes)
	if err != nil {
		r.logger.Warnw("retaining snapshot for inapplicable didChange", "uri", uri, "error", err)
		return
	}

	doc.Text = text
	doc.Version = params.TextDocument.Version
}

// didSave reconciles the snapshot with the saved text when the client
// includes it.
func (r *repository) didSave(ctx context.Context, msg *rpc.Message) {
	params, err := mapper.MessageToDidSaveParams(msg)
	if err != nil {
		r.logger.Warnw("ignoring unparsable didSave", "error", err)
		return
	}
	if params.Text == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[params.TextDocument.URI]
	if !ok {
		r.logger.Warnw("didSave for unopened document", "uri", params.TextDocument.URI)
		return
	}
	doc.Text = params.Text
}

func (r *repository) didClose(ctx context.Context, msg *rpc.Message) {
	defer r.updateMetrics()

	params, err := mapper.MessageToDidCloseParams(msg)
	if err != nil {
		r.logger.Warnw("ignoring unparsable didClose", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.documents[params.TextDocument.URI]; !ok {
		r.logger.Warnw("didClose for unknown document", "uri", params.TextDocument.URI)
		return
	}
	delete(r.documents, params.TextDocument.URI)
}

func (r *repository) updateMetrics() {
	r.stats.Gauge("open_docs").Update(float64(r.Count()))
}
