// Package mapper converts between raw JSON-RPC payloads and the typed
// protocol structures the proxy inspects.
package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/entity"
	protocolmapper "github.com/pyright-proxy/pyright-proxy/src/proxy/internal/protocol"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/rpc"
)

// MessageToInitializeParams maps the parameters of an rpc.Message into protocol.InitializeParams.
func MessageToInitializeParams(msg *rpc.Message) (*protocol.InitializeParams, error) {
	params := protocol.InitializeParams{}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// MessageToDidOpenParams maps the parameters of an rpc.Message into protocol.DidOpenTextDocumentParams.
func MessageToDidOpenParams(msg *rpc.Message) (*protocol.DidOpenTextDocumentParams, error) {
	params := protocol.DidOpenTextDocumentParams{}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// MessageToDidChangeParams maps the parameters of an rpc.Message into protocol.DidChangeTextDocumentParams.
func MessageToDidChangeParams(msg *rpc.Message) (*protocol.DidChangeTextDocumentParams, error) {
	params := protocol.DidChangeTextDocumentParams{}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// MessageToDidCloseParams maps the parameters of an rpc.Message into protocol.DidCloseTextDocumentParams.
func MessageToDidCloseParams(msg *rpc.Message) (*protocol.DidCloseTextDocumentParams, error) {
	params := protocol.DidCloseTextDocumentParams{}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// MessageToDidSaveParams maps the parameters of an rpc.Message into protocol.DidSaveTextDocumentParams.
func MessageToDidSaveParams(msg *rpc.Message) (*protocol.DidSaveTextDocumentParams, error) {
	params := protocol.DidSaveTextDocumentParams{}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, wrapErrParse(err)
	}
	return &params, nil
}

// TextDocumentURIFromBody extracts params.textDocument.uri from a raw message
// body without decoding the rest of the payload.
func TextDocumentURIFromBody(body []byte) (protocol.DocumentURI, bool) {
	res := gjson.GetBytes(body, "params.textDocument.uri")
	if !res.Exists() {
		return "", false
	}
	return protocol.DocumentURI(res.String()), true
}

// CancelIDFromParams extracts the id field of a $/cancelRequest payload.
func CancelIDFromParams(params json.RawMessage) (rpc.ID, bool) {
	res := gjson.GetBytes(params, "id")
	switch res.Type {
	case gjson.Number:
		return rpc.NewNumberID(res.Int()), true
	case gjson.String:
		return rpc.NewStringID(res.String()), true
	default:
		return rpc.ID{}, false
	}
}

// URIToPath converts a file URI to an absolute filesystem path.
func URIToPath(docURI protocol.DocumentURI) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("converting %q to a path: %v", docURI, r)
		}
	}()
	return docURI.Filename(), nil
}

// RewriteIDInBody replaces the id field of a raw message body, leaving every
// other byte of the payload untouched.
func RewriteIDInBody(body []byte, id rpc.ID) ([]byte, error) {
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetRawBytes(body, "id", encoded)
	if err != nil {
		return nil, fmt.Errorf("rewriting message id: %w", err)
	}
	return out, nil
}

// RewriteInitializeParams retargets a captured initialize payload at a new
// backend: processId becomes the proxy's pid and, when a project root is
// given, rootUri/rootPath/workspaceFolders point at it. Unknown fields in the
// captured payload survive unchanged.
func RewriteInitializeParams(rawParams []byte, processID int, projectRoot string) ([]byte, error) {
	out, err := sjson.SetBytes(rawParams, "processId", processID)
	if err != nil {
		return nil, fmt.Errorf("rewriting processId: %w", err)
	}

	if projectRoot == "" {
		return out, nil
	}

	rootURI := uri.File(projectRoot)
	if out, err = sjson.SetBytes(out, "rootUri", string(rootURI)); err != nil {
		return nil, fmt.Errorf("rewriting rootUri: %w", err)
	}
	if gjson.GetBytes(out, "rootPath").Exists() {
		if out, err = sjson.SetBytes(out, "rootPath", projectRoot); err != nil {
			return nil, fmt.Errorf("rewriting rootPath: %w", err)
		}
	}
	if gjson.GetBytes(out, "workspaceFolders").Exists() {
		folders := []protocol.WorkspaceFolder{{
			URI:  string(rootURI),
			Name: filepath.Base(projectRoot),
		}}
		encoded, err := json.Marshal(folders)
		if err != nil {
			return nil, err
		}
		if out, err = sjson.SetRawBytes(out, "workspaceFolders", encoded); err != nil {
			return nil, fmt.Errorf("rewriting workspaceFolders: %w", err)
		}
	}
	return out, nil
}

// DidOpenNotification synthesizes the didOpen notification that restores a
// document on a freshly started backend.
func DidOpenNotification(doc *entity.Document) (*rpc.Message, error) {
	return rpc.NewNotification(protocol.MethodTextDocumentDidOpen, protocol.DidOpenTextDocumentParams{
		TextDocument: doc.Item(),
	})
}

// ClearDiagnosticsNotification synthesizes an empty publishDiagnostics for a
// document, erasing stale diagnostics from a retired backend.
func ClearDiagnosticsNotification(docURI protocol.DocumentURI) (*rpc.Message, error) {
	return rpc.NewNotification(protocol.MethodTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         docURI,
		Diagnostics: []protocol.Diagnostic{},
	})
}

// ContentChange is one didChange event. Full-document replacements carry no
// range; incremental edits do.
type ContentChange struct {
	HasRange bool
	Range    protocol.Range
	Text     string
}

// DecodeContentChanges decodes didChange contentChanges, preserving the
// distinction between full and ranged events.
func DecodeContentChanges(raw json.RawMessage) ([]ContentChange, error) {
	res := gjson.GetBytes(raw, "contentChanges")
	if !res.Exists() || !res.IsArray() {
		return nil, wrapErrParse(fmt.Errorf("didChange params missing contentChanges"))
	}

	var changes []ContentChange
	var decodeErr error
	res.ForEach(func(_, value gjson.Result) bool {
		change := ContentChange{Text: value.Get("text").String()}
		if rangeValue := value.Get("range"); rangeValue.Exists() {
			change.HasRange = true
			if err := json.Unmarshal([]byte(rangeValue.Raw), &change.Range); err != nil {
				decodeErr = wrapErrParse(err)
				return false
			}
		}
		changes = append(changes, change)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return changes, nil
}

// ApplyContentChanges applies didChange events to a text snapshot in order.
func ApplyContentChanges(initialText string, changes []ContentChange) (string, error) {
	content := []byte(initialText)
	for _, change := range changes {
		if !change.HasRange {
			content = []byte(change.Text)
			continue
		}

		m := protocolmapper.NewTextOffsetMapper(content)
		start, err := m.PositionOffset(change.Range.Start)
		if err != nil {
			return "", fmt.Errorf("unable to apply changes: %w", err)
		}
		end, err := m.PositionOffset(change.Range.End)
		if err != nil {
			return "", fmt.Errorf("unable to apply changes: %w", err)
		}
		if start > end {
			return "", fmt.Errorf("unable to apply changes: range start %d after end %d", start, end)
		}

		var buf bytes.Buffer
		buf.Write(content[:start])
		buf.Write([]byte(change.Text))
		buf.Write(content[end:])
		content = buf.Bytes()
	}

	return string(content), nil
}

func wrapErrParse(err error) error {
	return fmt.Errorf("%s: %w", jsonrpc2.ErrParse, err)
}
