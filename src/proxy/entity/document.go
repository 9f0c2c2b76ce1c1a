// Package entity holds the domain records shared across the proxy's layers.
package entity

import (
	"go.lsp.dev/protocol"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/venv"
)

// Document is the proxy's record of one client-opened text document. It holds
// enough state to replay a didOpen to a freshly spawned backend.
type Document struct {
	URI        protocol.DocumentURI
	LanguageID protocol.LanguageIdentifier

	// Version is the client-communicated document version. It never
	// decreases; a replayed didOpen carries the current value.
	Version int32

	// Text is a snapshot of the full document content as of the most recent
	// successfully applied change.
	Text string

	// Venv is the virtual environment resolved when the document was first
	// opened. The association is sticky: it is not re-resolved on edits.
	Venv venv.Venv
}

// Item returns the protocol representation used to replay a didOpen.
func (d *Document) Item() protocol.TextDocumentItem {
	return protocol.TextDocumentItem{
		URI:        d.URI,
		LanguageID: d.LanguageID,
		Version:    d.Version,
		Text:       d.Text,
	}
}
