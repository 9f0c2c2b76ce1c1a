// Package errors defines typed errors shared across the proxy.
package errors

import (
	"errors"
	"fmt"

	"go.lsp.dev/protocol"
)

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// MalformedFrameError indicates that a stream produced bytes that do not
// form a valid LSP base-protocol frame.
type MalformedFrameError struct {
	Reason string
}

// Error is an implementation of the error interface.
func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// BackendSpawnError indicates that a backend child process could not be started.
type BackendSpawnError struct {
	Command string
	Err     error
}

// Error is an implementation of the error interface.
func (e *BackendSpawnError) Error() string {
	return fmt.Sprintf("spawning backend %q: %v", e.Command, e.Err)
}

// Unwrap returns the underlying cause.
func (e *BackendSpawnError) Unwrap() error {
	return e.Err
}

// BackendProtocolError indicates that a backend violated the expected
// handshake, e.g. answered initialize with an error.
type BackendProtocolError struct {
	Generation uint64
	Detail     string
}

// Error is an implementation of the error interface.
func (e *BackendProtocolError) Error() string {
	return fmt.Sprintf("backend generation %d protocol error: %s", e.Generation, e.Detail)
}

// DocumentNotFoundError indicates that a document is not tracked by the registry.
type DocumentNotFoundError struct {
	URI protocol.DocumentURI
}

// Error is an implementation of the error interface.
func (e *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("document %q not found", e.URI)
}

// DocumentOutdatedError indicates a didChange carrying a version older than
// the tracked one.
type DocumentOutdatedError struct {
	URI            protocol.DocumentURI
	CurrentVersion int32
	GivenVersion   int32
}

// Error is an implementation of the error interface.
func (e *DocumentOutdatedError) Error() string {
	return fmt.Sprintf("document %q version is outdated. Current version: %v, Given version: %v", e.URI, e.CurrentVersion, e.GivenVersion)
}
