package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCustomErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "malformed frame",
			err:  &MalformedFrameError{Reason: "missing Content-Length"},
		},
		{
			name: "backend spawn",
			err:  &BackendSpawnError{Command: "pyright-langserver", Err: New("not found")},
		},
		{
			name: "backend protocol",
			err:  &BackendProtocolError{Generation: 3, Detail: "initialize rejected"},
		},
		{
			name: "document not found",
			err:  &DocumentNotFoundError{URI: "file:///tmp/a.py"},
		},
		{
			name: "document outdated",
			err:  &DocumentOutdatedError{URI: "file:///tmp/a.py", CurrentVersion: 4, GivenVersion: 2},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.err)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestBackendSpawnErrorUnwrap(t *testing.T) {
	cause := New("exec: not found")
	err := &BackendSpawnError{Command: "pyright-langserver", Err: cause}
	assert.Equal(t, cause, err.Unwrap())
}
