// Package venv locates the Python virtual environment a document belongs to.
// A virtual environment is a directory named .venv containing a pyvenv.cfg
// marker file.
package venv

import (
	"path/filepath"
)

const (
	// DirName is the only virtual-environment directory name recognized.
	DirName = ".venv"
	// MarkerName is the file whose presence marks a virtual environment.
	MarkerName = "pyvenv.cfg"
	// gitEntry bounds the upward search when present in a directory.
	gitEntry = ".git"
)

// Venv is a handle to one virtual environment, identified by the canonical
// absolute path of its root directory. The zero value None means the backend
// runs without a virtual-environment override.
type Venv string

// None is the no-venv sentinel.
const None Venv = ""

// New returns a handle for the given virtual-environment root directory.
func New(root string) Venv {
	return Venv(filepath.Clean(root))
}

// IsNone reports whether the handle is the no-venv sentinel.
func (v Venv) IsNone() bool {
	return v == None
}

// Root returns the virtual environment's root directory.
func (v Venv) Root() string {
	return string(v)
}

// ProjectRoot returns the directory containing the .venv directory, which is
// treated as the project's workspace root. Empty for the no-venv sentinel.
func (v Venv) ProjectRoot() string {
	if v.IsNone() {
		return ""
	}
	return filepath.Dir(string(v))
}
