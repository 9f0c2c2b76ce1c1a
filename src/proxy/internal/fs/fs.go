package fs

import (
	"io/fs"
	"os"

	"go.uber.org/fx"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ProxyFS wraps the filesystem operations used by the proxy.
type ProxyFS interface {
	Getwd() (string, error)
	// FileExists reports whether path names a regular file. The final path
	// component is probed with Lstat, so a symlinked file does not count.
	FileExists(path string) (bool, error)
	// EntryExists reports whether path names any directory entry at all,
	// regardless of its type.
	EntryExists(path string) (bool, error)
	DirExists(path string) (bool, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	ReadFile(name string) ([]byte, error)
	Create(name string) (*os.File, error)
}

type fsImpl struct{}

// New creates a new ProxyFS.
func New() ProxyFS {
	return fsImpl{}
}

// Getwd returns the process working directory.
func (fsImpl) Getwd() (string, error) { return os.Getwd() }

func (fsImpl) FileExists(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (fsImpl) EntryExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (fsImpl) DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// ReadDir reads all the items in a directory (non-recursive).
func (fsImpl) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(name)
}

func (fsImpl) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (fsImpl) Create(name string) (*os.File, error) {
	return os.Create(name)
}
