package venv

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/fs"
)

const (
	_configKeyMaxDepth       = "venv.maxDepth"
	_configKeyMaxScanEntries = "venv.maxScanEntries"
	_configKeyWatch          = "venv.watch"

	_defaultMaxDepth       = 32
	_defaultMaxScanEntries = 4096
)

// Module is the Fx module for this package.
var Module = fx.Provide(NewResolver)

// Resolver maps document paths to the virtual environment they belong to.
type Resolver interface {
	// ResolvePath walks upward from the file's parent directory looking for
	// a .venv/pyvenv.cfg marker. The walk stops at the filesystem root, at a
	// directory containing a .git entry, or at the configured depth limit.
	// Resolution failures degrade to None.
	ResolvePath(ctx context.Context, path string) Venv

	// FallbackScan walks the subtree under root breadth-first, pruned at
	// .git boundaries and hidden directories, and returns the first virtual
	// environment found. Used once at startup to preselect the initial
	// backend's environment.
	FallbackScan(ctx context.Context, root string) Venv

	// InvalidateCache drops all memoized directory results.
	InvalidateCache()
}

// Params define the dependencies of the resolver.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	FS        fs.ProxyFS
}

type resolver struct {
	logger *zap.SugaredLogger
	fs     fs.ProxyFS

	maxDepth       int
	maxScanEntries int

	mu    sync.Mutex
	cache map[string]Venv

	// watcher is set only when venv.watch is enabled.
	watcher *fsnotify.Watcher
}

// NewResolver creates a resolver. When venv.watch is enabled, a filesystem
// watcher is attached that invalidates the cache when virtual environments
// appear.
func NewResolver(p Params) (Resolver, error) {
	r := &resolver{
		logger:         p.Logger,
		fs:             p.FS,
		maxDepth:       _defaultMaxDepth,
		maxScanEntries: _defaultMaxScanEntries,
		cache:          make(map[string]Venv),
	}

	if err := p.Config.Get(_configKeyMaxDepth).Populate(&r.maxDepth); err != nil {
		return nil, err
	}
	if err := p.Config.Get(_configKeyMaxScanEntries).Populate(&r.maxScanEntries); err != nil {
		return nil, err
	}

	var watch bool
	if err := p.Config.Get(_configKeyWatch).Populate(&watch); err != nil {
		return nil, err
	}
	if watch {
		if err := attachWatcher(p.Lifecycle, r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *resolver) ResolvePath(ctx context.Context, path string) Venv {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			r.logger.Warnw("cannot make document path absolute, treating as no venv", "path", path, "error", err)
			return None
		}
		path = abs
	}

	dir := filepath.Dir(filepath.Clean(path))

	var visited []string
	result := None

	for depth := 0; depth < r.maxDepth; depth++ {
		if cached, ok := r.lookupCache(dir); ok {
			result = cached
			break
		}
		visited = append(visited, dir)

		if found := r.probe(dir); !found.IsNone() {
			result = found
			break
		}

		// A .git entry, file or directory, bounds the search. The directory
		// holding it was still probed above, so a repo-root .venv is found.
		if r.hasGitEntry(dir) {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	r.storeCache(visited, result)
	if result.IsNone() {
		r.watchMisses(visited)
	}
	return result
}

func (r *resolver) FallbackScan(ctx context.Context, root string) Venv {
	root = filepath.Clean(root)
	queue := []string{root}
	seen := 0

	for len(queue) > 0 && seen < r.maxScanEntries {
		dir := queue[0]
		queue = queue[1:]
		seen++

		if found := r.probe(dir); !found.IsNone() {
			r.logger.Infow("fallback scan found virtual environment", "venv", found.Root())
			return found
		}

		entries, err := r.fs.ReadDir(dir)
		if err != nil {
			r.logger.Warnw("fallback scan cannot read directory", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			child := filepath.Join(dir, entry.Name())
			// Nested repositories are separate projects.
			if r.hasGitEntry(child) {
				continue
			}
			queue = append(queue, child)
		}
	}

	r.logger.Infow("fallback scan found no virtual environment", "root", root, "entriesVisited", seen)
	return None
}

func (r *resolver) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Venv)
}

// probe tests <dir>/.venv/pyvenv.cfg. Filesystem errors degrade to a miss.
func (r *resolver) probe(dir string) Venv {
	marker := filepath.Join(dir, DirName, MarkerName)
	exists, err := r.fs.FileExists(marker)
	if err != nil {
		r.logger.Warnw("cannot probe venv marker", "path", marker, "error", err)
		return None
	}
	if !exists {
		return None
	}
	return New(filepath.Join(dir, DirName))
}

func (r *resolver) hasGitEntry(dir string) bool {
	exists, err := r.fs.EntryExists(filepath.Join(dir, gitEntry))
	if err != nil {
		r.logger.Warnw("cannot probe git entry", "dir", dir, "error", err)
		return false
	}
	return exists
}

func (r *resolver) lookupCache(dir string) (Venv, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache[dir]
	return v, ok
}

// storeCache memoizes the walk result for every directory visited on the way
// to it; a later walk starting from any of them resolves identically.
func (r *resolver) storeCache(dirs []string, result Venv) {
	if len(dirs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dir := range dirs {
		r.cache[dir] = result
	}
}
