package snapshot

import (
	"path/filepath"
	"sync"

	"github.com/bitten-ci/bitten/internal/vcs"
	"github.com/bitten-ci/bitten/pkg/log"
)

// Registry holds one Manager per build configuration. Each config keeps
// its archives in its own subdirectory of dir.
type Registry struct {
	repo   vcs.Repository
	dir    string
	format Format
	limit  int

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry returns an empty registry.
func NewRegistry(repo vcs.Repository, dir string, format Format, limit int) *Registry {
	return &Registry{
		repo:     repo,
		dir:      dir,
		format:   format,
		limit:    limit,
		managers: map[string]*Manager{},
	}
}

// Manager returns the manager for config, opening it on first use or when
// the config's repository path changed.
func (r *Registry) Manager(config, path string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path = vcs.NormalizePath(path)
	if m, ok := r.managers[config]; ok && m.opts.Path == path {
		return m, nil
	}

	m, err := NewManager(r.repo, Options{
		Dir:    filepath.Join(r.dir, filepath.Base(config)),
		Prefix: config,
		Path:   path,
		Format: r.format,
		Limit:  r.limit,
	})
	if m == nil {
		return nil, err
	}
	if err != nil {
		log.Warn("snapshot reconciliation incomplete", "config", config, "error", err)
	}
	r.managers[config] = m
	return m, nil
}

// Close waits for all pending archive builds.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.managers {
		m.Close()
	}
}
