// Package snapshot materialises repository revisions as archives for
// slaves, reusing unchanged members of earlier archives.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitten-ci/bitten/internal/metrics"
	"github.com/bitten-ci/bitten/internal/vcs"
	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// DefaultLimit is the number of archives kept per manager.
const DefaultLimit = 10

// Options configure a Manager.
type Options struct {
	// Dir holds the archives and their checksum files. A manager owns
	// every "{Prefix}_r*" file in it.
	Dir string
	// Prefix names archives "{Prefix}_r{rev}{ext}", usually the config name.
	Prefix string
	// Path is the directory of the repository to archive.
	Path    string
	Format  Format
	Limit   int
	Workers int
}

type entry struct {
	rev   string
	path  string
	mtime time.Time
}

// Manager keeps an MRU index of the archives of one config.
type Manager struct {
	repo vcs.Repository
	opts Options

	mu       sync.Mutex
	index    []*entry
	pending  map[string]*Handle
	pinned   map[string]int
	builders *builders
}

// NewManager scans opts.Dir, dropping archives that fail verification
// and checksum files without an archive. The returned error aggregates
// reconciliation failures; the manager is usable regardless.
func NewManager(repo vcs.Repository, opts Options) (*Manager, error) {
	if opts.Prefix == "" {
		return nil, errors.New("snapshot prefix is required")
	}
	if opts.Format == "" {
		opts.Format = GzipTar
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create snapshots directory")
	}

	m := &Manager{
		repo:     repo,
		opts:     opts,
		pending:  map[string]*Handle{},
		pinned:   map[string]int{},
		builders: newBuilders(opts.Workers),
	}
	err := m.scan()

	m.mu.Lock()
	m.cleanup()
	m.mu.Unlock()

	return m, err
}

func (m *Manager) stem(rev string) string {
	return fmt.Sprintf("%s_r%s", m.opts.Prefix, rev)
}

func (m *Manager) archivePath(rev string) string {
	return filepath.Join(m.opts.Dir, m.stem(rev)+m.opts.Format.Ext())
}

func (m *Manager) scan() error {
	files, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		return errors.Wrap(err, "failed to read snapshots directory")
	}

	var merr *multierror.Error
	remove := func(path string) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, err)
		}
	}

	lead := m.opts.Prefix + "_r"
	ext := m.opts.Format.Ext()
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, lead) {
			continue
		}
		path := filepath.Join(m.opts.Dir, name)

		switch {
		case strings.Contains(strings.TrimPrefix(name, lead), "_r"):
			// another prefix sharing ours, e.g. "app_rc_r1" for "app"
			continue
		case strings.HasSuffix(name, ".tmp"):
			remove(path)
		case strings.HasSuffix(name, checksumExt):
			if _, err := os.Stat(strings.TrimSuffix(path, checksumExt)); os.IsNotExist(err) {
				log.Warn("removing orphaned checksum", "file", name)
				remove(path)
			}
		case strings.HasSuffix(name, ext):
			if err := verifyChecksum(path); err != nil {
				log.Warn("removing invalid snapshot", "file", name, "error", err)
				remove(path)
				remove(checksumPath(path))
				continue
			}
			info, err := f.Info()
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			rev := strings.TrimSuffix(strings.TrimPrefix(name, lead), ext)
			m.index = append(m.index, &entry{rev: rev, path: path, mtime: info.ModTime()})
		}
	}

	sort.SliceStable(m.index, func(i, j int) bool {
		return m.index[i].mtime.After(m.index[j].mtime)
	})
	return merr.ErrorOrNil()
}

// cleanup evicts the least recently used archives beyond the limit.
// Eviction pauses while the oldest archive is pinned as a build base and
// resumes when it is released. Callers hold m.mu.
func (m *Manager) cleanup() {
	for len(m.index) > m.opts.Limit {
		last := m.index[len(m.index)-1]
		if m.pinned[last.rev] > 0 {
			return
		}
		m.index = m.index[:len(m.index)-1]
		log.Debug("evicting snapshot", "rev", last.rev, "file", filepath.Base(last.path))
		for _, p := range []string{last.path, checksumPath(last.path)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove snapshot", "file", p, "error", err)
			}
		}
	}
}

func (m *Manager) lookup(rev string) int {
	for i, e := range m.index {
		if e.rev == rev {
			return i
		}
	}
	return -1
}

// Get returns the archive path for rev, or "" when none exists. A hit
// marks the archive as most recently used.
func (m *Manager) Get(rev string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.lookup(rev)
	if i < 0 {
		return ""
	}
	e := m.index[i]
	e.mtime = time.Now()
	_ = os.Chtimes(e.path, e.mtime, e.mtime)
	copy(m.index[1:i+1], m.index[:i])
	m.index[0] = e
	return e.path
}

// Create starts building the archive for rev. Concurrent calls for the
// same revision share one handle; an existing archive yields a completed
// handle.
func (m *Manager) Create(rev string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.lookup(rev); i >= 0 {
		return completed(rev, m.index[i].path)
	}
	if h, ok := m.pending[rev]; ok {
		return h
	}

	h := newHandle(rev)
	m.pending[rev] = h

	m.builders.run(func() {
		start := time.Now()
		base := m.acquireBase(rev)
		path, err := m.build(rev, base)

		m.mu.Lock()
		delete(m.pending, rev)
		if base != nil {
			m.release(base.rev)
		}
		if err == nil {
			m.index = append([]*entry{{rev: rev, path: path, mtime: time.Now()}}, m.index...)
		}
		m.cleanup()
		m.mu.Unlock()

		if err != nil {
			metrics.SnapshotsCreatedTotal.WithLabelValues(m.opts.Prefix, "error").Inc()
			log.Error("failed to create snapshot", "prefix", m.opts.Prefix, "rev", rev, "error", err)
		} else {
			metrics.SnapshotsCreatedTotal.WithLabelValues(m.opts.Prefix, "ok").Inc()
			log.Info("snapshot created", "file", filepath.Base(path), "duration", time.Since(start))
		}
		h.finish(path, err)
	})
	return h
}

// acquireBase picks the indexed archive closest to rev and pins it so
// that eviction leaves it in place while it is read.
func (m *Manager) acquireBase(rev string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	bases := make([]entry, 0, len(m.index))
	for _, e := range m.index {
		bases = append(bases, *e)
	}
	base := m.closest(rev, bases)
	if base != nil {
		m.pinned[base.rev]++
	}
	return base
}

// release unpins a base archive. Callers hold m.mu.
func (m *Manager) release(rev string) {
	if m.pinned[rev]--; m.pinned[rev] <= 0 {
		delete(m.pinned, rev)
	}
}

// Revisions lists indexed revisions, most recently used first.
func (m *Manager) Revisions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	revs := make([]string, len(m.index))
	for i, e := range m.index {
		revs[i] = e.rev
	}
	return revs
}

// Close waits for running builds.
func (m *Manager) Close() {
	m.builders.wait()
}
