// Package vcstest provides an in-memory repository with linear
// revisions for tests.
package vcstest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitten-ci/bitten/internal/vcs"
)

type file struct {
	content    string
	rev        string
	executable bool
}

type revision struct {
	rev     string
	when    time.Time
	files   map[string]file
	dirs    map[string]bool
	changed []string
}

// Change mutates the tree of a new revision.
type Change func(r *revision)

// Put writes a file.
func Put(path, content string) Change {
	return func(r *revision) {
		path = vcs.NormalizePath(path)
		r.files[path] = file{content: content, rev: r.rev}
		r.changed = append(r.changed, path)
	}
}

// PutExecutable writes an executable file.
func PutExecutable(path, content string) Change {
	return func(r *revision) {
		path = vcs.NormalizePath(path)
		r.files[path] = file{content: content, rev: r.rev, executable: true}
		r.changed = append(r.changed, path)
	}
}

// Delete removes a file or a whole directory.
func Delete(path string) Change {
	return func(r *revision) {
		path = vcs.NormalizePath(path)
		for p := range r.files {
			if p == path || strings.HasPrefix(p, path+"/") {
				delete(r.files, p)
			}
		}
		for d := range r.dirs {
			if d == path || strings.HasPrefix(d, path+"/") {
				delete(r.dirs, d)
			}
		}
		r.changed = append(r.changed, path)
	}
}

// Mkdir creates a directory that exists even when empty.
func Mkdir(path string) Change {
	return func(r *revision) {
		path = vcs.NormalizePath(path)
		r.dirs[path] = true
		r.changed = append(r.changed, path)
	}
}

// Memory is a linear in-memory repository.
type Memory struct {
	mu    sync.Mutex
	revs  []*revision
	syncs int
}

// New returns an empty repository.
func New() *Memory {
	return &Memory{}
}

// Commit records a new youngest revision.
func (m *Memory) Commit(rev string, when time.Time, changes ...Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &revision{rev: rev, when: when, files: map[string]file{}, dirs: map[string]bool{}}
	if n := len(m.revs); n > 0 {
		for k, v := range m.revs[n-1].files {
			r.files[k] = v
		}
		for k, v := range m.revs[n-1].dirs {
			r.dirs[k] = v
		}
	}
	for _, c := range changes {
		c(r)
	}
	m.revs = append(m.revs, r)
}

// Syncs returns how many times Sync was called.
func (m *Memory) Syncs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

func (m *Memory) Sync(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return nil
}

func (m *Memory) NormalizePath(path string) string {
	return vcs.NormalizePath(path)
}

func (m *Memory) NormalizeRev(rev string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.find(rev); err != nil {
		return "", err
	}
	return rev, nil
}

func (m *Memory) Youngest() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.revs) == 0 {
		return "", vcs.ErrNotFound
	}
	return m.revs[len(m.revs)-1].rev, nil
}

func (m *Memory) History(ctx context.Context, path string) iter.Seq2[vcs.Change, error] {
	path = vcs.NormalizePath(path)
	return func(yield func(vcs.Change, error) bool) {
		m.mu.Lock()
		revs := append([]*revision(nil), m.revs...)
		m.mu.Unlock()

		for i := len(revs) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(vcs.Change{}, err)
				return
			}
			r := revs[i]
			if !r.exists(path) || !r.touches(path) {
				continue
			}
			if !yield(vcs.Change{Path: path, Rev: r.rev}, nil) {
				return
			}
		}
	}
}

func (m *Memory) Node(path, rev string) (*vcs.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.find(rev)
	if err != nil {
		return nil, err
	}
	return r.node(vcs.NormalizePath(path))
}

func (m *Memory) Entries(path, rev string) ([]*vcs.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.find(rev)
	if err != nil {
		return nil, err
	}
	path = vcs.NormalizePath(path)
	if !r.isDir(path) {
		return nil, fmt.Errorf("%s@%s: %w", path, rev, vcs.ErrNotFound)
	}

	prefix := ""
	if path != "" {
		prefix = path + "/"
	}
	names := map[string]bool{}
	collect := func(p string) {
		if !strings.HasPrefix(p, prefix) || p == path {
			return
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		names[prefix+rest] = true
	}
	for p := range r.files {
		collect(p)
	}
	for d := range r.dirs {
		collect(d)
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	nodes := make([]*vcs.Node, 0, len(sorted))
	for _, n := range sorted {
		node, err := r.node(n)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (m *Memory) Open(path, rev string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.find(rev)
	if err != nil {
		return nil, err
	}
	f, ok := r.files[vcs.NormalizePath(path)]
	if !ok {
		return nil, fmt.Errorf("%s@%s: %w", path, rev, vcs.ErrNotFound)
	}
	return io.NopCloser(bytes.NewBufferString(f.content)), nil
}

func (m *Memory) RevTime(rev string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.find(rev)
	if err != nil {
		return time.Time{}, err
	}
	return r.when, nil
}

func (m *Memory) RevOlderThan(a, b string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ia, err := m.position(a)
	if err != nil {
		return false, err
	}
	ib, err := m.position(b)
	if err != nil {
		return false, err
	}
	return ia < ib, nil
}

func (m *Memory) PreviousRev(rev string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, err := m.position(rev)
	if err != nil || i == 0 {
		return "", err
	}
	return m.revs[i-1].rev, nil
}

func (m *Memory) NextRev(rev string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, err := m.position(rev)
	if err != nil || i+1 >= len(m.revs) {
		return "", err
	}
	return m.revs[i+1].rev, nil
}

func (m *Memory) position(rev string) (int, error) {
	for i, r := range m.revs {
		if r.rev == rev {
			return i, nil
		}
	}
	return 0, fmt.Errorf("revision %s: %w", rev, vcs.ErrNotFound)
}

func (m *Memory) find(rev string) (*revision, error) {
	i, err := m.position(rev)
	if err != nil {
		return nil, err
	}
	return m.revs[i], nil
}

func (r *revision) isDir(path string) bool {
	if path == "" || r.dirs[path] {
		return true
	}
	for p := range r.files {
		if strings.HasPrefix(p, path+"/") {
			return true
		}
	}
	for d := range r.dirs {
		if strings.HasPrefix(d, path+"/") {
			return true
		}
	}
	return false
}

func (r *revision) exists(path string) bool {
	_, ok := r.files[path]
	return ok || r.isDir(path)
}

func (r *revision) touches(path string) bool {
	for _, c := range r.changed {
		if path == "" || c == path || strings.HasPrefix(c, path+"/") || strings.HasPrefix(path, c+"/") {
			return true
		}
	}
	return false
}

func (r *revision) node(path string) (*vcs.Node, error) {
	if f, ok := r.files[path]; ok {
		return &vcs.Node{
			Path:       path,
			Rev:        r.rev,
			ID:         f.rev,
			Executable: f.executable,
			Size:       int64(len(f.content)),
		}, nil
	}
	if r.isDir(path) {
		return &vcs.Node{Path: path, Rev: r.rev, ID: "dir:" + path, Dir: true}, nil
	}
	return nil, fmt.Errorf("%s@%s: %w", path, r.rev, vcs.ErrNotFound)
}
