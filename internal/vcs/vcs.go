// Package vcs abstracts the version-controlled repository the master
// builds from.
package vcs

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"time"
)

// ErrNotFound is returned for paths or revisions that do not exist.
var ErrNotFound = errors.New("no such node")

// Node is a file or directory at a given revision.
type Node struct {
	Path       string
	Rev        string
	ID         string
	Dir        bool
	Executable bool
	Size       int64
}

// Name returns the last path element.
func (n *Node) Name() string {
	if i := strings.LastIndexByte(n.Path, '/'); i >= 0 {
		return n.Path[i+1:]
	}
	return n.Path
}

// Change is one revision in the history of a path.
type Change struct {
	Path string
	Rev  string
}

// Repository is the read interface the master needs. Revisions form a
// total order from oldest to youngest; two nodes with equal ID have
// identical content.
type Repository interface {
	Sync(ctx context.Context) error
	NormalizePath(path string) string
	NormalizeRev(rev string) (string, error)
	Youngest() (string, error)
	History(ctx context.Context, path string) iter.Seq2[Change, error]
	Node(path, rev string) (*Node, error)
	Entries(path, rev string) ([]*Node, error)
	Open(path, rev string) (io.ReadCloser, error)
	RevTime(rev string) (time.Time, error)
	RevOlderThan(a, b string) (bool, error)
	PreviousRev(rev string) (string, error)
	NextRev(rev string) (string, error)
}

// NormalizePath trims slashes so the repository root is "".
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return strings.Trim(path, "/")
}

// Walk visits root and its descendants depth first, directories before
// their contents, entries in repository order.
func Walk(repo Repository, root *Node, fn func(*Node) error) error {
	if err := fn(root); err != nil {
		return err
	}
	if !root.Dir {
		return nil
	}
	entries, err := repo.Entries(root.Path, root.Rev)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := Walk(repo, e, fn); err != nil {
			return err
		}
	}
	return nil
}

// Distance counts the revisions between a and b by stepping outwards from
// a in both directions. It returns -1 when b is not reachable.
func Distance(repo Repository, a, b string) int {
	if a == b {
		return 0
	}
	back, fwd := a, a
	for steps := 1; back != "" || fwd != ""; steps++ {
		if back != "" {
			back, _ = repo.PreviousRev(back)
			if back == b {
				return steps
			}
		}
		if fwd != "" {
			fwd, _ = repo.NextRev(fwd)
			if fwd == b {
				return steps
			}
		}
	}
	return -1
}
