package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bitten-ci/bitten/pkg/log"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	httpauth "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitOptions configure a Git repository.
type GitOptions struct {
	// Dir is the local clone. When URL is empty it must already hold a
	// repository.
	Dir string
	// URL is an optional remote cloned into Dir and pulled on Sync.
	URL string
	// Ref is the branch whose first-parent history is built.
	Ref      string
	Username string
	Password string
}

// Git implements Repository over a go-git repository. The revision order
// is the first-parent chain of the configured branch.
type Git struct {
	opts GitOptions

	mu    sync.Mutex
	repo  *git.Repository
	chain []plumbing.Hash
	index map[plumbing.Hash]int
}

// NewGit returns an unsynchronised Git repository.
func NewGit(opts GitOptions) *Git {
	return &Git{opts: opts}
}

// Sync clones or pulls the remote, if any, and rebuilds the revision
// order.
func (g *Git) Sync(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	repo, err := g.open(ctx)
	if err != nil {
		return err
	}
	g.repo = repo

	head, err := g.head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		g.chain, g.index = nil, map[plumbing.Hash]int{}
		return nil
	}
	if err != nil {
		return err
	}

	chain := []plumbing.Hash{}
	index := map[plumbing.Hash]int{}
	for hash := head; !hash.IsZero(); {
		commit, err := repo.CommitObject(hash)
		if err != nil {
			return fmt.Errorf("read commit %s: %w", hash, err)
		}
		index[hash] = len(chain)
		chain = append(chain, hash)
		if commit.NumParents() == 0 {
			break
		}
		hash = commit.ParentHashes[0]
	}

	if len(chain) != len(g.chain) {
		log.Debug("repository synchronised", "dir", g.opts.Dir, "revisions", len(chain))
	}
	g.chain, g.index = chain, index
	return nil
}

func (g *Git) open(ctx context.Context) (*git.Repository, error) {
	if strings.TrimSpace(g.opts.URL) == "" {
		if g.repo != nil {
			return g.repo, nil
		}
		return git.PlainOpen(g.opts.Dir)
	}

	opts := &git.CloneOptions{
		URL:           g.opts.URL,
		SingleBranch:  true,
		ReferenceName: referenceNameOrDefault(g.opts.Ref),
		Auth:          g.auth(),
	}

	if g.repo == nil {
		if repo, err := git.PlainOpen(g.opts.Dir); err == nil {
			return ensureRepo(ctx, g.opts.Dir, opts, repo)
		}
	}
	return ensureRepo(ctx, g.opts.Dir, opts, g.repo)
}

func (g *Git) auth() transport.AuthMethod {
	if strings.TrimSpace(g.opts.Username) == "" && g.opts.Password == "" {
		return nil
	}
	return &httpauth.BasicAuth{Username: g.opts.Username, Password: g.opts.Password}
}

func (g *Git) head() (plumbing.Hash, error) {
	if strings.TrimSpace(g.opts.URL) == "" && strings.TrimSpace(g.opts.Ref) != "" {
		if ref, err := g.repo.Reference(referenceNameOrDefault(g.opts.Ref), true); err == nil {
			return ref.Hash(), nil
		}
	}
	ref, err := g.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

func ensureRepo(ctx context.Context, dir string, opts *git.CloneOptions, repo *git.Repository) (*git.Repository, error) {
	if repo == nil {
		_ = os.RemoveAll(dir)
		return git.PlainCloneContext(ctx, dir, false, opts)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}

	pullOpts := &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: opts.ReferenceName,
		Auth:          opts.Auth,
		SingleBranch:  true,
		Force:         true,
	}
	err = wt.PullContext(ctx, pullOpts)
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return repo, nil
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		remoteRef := plumbing.NewRemoteReferenceName("origin", opts.ReferenceName.Short())
		ref, refErr := repo.Reference(remoteRef, true)
		if refErr != nil {
			return nil, refErr
		}
		if resetErr := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: ref.Hash()}); resetErr != nil {
			return nil, resetErr
		}
		return repo, nil
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return repo, nil
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		_ = os.RemoveAll(dir)
		return git.PlainCloneContext(ctx, dir, false, opts)
	default:
		return nil, err
	}
}

func referenceNameOrDefault(ref string) plumbing.ReferenceName {
	if strings.TrimSpace(ref) == "" {
		return plumbing.NewBranchReferenceName("main")
	}
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}

// NormalizePath implements Repository.
func (g *Git) NormalizePath(path string) string {
	return NormalizePath(path)
}

// NormalizeRev resolves abbreviated hashes and symbolic names.
func (g *Git) NormalizeRev(rev string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.repo == nil {
		return "", fmt.Errorf("repository not synchronised")
	}
	hash, err := g.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("revision %q: %w", rev, ErrNotFound)
	}
	return hash.String(), nil
}

// Youngest returns the newest revision.
func (g *Git) Youngest() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.chain) == 0 {
		return "", fmt.Errorf("empty repository: %w", ErrNotFound)
	}
	return g.chain[0].String(), nil
}

// History yields, newest first, the revisions in which path changed.
func (g *Git) History(ctx context.Context, path string) iter.Seq2[Change, error] {
	path = NormalizePath(path)
	return func(yield func(Change, error) bool) {
		g.mu.Lock()
		chain := g.chain
		g.mu.Unlock()

		for i, hash := range chain {
			if err := ctx.Err(); err != nil {
				yield(Change{}, err)
				return
			}

			id, err := g.entryID(hash, path)
			if err != nil {
				yield(Change{}, err)
				return
			}
			if id.IsZero() {
				continue
			}

			parent := plumbing.ZeroHash
			if i+1 < len(chain) {
				if parent, err = g.entryID(chain[i+1], path); err != nil {
					yield(Change{}, err)
					return
				}
			}
			if id == parent {
				continue
			}
			if !yield(Change{Path: path, Rev: hash.String()}, nil) {
				return
			}
		}
	}
}

func (g *Git) entryID(commitHash plumbing.Hash, path string) (plumbing.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tree, err := g.tree(commitHash)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if path == "" {
		return tree.Hash, nil
	}
	entry, err := tree.FindEntry(path)
	if err != nil {
		if isMissing(err) {
			return plumbing.ZeroHash, nil
		}
		return plumbing.ZeroHash, err
	}
	return entry.Hash, nil
}

func (g *Git) tree(commitHash plumbing.Hash) (*object.Tree, error) {
	if g.repo == nil {
		return nil, fmt.Errorf("repository not synchronised")
	}
	commit, err := g.repo.CommitObject(commitHash)
	if err != nil {
		return nil, fmt.Errorf("revision %s: %w", commitHash, ErrNotFound)
	}
	return commit.Tree()
}

func isMissing(err error) bool {
	return errors.Is(err, object.ErrEntryNotFound) ||
		errors.Is(err, object.ErrDirectoryNotFound) ||
		errors.Is(err, object.ErrFileNotFound)
}

// Node returns the file or directory at path in rev.
func (g *Git) Node(path, rev string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path = NormalizePath(path)
	tree, err := g.tree(plumbing.NewHash(rev))
	if err != nil {
		return nil, err
	}
	if path == "" {
		return &Node{Path: "", Rev: rev, ID: tree.Hash.String(), Dir: true}, nil
	}

	entry, err := tree.FindEntry(path)
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("%s@%s: %w", path, rev, ErrNotFound)
		}
		return nil, err
	}
	return g.node(path, rev, entry)
}

func (g *Git) node(path, rev string, entry *object.TreeEntry) (*Node, error) {
	n := &Node{
		Path:       path,
		Rev:        rev,
		ID:         entry.Hash.String(),
		Dir:        entry.Mode == filemode.Dir || entry.Mode == filemode.Submodule,
		Executable: entry.Mode == filemode.Executable,
	}
	if !n.Dir {
		blob, err := g.repo.BlobObject(entry.Hash)
		if err != nil {
			return nil, err
		}
		n.Size = blob.Size
	}
	return n, nil
}

// Entries lists the children of a directory.
func (g *Git) Entries(path, rev string) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path = NormalizePath(path)
	tree, err := g.tree(plumbing.NewHash(rev))
	if err != nil {
		return nil, err
	}
	if path != "" {
		entry, err := tree.FindEntry(path)
		if err != nil {
			if isMissing(err) {
				return nil, fmt.Errorf("%s@%s: %w", path, rev, ErrNotFound)
			}
			return nil, err
		}
		if entry.Mode == filemode.Submodule {
			return nil, nil
		}
		if tree, err = tree.Tree(path); err != nil {
			return nil, fmt.Errorf("%s@%s is not a directory: %w", path, rev, err)
		}
	}

	nodes := make([]*Node, 0, len(tree.Entries))
	for i := range tree.Entries {
		entry := &tree.Entries[i]
		child := entry.Name
		if path != "" {
			child = path + "/" + entry.Name
		}
		n, err := g.node(child, rev, entry)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Open returns the content of a file. The content is read eagerly.
func (g *Git) Open(path, rev string) (io.ReadCloser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tree, err := g.tree(plumbing.NewHash(rev))
	if err != nil {
		return nil, err
	}
	f, err := tree.File(NormalizePath(path))
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("%s@%s: %w", path, rev, ErrNotFound)
		}
		return nil, err
	}
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// RevTime returns the commit time of rev.
func (g *Git) RevTime(rev string) (time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.repo == nil {
		return time.Time{}, fmt.Errorf("repository not synchronised")
	}
	commit, err := g.repo.CommitObject(plumbing.NewHash(rev))
	if err != nil {
		return time.Time{}, fmt.Errorf("revision %s: %w", rev, ErrNotFound)
	}
	return commit.Committer.When, nil
}

func (g *Git) position(rev string) (int, error) {
	i, ok := g.index[plumbing.NewHash(rev)]
	if !ok {
		return 0, fmt.Errorf("revision %s is not on the tracked branch: %w", rev, ErrNotFound)
	}
	return i, nil
}

// RevOlderThan reports whether a precedes b.
func (g *Git) RevOlderThan(a, b string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ia, err := g.position(a)
	if err != nil {
		return false, err
	}
	ib, err := g.position(b)
	if err != nil {
		return false, err
	}
	return ia > ib, nil
}

// PreviousRev returns the revision before rev, or "".
func (g *Git) PreviousRev(rev string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.position(rev)
	if err != nil {
		return "", err
	}
	if i+1 >= len(g.chain) {
		return "", nil
	}
	return g.chain[i+1].String(), nil
}

// NextRev returns the revision after rev, or "".
func (g *Git) NextRev(rev string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.position(rev)
	if err != nil {
		return "", err
	}
	if i == 0 {
		return "", nil
	}
	return g.chain[i-1].String(), nil
}
