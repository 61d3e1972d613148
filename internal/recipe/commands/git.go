package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/bitten-ci/bitten/internal/recipe"
	"github.com/bitten-ci/bitten/pkg/protocol"
)

// gitCheckout clones a repository into the build directory and checks
// out a branch or revision.
//
//	<git:checkout url="https://example.org/repo.git" branch="main" revision="${revision}" dir="src"/>
func gitCheckout(ctx context.Context, c *recipe.Context, call *recipe.Call) error {
	url, err := call.Args.Required("url")
	if err != nil {
		return err
	}
	depth, err := call.Args.Int("depth", 0)
	if err != nil {
		return err
	}
	dir := c.Resolve(call.Args.String("dir", "."))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return recipe.Buildf("failed to create checkout directory: %v", err)
	}

	opts := &git.CloneOptions{URL: url, Depth: depth}
	if branch := call.Args["branch"]; branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	if user := call.Args["username"]; user != "" {
		opts.Auth = &http.BasicAuth{Username: user, Password: call.Args["password"]}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return recipe.Buildf("failed to clone %s: %v", url, err)
	}

	if rev := call.Args["revision"]; rev != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return recipe.Buildf("unknown revision %s: %v", rev, err)
		}
		wt, err := repo.Worktree()
		if err != nil {
			return recipe.Buildf("failed to open worktree: %v", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
			return recipe.Buildf("failed to check out %s: %v", rev, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return recipe.Buildf("failed to resolve HEAD: %v", err)
	}
	c.Logf(protocol.LevelInfo, fmt.Sprintf("Checked out %s at %s", url, head.Hash()))
	return nil
}
