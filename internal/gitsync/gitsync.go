// Package gitsync resolves the target reference (branch, PR number, or the
// current worktree) to a checked-out commit before the pipeline starts.
//
// The engine consumes the result as read-only run metadata; it never
// performs version-control operations itself.
package gitsync

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrDirtyWorktree is returned when a checkout would clobber local changes.
var ErrDirtyWorktree = errors.New("worktree has uncommitted changes (use --force to override)")

// Checkout is the resolved working-tree identity attached to the run record.
type Checkout struct {
	Commit string
	Label  string
}

// Target names what should be checked out.
type Target struct {
	Ref   string // branch name, PR number digits, or "current"
	IsPR  bool
	Force bool // allow checkout over a dirty worktree
}

// Resolve checks out the target in the repository at repoPath and returns
// its identity. "current" resolves HEAD without touching the worktree.
func Resolve(repoPath string, target Target) (Checkout, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to open repository at %s: %w", repoPath, err)
	}

	if target.Ref == "current" && !target.IsPR {
		return describeHead(repo)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to get worktree: %w", err)
	}

	if !target.Force {
		status, err := worktree.Status()
		if err != nil {
			return Checkout{}, fmt.Errorf("failed to get status: %w", err)
		}
		if !status.IsClean() {
			return Checkout{}, ErrDirtyWorktree
		}
	}

	if target.IsPR {
		return checkoutPR(repo, worktree, target.Ref)
	}
	return checkoutBranch(repo, worktree, target.Ref)
}

func describeHead(repo *git.Repository) (Checkout, error) {
	head, err := repo.Head()
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	label := "detached"
	if head.Name().IsBranch() {
		label = head.Name().Short()
	}
	return Checkout{Commit: head.Hash().String(), Label: label}, nil
}

// checkoutBranch resolves a branch locally first and falls back to fetching
// it from origin when it is not known yet.
func checkoutBranch(repo *git.Repository, worktree *git.Worktree, branch string) (Checkout, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(branch))
	if err != nil {
		refspec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch))
		if err := fetch(repo, refspec); err != nil {
			return Checkout{}, fmt.Errorf("branch %q not found locally and fetch failed: %w", branch, err)
		}
		hash, err = repo.ResolveRevision(plumbing.Revision("refs/remotes/origin/" + branch))
		if err != nil {
			return Checkout{}, fmt.Errorf("failed to resolve branch %q: %w", branch, err)
		}
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
		return Checkout{}, fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	return Checkout{Commit: hash.String(), Label: branch}, nil
}

// checkoutPR fetches refs/pull/<n>/head from origin and checks it out.
func checkoutPR(repo *git.Repository, worktree *git.Worktree, number string) (Checkout, error) {
	local := plumbing.ReferenceName(fmt.Sprintf("refs/remotes/origin/pr/%s", number))
	refspec := config.RefSpec(fmt.Sprintf("+refs/pull/%s/head:%s", number, local))

	if err := fetch(repo, refspec); err != nil {
		return Checkout{}, fmt.Errorf("failed to fetch PR %s: %w", number, err)
	}

	ref, err := repo.Reference(local, true)
	if err != nil {
		return Checkout{}, fmt.Errorf("failed to resolve PR %s after fetch: %w", number, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Hash: ref.Hash()}); err != nil {
		return Checkout{}, fmt.Errorf("failed to checkout PR %s: %w", number, err)
	}
	return Checkout{Commit: ref.Hash().String(), Label: "PR #" + number}, nil
}

func fetch(repo *git.Repository, refspec config.RefSpec) error {
	err := repo.Fetch(&git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refspec},
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}
