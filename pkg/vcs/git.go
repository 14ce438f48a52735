package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/supreme-majesty/siteward/pkg/site"
)

const DefaultBranch = "main"

// Git fetches and updates working trees with the git binary. Every
// invocation is an argument vector; repository and path values never pass
// through a shell.
type Git struct {
	Branch string
	Binary string
}

func NewGit(branch string) *Git {
	if branch == "" {
		branch = DefaultBranch
	}
	return &Git{Branch: branch, Binary: "git"}
}

// Fetch clones a single branch of repo into dest.
func (g *Git) Fetch(ctx context.Context, repo, dest string) error {
	out, err := g.run(ctx, "clone", "--branch", g.Branch, "--single-branch", "--", repo, dest)
	if err != nil {
		if strings.Contains(out, "already exists and is not an empty directory") {
			return fmt.Errorf("clone %s: %w", repo, &site.DestinationError{Path: dest})
		}
		return &site.FetchError{Repository: repo, Output: out, Err: err}
	}
	return nil
}

// Update fast-forwards the checkout at path to the remote branch.
func (g *Git) Update(ctx context.Context, path string) error {
	out, err := g.run(ctx, "-C", path, "pull", "--ff-only", "origin", g.Branch)
	if err != nil {
		return &site.SyncError{Path: path, Output: out, Err: err}
	}
	return nil
}

// Head returns the current commit of the checkout at path.
func (g *Git) Head(ctx context.Context, path string) (string, error) {
	out, err := g.run(ctx, "-C", path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse %s: %w: %s", path, err, strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	// Never wait on a credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return string(out), err
}
