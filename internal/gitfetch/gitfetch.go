// Package gitfetch is the narrow collaborator the Job Definition Builder
// calls to resolve a workspace's branch to a concrete commit and retrieve
// the project.yaml at that commit. Git repository fetching itself is out
// of scope: this package is deliberately thin, a blocking operation
// hidden behind an interface rather than a real VCS client.
package gitfetch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Fetcher resolves a workspace branch to a commit and retrieves the
// project.yaml file content at that commit, without leaving a working
// copy behind.
type Fetcher interface {
	ResolveCommit(ctx context.Context, repoURL, branch string) (string, error)
	FetchFile(ctx context.Context, repoURL, commit, path string) ([]byte, error)
}

// GitFetcher shells out to the system git binary. It never checks out a
// working tree: ResolveCommit uses `git ls-remote`, FetchFile uses a bare
// `git archive` piped through `tar`, so the repository cache directory
// never accumulates more than the objects git itself chooses to keep.
type GitFetcher struct {
	// GitBinary overrides the git executable, for tests. Defaults to "git".
	GitBinary string
}

// NewGitFetcher creates a GitFetcher using the system git binary.
func NewGitFetcher() *GitFetcher {
	return &GitFetcher{GitBinary: "git"}
}

func (f *GitFetcher) binary() string {
	if f.GitBinary != "" {
		return f.GitBinary
	}
	return "git"
}

// ResolveCommit returns the commit sha that branch currently points to on
// the remote repoURL.
func (f *GitFetcher) ResolveCommit(ctx context.Context, repoURL, branch string) (string, error) {
	cmd := exec.CommandContext(ctx, f.binary(), "ls-remote", repoURL, branch)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("gitfetch: ls-remote %s %s: %w: %s", repoURL, branch, err, stderr.String())
	}
	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		return "", fmt.Errorf("gitfetch: branch %q not found on %s", branch, repoURL)
	}
	return fields[0], nil
}

// FetchFile returns the content of path as it exists at commit, without
// checking out a working tree.
func (f *GitFetcher) FetchFile(ctx context.Context, repoURL, commit, path string) ([]byte, error) {
	clone := exec.CommandContext(ctx, f.binary(), "archive", "--remote="+repoURL, commit, path)
	var out, stderr bytes.Buffer
	clone.Stdout = &out
	clone.Stderr = &stderr
	if err := clone.Run(); err != nil {
		return nil, fmt.Errorf("gitfetch: archive %s %s %s: %w: %s", repoURL, commit, path, err, stderr.String())
	}

	untar := exec.CommandContext(ctx, "tar", "-xO", "-f", "-", path)
	untar.Stdin = bytes.NewReader(out.Bytes())
	var content bytes.Buffer
	untar.Stdout = &content
	untar.Stderr = &stderr
	if err := untar.Run(); err != nil {
		return nil, fmt.Errorf("gitfetch: extract %s: %w: %s", path, err, stderr.String())
	}
	return content.Bytes(), nil
}
