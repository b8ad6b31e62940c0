package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// git runs one git subprocess in dir and returns its combined output.
// Failures carry the subprocess output verbatim.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("git %s: %s", strings.Join(args, " "), out)
	}
	return out, nil
}

// isGitRepo reports whether path holds a repository. A .git file (rather
// than directory) marks a linked working copy.
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// isWorktreeDir reports whether path is a linked working copy.
func isWorktreeDir(path string) bool {
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// branchExists reports whether the branch resolves in repoPath.
func branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := git(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// IsClean reports whether the working copy at path has no uncommitted
// changes.
func IsClean(ctx context.Context, path string) (bool, error) {
	return isClean(ctx, path)
}

// isClean reports whether the working copy has no uncommitted changes.
func isClean(ctx context.Context, path string) (bool, error) {
	out, err := git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}
