package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/session"
)

// toolSpec describes one tool offered to the model.
type toolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// toolCatalog is the fixed set of tools every execution offers.
var toolCatalog = []toolSpec{
	{
		Name:        "write_file",
		Description: "Create or overwrite a file in the working copy with the given content.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the working copy root."},
				"content": map[string]any{"type": "string", "description": "Full file content."},
			},
			"required": []string{"path", "content"},
		},
	},
	{
		Name:        "edit_file",
		Description: "Replace an exact substring in an existing file in the working copy.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":       map[string]any{"type": "string", "description": "Path relative to the working copy root."},
				"old_string": map[string]any{"type": "string", "description": "Exact text to replace."},
				"new_string": map[string]any{"type": "string", "description": "Replacement text."},
			},
			"required": []string{"path", "old_string", "new_string"},
		},
	},
	{
		Name:        "git_commit",
		Description: "Stage all changes and create a commit with the given message.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string", "description": "Commit message. Must reference the issue identifier."},
			},
			"required": []string{"message"},
		},
	},
}

// appliedCalls is what materializing the tool calls produced.
type appliedCalls struct {
	files   []string
	commits []session.Commit
}

// applyToolCalls materializes the model's tool calls inside the working
// copy, in order.
func applyToolCalls(ctx context.Context, worktreePath, issueID string, calls []toolCall, log *logger.Logger) (*appliedCalls, error) {
	out := &appliedCalls{}
	touched := make(map[string]bool)

	for _, call := range calls {
		switch call.Name {
		case "write_file":
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, apperrors.SessionFailed("malformed write_file arguments", err)
			}
			path, err := resolveInWorktree(worktreePath, args.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, apperrors.SessionFailed("failed to create directory for "+args.Path, err)
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return nil, apperrors.SessionFailed("failed to write "+args.Path, err)
			}
			touched[args.Path] = true

		case "edit_file":
			var args struct {
				Path      string `json:"path"`
				OldString string `json:"old_string"`
				NewString string `json:"new_string"`
			}
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, apperrors.SessionFailed("malformed edit_file arguments", err)
			}
			path, err := resolveInWorktree(worktreePath, args.Path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, apperrors.SessionFailed("failed to read "+args.Path, err)
			}
			content := string(data)
			if !strings.Contains(content, args.OldString) {
				return nil, apperrors.SessionFailed(
					fmt.Sprintf("edit target not found in %s", args.Path), nil)
			}
			content = strings.Replace(content, args.OldString, args.NewString, 1)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, apperrors.SessionFailed("failed to write "+args.Path, err)
			}
			touched[args.Path] = true

		case "git_commit":
			var args struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, apperrors.SessionFailed("malformed git_commit arguments", err)
			}
			commit, err := commitAll(ctx, worktreePath, args.Message)
			if err != nil {
				return nil, err
			}
			out.commits = append(out.commits, *commit)

		default:
			log.Warn("ignoring unknown tool call", zap.String("tool", call.Name))
		}
	}

	out.files = make([]string, 0, len(touched))
	for path := range touched {
		out.files = append(out.files, path)
	}
	sort.Strings(out.files)
	return out, nil
}

// resolveInWorktree joins a model-supplied relative path, rejecting
// escapes outside the working copy.
func resolveInWorktree(worktreePath, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", apperrors.SessionFailed("absolute paths are not allowed: "+rel, nil)
	}
	path := filepath.Join(worktreePath, rel)
	if !strings.HasPrefix(path, filepath.Clean(worktreePath)+string(filepath.Separator)) {
		return "", apperrors.SessionFailed("path escapes the working copy: "+rel, nil)
	}
	return path, nil
}

// commitAll stages everything and commits, returning the commit record.
func commitAll(ctx context.Context, worktreePath, message string) (*session.Commit, error) {
	if out, err := runGit(ctx, worktreePath, "add", "-A"); err != nil {
		return nil, apperrors.SessionFailed("git add failed: "+out, err)
	}
	if out, err := runGit(ctx, worktreePath, "commit", "-m", message); err != nil {
		return nil, apperrors.SessionFailed("git commit failed: "+out, err)
	}
	sha, err := runGit(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return nil, apperrors.SessionFailed("git rev-parse failed: "+sha, err)
	}
	author, _ := runGit(ctx, worktreePath, "log", "-1", "--format=%an")
	return &session.Commit{
		SHA:     strings.TrimSpace(sha),
		Message: message,
		Author:  strings.TrimSpace(author),
	}, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}
