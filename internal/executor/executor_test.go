package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/provider"
	"github.com/issuepilot/issuepilot/internal/retry"
)

func TestParseAnthropic(t *testing.T) {
	body := `{
		"content": [
			{"type": "text", "text": "Working on it. "},
			{"type": "tool_use", "name": "write_file", "input": {"path": "main.go", "content": "x"}},
			{"type": "text", "text": "Done."}
		]
	}`
	c, err := parseAnthropic(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "Working on it. Done.", c.Text)
	require.Len(t, c.ToolCalls, 1)
	assert.Equal(t, "write_file", c.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"main.go","content":"x"}`, string(c.ToolCalls[0].Args))
}

func TestParseOpenAI(t *testing.T) {
	body := `{
		"choices": [{
			"message": {
				"content": "done",
				"tool_calls": [{
					"function": {"name": "git_commit", "arguments": "{\"message\":\"ABC-7 fix\"}"}
				}]
			}
		}]
	}`
	c, err := parseOpenAI(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "done", c.Text)
	require.Len(t, c.ToolCalls, 1)
	assert.Equal(t, "git_commit", c.ToolCalls[0].Name)
	assert.JSONEq(t, `{"message":"ABC-7 fix"}`, string(c.ToolCalls[0].Args))

	empty, err := parseOpenAI(strings.NewReader(`{"choices": []}`))
	require.NoError(t, err)
	assert.Empty(t, empty.Text)
	assert.Empty(t, empty.ToolCalls)
}

func TestProviderError(t *testing.T) {
	resp := func(status int, headers map[string]string) *http.Response {
		r := &http.Response{StatusCode: status, Header: http.Header{}}
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return r
	}

	err := providerError(resp(http.StatusUnauthorized, nil), nil)
	assert.Equal(t, apperrors.ErrCodeAuth, apperrors.Code(err))
	assert.Contains(t, err.Error(), "Invalid API key")

	err = providerError(resp(http.StatusTooManyRequests, map[string]string{"Retry-After": "30"}), nil)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeRateLimited, appErr.Code)
	assert.Equal(t, 30*time.Second, appErr.RetryAfter)

	// Without a server hint the default pause applies.
	err = providerError(resp(http.StatusTooManyRequests, nil), nil)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, time.Minute, appErr.RetryAfter)

	for _, status := range []int{http.StatusRequestTimeout, 500, 502, 503} {
		err = providerError(resp(status, nil), nil)
		assert.Equal(t, apperrors.ErrCodeProviderUnavailable, apperrors.Code(err), status)
	}

	err = providerError(resp(http.StatusBadRequest, nil), []byte("prompt too long"))
	assert.Equal(t, apperrors.ErrCodeSessionFailed, apperrors.Code(err))
	assert.Contains(t, err.Error(), "prompt too long")
}

func TestResolveInWorktree(t *testing.T) {
	base := "/work/ABC-7"

	path, err := resolveInWorktree(base, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "src", "main.go"), path)

	_, err = resolveInWorktree(base, "/etc/passwd")
	assert.Error(t, err)

	_, err = resolveInWorktree(base, "../outside.txt")
	assert.Error(t, err)

	_, err = resolveInWorktree(base, "a/../../outside.txt")
	assert.Error(t, err)
}

func TestAnthropicBodyShapes(t *testing.T) {
	raw, err := anthropicBody("claude-sonnet-4", "sys", "do it", toolCatalog)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "sys", body["system"])
	assert.Equal(t, float64(8192), body["max_tokens"])
	assert.Len(t, body["tools"], len(toolCatalog))

	// Tool-less probes spend the minimum.
	raw, err = anthropicBody("claude-sonnet-4", "", "ping", nil)
	require.NoError(t, err)
	body = nil
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, float64(1), body["max_tokens"])
	assert.NotContains(t, body, "system")
}

func TestOpenAIBodyShapes(t *testing.T) {
	raw, err := openaiBody("gpt-4o", "sys", "do it", toolCatalog)
	require.NoError(t, err)
	var body struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
		Tools []struct {
			Type string `json:"type"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "system", body.Messages[0].Role)
	require.Len(t, body.Tools, len(toolCatalog))
	assert.Equal(t, "function", body.Tools[0].Type)
}

func TestApplyToolCallsWritesAndEdits(t *testing.T) {
	dir := t.TempDir()
	log := logger.Default()

	args := func(v any) json.RawMessage {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return raw
	}
	calls := []toolCall{
		{Name: "write_file", Args: args(map[string]string{
			"path": "src/main.go", "content": "package main\n\nvar x = 1\n",
		})},
		{Name: "edit_file", Args: args(map[string]string{
			"path": "src/main.go", "old_string": "var x = 1", "new_string": "var x = 2",
		})},
		{Name: "look_around", Args: args(map[string]string{})},
	}

	applied, err := applyToolCalls(context.Background(), dir, "ABC-7", calls, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go"}, applied.files)
	assert.Empty(t, applied.commits)

	data, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "var x = 2")
}

func TestApplyToolCallsEditTargetMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	raw, _ := json.Marshal(map[string]string{
		"path": "a.txt", "old_string": "absent", "new_string": "x",
	})
	_, err := applyToolCalls(context.Background(), dir, "ABC-7",
		[]toolCall{{Name: "edit_file", Args: raw}}, logger.Default())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSessionFailed, apperrors.Code(err))
}

func TestApplyToolCallsRejectsEscapes(t *testing.T) {
	raw, _ := json.Marshal(map[string]string{"path": "../evil.txt", "content": "x"})
	_, err := applyToolCalls(context.Background(), t.TempDir(), "ABC-7",
		[]toolCall{{Name: "write_file", Args: raw}}, logger.Default())
	assert.Error(t, err)
}

// initWorktree creates a git repository to act as a working copy.
func initWorktree(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func TestExecuteAppliesToolCallsAndCommits(t *testing.T) {
	worktree := initWorktree(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "fixed",
					"tool_calls": [
						{"function": {"name": "write_file", "arguments": "{\"path\":\"fix.go\",\"content\":\"package fix\\n\"}"}},
						{"function": {"name": "git_commit", "arguments": "{\"message\":\"ABC-7 add fix\"}"}}
					]
				}
			}]
		}`))
	}))
	t.Cleanup(srv.Close)

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	runner := retry.NewRunner(clk, logger.Default(), nil)
	e := New(clk, logger.Default(), runner)

	p := &provider.Provider{Type: "openai", Credential: "sk-test", Endpoint: srv.URL, Model: "gpt-4o"}
	res, err := e.Execute(context.Background(), p, Request{
		Prompt:       "fix it",
		IssueID:      "ABC-7",
		WorktreePath: worktree,
	})
	require.NoError(t, err)

	assert.Equal(t, "fixed", res.Output)
	assert.Equal(t, []string{"fix.go"}, res.FilesTouched)
	require.Len(t, res.Commits, 1)
	assert.Equal(t, "ABC-7 add fix", res.Commits[0].Message)
	assert.Len(t, res.Commits[0].SHA, 40)
	assert.FileExists(t, filepath.Join(worktree, "fix.go"))
}

func TestExecuteSurfacesAuthErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e := New(clk, logger.Default(), retry.NewRunner(clk, logger.Default(), nil))

	p := &provider.Provider{Type: "openai", Endpoint: srv.URL, Model: "gpt-4o"}
	_, err := e.Execute(context.Background(), p, Request{Prompt: "fix it", IssueID: "ABC-7"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAuth, apperrors.Code(err))
}

func TestCaptureRateLimit(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e := New(clk, logger.Default(), nil)

	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-remaining", "99")
	h.Set("anthropic-ratelimit-requests-limit", "1000")
	e.captureRateLimit(h)

	state := e.RateLimit()
	assert.Equal(t, "99", state.Remaining)
	assert.Equal(t, "1000", state.Limit)

	// Responses without budget headers leave the last observation alone.
	e.captureRateLimit(http.Header{})
	assert.Equal(t, "99", e.RateLimit().Remaining)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	err := classify(context.DeadlineExceeded)
	assert.Equal(t, apperrors.ErrCodeTimeout, apperrors.Code(err))

	original := apperrors.Auth("denied")
	assert.Equal(t, apperrors.ErrCodeAuth, apperrors.Code(classify(original)))

	err = classify(errors.New("weird"))
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.Code(err))
}
