package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuepilot/issuepilot/internal/common/config"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/tracker"
	"github.com/issuepilot/issuepilot/internal/worktree"
)

func testConfig() *config.Config {
	return &config.Config{
		DefaultWorktreeMode: "fresh",
		LabelRules: config.LabelRules{
			AutoExecute: []string{"auto"},
		},
		Repositories: []config.RepositoryConfig{
			{
				ID:          "backend",
				Path:        "/repos/backend",
				BaseBranch:  "main",
				Labels:      []string{"backend", "api"},
				ProjectKeys: []string{"platform"},
				Teams:       []string{"Core"},
			},
			{
				ID:         "frontend",
				Path:       "/repos/frontend",
				BaseBranch: "main",
				Labels:     []string{"frontend"},
			},
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(testConfig(), logger.Default())
	require.NoError(t, err)
	return e
}

func TestResolveByLabel(t *testing.T) {
	e := newTestEngine(t)

	route, err := e.Resolve(&tracker.Issue{
		ID: "i1", Identifier: "ABC-1", Labels: []string{"Backend", "auto"},
	})
	require.NoError(t, err)
	assert.Equal(t, "backend", route.RepoID)
	assert.Equal(t, "/repos/backend", route.RepoPath)
	assert.True(t, route.AutoExecute)
	assert.Equal(t, worktree.ModeFresh, route.Mode)
}

func TestResolvePrecedence(t *testing.T) {
	e := newTestEngine(t)

	// Label beats project and team.
	route, err := e.Resolve(&tracker.Issue{
		ID: "i2", Identifier: "ABC-2",
		Labels:  []string{"frontend"},
		Project: "Platform Revamp",
		Team:    "Core",
	})
	require.NoError(t, err)
	assert.Equal(t, "frontend", route.RepoID)

	// Project substring match, case-insensitive.
	route, err = e.Resolve(&tracker.Issue{
		ID: "i3", Identifier: "ABC-3", Project: "The PLATFORM initiative",
	})
	require.NoError(t, err)
	assert.Equal(t, "backend", route.RepoID)

	// Team match.
	route, err = e.Resolve(&tracker.Issue{
		ID: "i4", Identifier: "ABC-4", Team: "core",
	})
	require.NoError(t, err)
	assert.Equal(t, "backend", route.RepoID)

	// Description tag is the last resort.
	route, err = e.Resolve(&tracker.Issue{
		ID: "i5", Identifier: "ABC-5", Description: "please fix [repo=frontend] soon",
	})
	require.NoError(t, err)
	assert.Equal(t, "frontend", route.RepoID)
}

func TestResolveNoMatch(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Resolve(&tracker.Issue{ID: "i6", Identifier: "ABC-6", Labels: []string{"docs"}})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNoMatch, apperrors.Code(err))
}

func TestResolveDefaultsBaseBranch(t *testing.T) {
	cfg := testConfig()
	cfg.Repositories[0].BaseBranch = ""
	e, err := NewEngine(cfg, logger.Default())
	require.NoError(t, err)

	route, err := e.Resolve(&tracker.Issue{
		ID: "i8", Identifier: "ABC-8", Labels: []string{"backend"},
	})
	require.NoError(t, err)
	assert.Equal(t, "main", route.BaseBranch)
}

func TestRouteCacheDroppedOnReload(t *testing.T) {
	e := newTestEngine(t)

	issue := &tracker.Issue{ID: "i7", Identifier: "ABC-7", Labels: []string{"backend"}}
	route, err := e.Resolve(issue)
	require.NoError(t, err)
	assert.Equal(t, "/repos/backend", route.RepoPath)

	cfg := testConfig()
	cfg.Repositories[0].Path = "/repos/backend-v2"
	require.NoError(t, e.Reload(cfg))

	route, err = e.Resolve(issue)
	require.NoError(t, err)
	assert.Equal(t, "/repos/backend-v2", route.RepoPath)
}

func TestParseOverride(t *testing.T) {
	tests := []struct {
		name string
		desc string
		want Override
	}{
		{"empty", "nothing here", Override{}},
		{"bracket model", "fix it [model=claude-sonnet-4]", Override{Model: "claude-sonnet-4"}},
		{"bracket provider", "[provider=OpenAI] please", Override{Provider: "openai"}},
		{"natural model", "Use model gpt-4o for this one", Override{Model: "gpt-4o"}},
		{"natural provider", "run with provider anthropic", Override{Provider: "anthropic"}},
		{"both kinds", "[model=gpt-4o] and use provider openai", Override{Provider: "openai", Model: "gpt-4o"}},
		{"unknown directive ignored", "[priority=high] urgent", Override{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOverride(tt.desc))
		})
	}
}
