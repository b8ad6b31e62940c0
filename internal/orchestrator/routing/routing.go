// Package routing maps an issue to the repository it executes in, plus
// the admission mode and worktree mode for the run.
package routing

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/config"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
	"github.com/issuepilot/issuepilot/internal/tracker"
	"github.com/issuepilot/issuepilot/internal/worktree"
)

// Route is the computed execution target for one issue.
type Route struct {
	RepoID      string
	RepoPath    string
	BaseBranch  string
	AutoExecute bool
	Mode        worktree.Mode
}

// cacheKey identifies a cached route until the next config reload.
type cacheKey struct {
	issueID    string
	identifier string
}

// repoTagRe matches an explicit [repo=X] tag in the description.
var repoTagRe = regexp.MustCompile(`\[repo=([a-zA-Z0-9._-]+)\]`)

// Engine resolves routes with pre-built lookup maps. Reload swaps the
// maps and drops the cache atomically.
type Engine struct {
	logger *logger.Logger

	mu          sync.RWMutex
	byLabel     map[string]*config.RepositoryConfig
	byTeam      map[string]*config.RepositoryConfig
	byID        map[string]*config.RepositoryConfig
	projectKeys []projectKey
	autoLabels  map[string]bool
	defaultMode worktree.Mode
	cache       map[cacheKey]*Route
}

type projectKey struct {
	key  string
	repo *config.RepositoryConfig
}

// NewEngine builds an Engine from configuration.
func NewEngine(cfg *config.Config, log *logger.Logger) (*Engine, error) {
	e := &Engine{
		logger: log.WithFields(zap.String("component", "routing")),
	}
	if err := e.Reload(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload rebuilds the lookup maps and empties the route cache, so no
// stale repository path survives a config change.
func (e *Engine) Reload(cfg *config.Config) error {
	mode, err := worktree.ParseMode(cfg.DefaultWorktreeMode)
	if err != nil {
		return err
	}

	byLabel := make(map[string]*config.RepositoryConfig)
	byTeam := make(map[string]*config.RepositoryConfig)
	byID := make(map[string]*config.RepositoryConfig)
	var keys []projectKey
	for i := range cfg.Repositories {
		repo := &cfg.Repositories[i]
		byID[strings.ToLower(repo.ID)] = repo
		for _, label := range repo.Labels {
			byLabel[strings.ToLower(label)] = repo
		}
		for _, team := range repo.Teams {
			byTeam[strings.ToLower(team)] = repo
		}
		for _, key := range repo.ProjectKeys {
			keys = append(keys, projectKey{key: strings.ToLower(key), repo: repo})
		}
	}
	autoLabels := make(map[string]bool)
	for _, label := range cfg.LabelRules.AutoExecute {
		autoLabels[strings.ToLower(label)] = true
	}

	e.mu.Lock()
	e.byLabel = byLabel
	e.byTeam = byTeam
	e.byID = byID
	e.projectKeys = keys
	e.autoLabels = autoLabels
	e.defaultMode = mode
	e.cache = make(map[cacheKey]*Route)
	e.mu.Unlock()

	e.logger.Info("routing tables rebuilt",
		zap.Int("repositories", len(byID)),
		zap.Int("labels", len(byLabel)))
	return nil
}

// Resolve returns the route for an issue, from the cache when possible.
// Fails with NO_MATCH when no repository claims the issue.
func (e *Engine) Resolve(issue *tracker.Issue) (*Route, error) {
	key := cacheKey{issueID: issue.ID, identifier: issue.Identifier}

	e.mu.RLock()
	if route, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return route, nil
	}
	e.mu.RUnlock()

	repo := e.match(issue)
	if repo == nil {
		return nil, apperrors.NoMatch(issue.Identifier)
	}

	e.mu.RLock()
	route := &Route{
		RepoID:      repo.ID,
		RepoPath:    repo.Path,
		BaseBranch:  repo.BaseBranchOrDefault(),
		AutoExecute: e.autoExecuteLocked(issue.Labels),
		Mode:        e.defaultMode,
	}
	e.mu.RUnlock()

	e.mu.Lock()
	e.cache[key] = route
	e.mu.Unlock()

	e.logger.Debug("route resolved",
		zap.String("issue", issue.Identifier),
		zap.String("repo", repo.ID),
		zap.Bool("auto", route.AutoExecute))
	return route, nil
}

// match applies the precedence: labels, project substring, team, then an
// explicit [repo=X] description tag.
func (e *Engine) match(issue *tracker.Issue) *config.RepositoryConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, label := range issue.Labels {
		if repo, ok := e.byLabel[strings.ToLower(label)]; ok {
			return repo
		}
	}

	if issue.Project != "" {
		project := strings.ToLower(issue.Project)
		for _, pk := range e.projectKeys {
			if strings.Contains(project, pk.key) {
				return pk.repo
			}
		}
	}

	if issue.Team != "" {
		if repo, ok := e.byTeam[strings.ToLower(issue.Team)]; ok {
			return repo
		}
	}

	if m := repoTagRe.FindStringSubmatch(issue.Description); m != nil {
		if repo, ok := e.byID[strings.ToLower(m[1])]; ok {
			return repo
		}
	}
	return nil
}

func (e *Engine) autoExecuteLocked(labels []string) bool {
	for _, label := range labels {
		if e.autoLabels[strings.ToLower(label)] {
			return true
		}
	}
	return false
}

// AutoExecute reports whether the label set selects immediate execution.
func (e *Engine) AutoExecute(labels []string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autoExecuteLocked(labels)
}
