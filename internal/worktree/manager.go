package worktree

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
)

// Manager owns working-copy lifecycle for every issue.
type Manager struct {
	basePath string
	clock    clock.Clock
	logger   *logger.Logger

	mu   sync.RWMutex
	live map[string]*Info

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a Manager rooted at basePath, creating it if needed.
func NewManager(basePath string, clk clock.Clock, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, apperrors.Worktree("failed to create worktree base directory", err)
	}
	return &Manager{
		basePath: basePath,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "worktree-manager")),
		live:     make(map[string]*Info),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// issueLock returns the mutex serializing operations for one issue id.
func (m *Manager) issueLock(issueID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if lock, ok := m.locks[issueID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[issueID] = lock
	return lock
}

// pathFor returns the standard working-copy path for an issue.
func (m *Manager) pathFor(issueID string) string {
	return filepath.Join(m.basePath, sanitize(issueID))
}

// Create materializes a working copy for the issue. A creation for an
// issue id that is already live fails with ErrExists; distinct issues
// proceed in parallel.
func (m *Manager) Create(ctx context.Context, issueID, repoPath, baseBranch string, mode Mode, slug string) (*Info, error) {
	lock := m.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	_, alreadyLive := m.live[issueID]
	m.mu.RUnlock()
	if alreadyLive {
		return nil, ErrExists
	}

	if !isGitRepo(repoPath) {
		return nil, apperrors.Worktree("repository path is not a git repository: "+repoPath, nil)
	}

	var (
		info *Info
		err  error
	)
	switch mode {
	case ModeFresh:
		info, err = m.createFresh(ctx, issueID, repoPath, baseBranch)
	case ModeReuse:
		info, err = m.createReuse(ctx, issueID, repoPath, baseBranch)
	case ModeBranchPerIssue:
		info, err = m.createBranchPerIssue(ctx, issueID, repoPath, baseBranch, slug)
	default:
		return nil, apperrors.Worktree("unknown worktree mode: "+string(mode), nil)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.live[issueID] = info
	m.mu.Unlock()

	m.logger.Info("worktree ready",
		zap.String("issue_id", issueID),
		zap.String("mode", string(mode)),
		zap.String("path", info.Path),
		zap.String("branch", info.Branch))
	return info, nil
}

func (m *Manager) createFresh(ctx context.Context, issueID, repoPath, baseBranch string) (*Info, error) {
	path := m.pathFor(issueID)
	if _, err := os.Stat(path); err == nil {
		if err := m.removeDir(ctx, path, repoPath); err != nil {
			return nil, apperrors.Worktree("failed to wipe existing worktree", err)
		}
	}

	if _, err := git(ctx, repoPath, "worktree", "add", "--detach", path, baseBranch); err != nil {
		m.removePartial(ctx, path, repoPath)
		return nil, apperrors.Worktree("failed to create worktree", err)
	}
	return &Info{
		IssueID:    issueID,
		RepoPath:   repoPath,
		Path:       path,
		BaseBranch: baseBranch,
		CreatedAt:  m.clock.Now(),
	}, nil
}

func (m *Manager) createReuse(ctx context.Context, issueID, repoPath, baseBranch string) (*Info, error) {
	path := m.pathFor(issueID)
	if isWorktreeDir(path) {
		clean, err := isClean(ctx, path)
		if err != nil {
			return nil, apperrors.Worktree("failed to inspect existing worktree", err)
		}
		if !clean {
			return nil, ErrBusy
		}
		return &Info{
			IssueID:    issueID,
			RepoPath:   repoPath,
			Path:       path,
			BaseBranch: baseBranch,
			CreatedAt:  m.clock.Now(),
		}, nil
	}
	return m.createFresh(ctx, issueID, repoPath, baseBranch)
}

func (m *Manager) createBranchPerIssue(ctx context.Context, issueID, repoPath, baseBranch, slug string) (*Info, error) {
	path := m.pathFor(issueID)
	branch := BranchName(issueID, slug)

	if isWorktreeDir(path) {
		if err := m.removeDir(ctx, path, repoPath); err != nil {
			return nil, apperrors.Worktree("failed to wipe existing worktree", err)
		}
	}

	var err error
	if branchExists(ctx, repoPath, branch) {
		_, err = git(ctx, repoPath, "worktree", "add", path, branch)
	} else {
		_, err = git(ctx, repoPath, "worktree", "add", "-b", branch, path, baseBranch)
	}
	if err != nil {
		m.removePartial(ctx, path, repoPath)
		return nil, apperrors.Worktree("failed to create worktree", err)
	}
	return &Info{
		IssueID:    issueID,
		RepoPath:   repoPath,
		Path:       path,
		Branch:     branch,
		BaseBranch: baseBranch,
		CreatedAt:  m.clock.Now(),
	}, nil
}

// Get returns the live working copy for an issue, if any.
func (m *Manager) Get(issueID string) (*Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.live[issueID]
	return info, ok
}

// Cleanup releases the issue's working copy. When succeeded is true the
// directory is removed; on failure it is retained for inspection. Repeated
// calls succeed.
func (m *Manager) Cleanup(ctx context.Context, issueID string, succeeded bool) error {
	lock := m.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	info, ok := m.live[issueID]
	delete(m.live, issueID)
	m.mu.Unlock()

	if !succeeded {
		if ok {
			m.logger.Info("retaining worktree for inspection",
				zap.String("issue_id", issueID),
				zap.String("path", info.Path))
		}
		return nil
	}

	path := m.pathFor(issueID)
	repoPath := ""
	if ok {
		repoPath = info.RepoPath
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := m.removeDir(ctx, path, repoPath); err != nil {
		return apperrors.Worktree("failed to remove worktree", err)
	}
	m.logger.Info("removed worktree",
		zap.String("issue_id", issueID),
		zap.String("path", path))
	return nil
}

// ListActive returns the issue ids with a working copy, combining the
// in-process map with a filesystem scan.
func (m *Manager) ListActive() []string {
	seen := make(map[string]bool)

	m.mu.RLock()
	for id := range m.live {
		seen[id] = true
	}
	m.mu.RUnlock()

	entries, err := os.ReadDir(m.basePath)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() && isWorktreeDir(filepath.Join(m.basePath, entry.Name())) {
				seen[entry.Name()] = true
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// Counts returns live and total working-copy counts for health reporting.
func (m *Manager) Counts() (active, total int) {
	m.mu.RLock()
	active = len(m.live)
	m.mu.RUnlock()
	return active, len(m.ListActive())
}

// removeDir removes a working copy, preferring git worktree remove and
// falling back to direct removal plus a prune.
func (m *Manager) removeDir(ctx context.Context, path, repoPath string) error {
	if repoPath != "" {
		if _, err := git(ctx, repoPath, "worktree", "remove", "--force", path); err == nil {
			return nil
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	if repoPath != "" {
		if _, err := git(ctx, repoPath, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// removePartial clears the directory left behind by a failed creation.
func (m *Manager) removePartial(ctx context.Context, path, repoPath string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	if err := m.removeDir(ctx, path, repoPath); err != nil {
		m.logger.Warn("failed to remove partial worktree",
			zap.String("path", path),
			zap.Error(err))
	}
}
