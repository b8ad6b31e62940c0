// Package token manages the OAuth access/refresh token pair for providers
// whose credential is not a static API key. A background daemon refreshes
// the token before expiry; the file on disk is the source of truth.
package token

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/common/logger"
)

const (
	// refreshTick is the daemon cadence.
	refreshTick = 60 * time.Second
	// refreshWindow refreshes the token once expiry is this close.
	refreshWindow = 300 * time.Second
)

// Token is the persisted OAuth credential.
type Token struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	ExpiresAt       time.Time `json:"expiresAt"`
	LastRefreshedAt time.Time `json:"lastRefreshedAt"`
}

// RefreshFunc exchanges a refresh token for a new token pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (*Token, error)

// Manager caches the token and runs the refresh daemon.
type Manager struct {
	path    string
	clock   clock.Clock
	logger  *logger.Logger
	refresh RefreshFunc

	mu    sync.RWMutex
	token *Token

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager for the token file at path, loading any
// existing token.
func NewManager(path string, clk clock.Clock, log *logger.Logger, refresh RefreshFunc) (*Manager, error) {
	m := &Manager{
		path:    path,
		clock:   clk,
		logger:  log.WithFields(zap.String("component", "token-manager")),
		refresh: refresh,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Persistence("failed to read token file", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return apperrors.Persistence("failed to parse token file", err)
	}
	m.token = &tok
	return nil
}

// Get returns the cached token, if any.
func (m *Manager) Get() (*Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil, false
	}
	tok := *m.token
	return &tok, true
}

// AccessToken returns the cached access token, or empty.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return ""
	}
	return m.token.AccessToken
}

// Set writes the token file atomically (0600, directory 0700) and then
// updates the cache, so the file's expiry is never behind the cache's.
func (m *Manager) Set(tok *Token) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apperrors.Persistence("failed to create token directory", err)
	}

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return apperrors.Persistence("failed to marshal token", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens.tmp-")
	if err != nil {
		return apperrors.Persistence("failed to create temp token file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperrors.Persistence("failed to write token file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Persistence("failed to close token file", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Persistence("failed to chmod token file", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Persistence("failed to rename token file", err)
	}

	m.mu.Lock()
	copied := *tok
	m.token = &copied
	m.mu.Unlock()
	return nil
}

// Start launches the refresh daemon. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.refreshLoop(ctx)
	m.logger.Info("token refresh daemon started")
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(refreshTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.maybeRefresh(ctx)
		}
	}
}

func (m *Manager) maybeRefresh(ctx context.Context) {
	tok, ok := m.Get()
	if !ok || m.refresh == nil {
		return
	}
	if tok.ExpiresAt.Sub(m.clock.Now()) > refreshWindow {
		return
	}

	fresh, err := m.refresh(ctx, tok.RefreshToken)
	if err != nil {
		// Keep the existing token; it may still be serviceable until its
		// actual expiry.
		m.logger.Warn("token refresh failed, retaining current token", zap.Error(err))
		return
	}
	fresh.LastRefreshedAt = m.clock.Now()
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := m.Set(fresh); err != nil {
		m.logger.Error("failed to persist refreshed token", zap.Error(err))
		return
	}
	m.logger.Info("token refreshed", zap.Time("expires_at", fresh.ExpiresAt))
}

// Cleanup stops the daemon and clears the cache.
func (m *Manager) Cleanup() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		m.cancel = nil
	}
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
}
