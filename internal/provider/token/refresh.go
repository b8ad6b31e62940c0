package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/issuepilot/issuepilot/internal/common/clock"
	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
)

// HTTPRefresher returns a RefreshFunc that exchanges the refresh token at
// the provider's OAuth token endpoint.
func HTTPRefresher(endpoint, clientID string, clk clock.Clock) RefreshFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, refreshToken string) (*Token, error) {
		body, err := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     clientID,
		})
		if err != nil {
			return nil, apperrors.Internal("failed to marshal refresh request", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, apperrors.Internal("failed to build refresh request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, apperrors.ProviderUnavailable("token refresh request failed", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, apperrors.Auth("refresh token rejected")
			}
			return nil, apperrors.ProviderUnavailable(
				fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, string(raw)), nil)
		}

		var payload struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, apperrors.Internal("failed to decode refresh response", err)
		}
		if payload.AccessToken == "" {
			return nil, apperrors.Internal("token endpoint returned no access token", nil)
		}

		return &Token{
			AccessToken:  payload.AccessToken,
			RefreshToken: payload.RefreshToken,
			ExpiresAt:    clk.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		}, nil
	}
}
