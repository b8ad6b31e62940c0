package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
)

// gqlServer answers GraphQL posts with canned data keyed by a substring of
// the query text.
type gqlServer struct {
	t       *testing.T
	answers map[string]any
	status  int
	headers map[string]string
	queries []string
}

func (s *gqlServer) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
	s.queries = append(s.queries, req.Query)

	for k, v := range s.headers {
		w.Header().Set(k, v)
	}
	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}
	for needle, data := range s.answers {
		if needle == "" || strings.Contains(req.Query, needle) {
			_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
			return
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
}

func newGQLClient(t *testing.T, s *gqlServer) *LinearClient {
	t.Helper()
	s.t = t
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	t.Cleanup(srv.Close)
	return NewLinearClient(srv.URL, "lin_api_test")
}

func TestGetIssue(t *testing.T) {
	s := &gqlServer{answers: map[string]any{
		"issue(id:": map[string]any{
			"issue": map[string]any{
				"id":         "uuid-1",
				"identifier": "ABC-7",
				"title":      "Fix the flaky thing",
				"state":      map[string]string{"name": "Todo"},
				"team":       map[string]string{"name": "Core", "key": "ABC"},
				"project":    map[string]string{"name": "Platform"},
				"labels": map[string]any{
					"nodes": []map[string]string{{"name": "backend"}, {"name": "auto"}},
				},
			},
		},
	}}
	c := newGQLClient(t, s)

	issue, err := c.GetIssue(context.Background(), "ABC-7")
	require.NoError(t, err)
	assert.Equal(t, "ABC-7", issue.Identifier)
	assert.Equal(t, "Core", issue.Team)
	assert.Equal(t, []string{"backend", "auto"}, issue.Labels)
}

func TestGetIssueNotFound(t *testing.T) {
	s := &gqlServer{answers: map[string]any{
		"issue(id:": map[string]any{"issue": nil},
	}}
	c := newGQLClient(t, s)

	_, err := c.GetIssue(context.Background(), "ABC-404")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestSearchIssues(t *testing.T) {
	s := &gqlServer{answers: map[string]any{
		"issues(first:": map[string]any{
			"issues": map[string]any{
				"nodes": []map[string]any{
					{"id": "1", "identifier": "ABC-1", "title": "one"},
					{"id": "2", "identifier": "ABC-2", "title": "two"},
				},
			},
		},
	}}
	c := newGQLClient(t, s)

	issues, err := c.SearchIssues(context.Background(), IssueQuery{Labels: []string{"auto"}})
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "ABC-2", issues[1].Identifier)
}

func TestAuthErrors(t *testing.T) {
	s := &gqlServer{status: http.StatusUnauthorized}
	c := newGQLClient(t, s)

	_, err := c.GetIssue(context.Background(), "ABC-7")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAuth, apperrors.Code(err))
}

func TestRateLimitError(t *testing.T) {
	s := &gqlServer{
		status:  http.StatusTooManyRequests,
		headers: map[string]string{"Retry-After": "30"},
	}
	c := newGQLClient(t, s)

	_, err := c.GetIssue(context.Background(), "ABC-7")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeRateLimited, appErr.Code)
	assert.Equal(t, 30*time.Second, appErr.RetryAfter)
}

func TestGraphQLErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]string{{"message": "field does not exist"}},
		})
	}))
	t.Cleanup(srv.Close)
	c := NewLinearClient(srv.URL, "lin_api_test")

	_, err := c.GetIssue(context.Background(), "ABC-7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field does not exist")
}

func TestCaptureRateLimitHeaders(t *testing.T) {
	reset := time.Now().Add(time.Hour).UnixMilli()
	s := &gqlServer{
		answers: map[string]any{"": map[string]any{}},
		headers: map[string]string{
			"X-RateLimit-Requests-Remaining": "12",
			"X-RateLimit-Requests-Limit":     "1500",
			"X-RateLimit-Requests-Reset":     strconv.FormatInt(reset, 10),
		},
	}
	c := newGQLClient(t, s)

	_, _ = c.SearchIssues(context.Background(), IssueQuery{})
	info := c.RateLimit()
	assert.Equal(t, 12, info.Remaining)
	assert.Equal(t, 1500, info.Limit)
	assert.Equal(t, time.UnixMilli(reset), info.ResetAt)
}

func TestUpdateIssueStateResolvesWorkflowState(t *testing.T) {
	s := &gqlServer{answers: map[string]any{
		"team { states": map[string]any{
			"issue": map[string]any{
				"team": map[string]any{
					"states": map[string]any{
						"nodes": []map[string]string{
							{"id": "st-1", "name": "Todo"},
							{"id": "st-2", "name": "Done"},
						},
					},
				},
			},
		},
		"issueUpdate": map[string]any{
			"issueUpdate": map[string]any{"success": true},
		},
	}}
	c := newGQLClient(t, s)

	require.NoError(t, c.UpdateIssueState(context.Background(), "ABC-7", "Done"))
	require.Len(t, s.queries, 2)
	assert.Contains(t, s.queries[1], "issueUpdate")

	err := c.UpdateIssueState(context.Background(), "ABC-7", "Blocked")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.Code(err))
}

func TestAddLabelCreatesMissingLabel(t *testing.T) {
	s := &gqlServer{answers: map[string]any{
		"issueLabels(filter:": map[string]any{
			"issueLabels": map[string]any{"nodes": []map[string]string{}},
		},
		"issueLabelCreate": map[string]any{
			"issueLabelCreate": map[string]any{
				"issueLabel": map[string]string{"id": "lbl-1"},
			},
		},
		"issueAddLabel(": map[string]any{
			"issueAddLabel": map[string]any{"success": true},
		},
	}}
	c := newGQLClient(t, s)

	require.NoError(t, c.AddLabel(context.Background(), "ABC-7", "executed"))
	require.Len(t, s.queries, 3)
}

func TestBudgetSaturated(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		info RateLimitInfo
		want bool
	}{
		{"no budget observed", RateLimitInfo{Remaining: -1}, false},
		{"plenty remaining", RateLimitInfo{Remaining: 500}, false},
		{"below threshold, reset pending", RateLimitInfo{Remaining: 10, ResetAt: now.Add(time.Hour)}, true},
		{"below threshold, reset passed", RateLimitInfo{Remaining: 10, ResetAt: now.Add(-time.Minute)}, false},
		{"below threshold, no reset known", RateLimitInfo{Remaining: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBudget(&staticRateLimit{info: tt.info}, 50)
			assert.Equal(t, tt.want, b.Saturated(now))
		})
	}
}

type staticRateLimit struct {
	info RateLimitInfo
}

func (s *staticRateLimit) GetIssue(context.Context, string) (*Issue, error) { return nil, nil }
func (s *staticRateLimit) SearchIssues(context.Context, IssueQuery) ([]*Issue, error) {
	return nil, nil
}
func (s *staticRateLimit) UpdateIssueState(context.Context, string, string) error { return nil }
func (s *staticRateLimit) AddLabel(context.Context, string, string) error         { return nil }
func (s *staticRateLimit) CreateComment(context.Context, string, string) error    { return nil }
func (s *staticRateLimit) RateLimit() RateLimitInfo                               { return s.info }
