package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
)

const defaultEndpoint = "https://api.linear.app/graphql"

// LinearClient implements Client against the Linear GraphQL API.
type LinearClient struct {
	endpoint   string
	token      string
	httpClient *http.Client

	mu        sync.RWMutex
	rateLimit RateLimitInfo
}

// NewLinearClient creates a tracker client for the given endpoint and token.
// An empty endpoint selects the public Linear API.
func NewLinearClient(endpoint, token string) *LinearClient {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &LinearClient{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// Remaining -1 means no budget observed yet.
		rateLimit: RateLimitInfo{Remaining: -1},
	}
}

// RateLimit returns the budget observed on the most recent response.
func (c *LinearClient) RateLimit() RateLimitInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

// gql executes one GraphQL request and decodes the data payload into result.
func (c *LinearClient) gql(ctx context.Context, query string, variables map[string]any, result any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return apperrors.Internal("failed to marshal tracker request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Internal("failed to build tracker request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.ProviderUnavailable("tracker request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.captureRateLimit(resp.Header)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.Auth("tracker rejected credentials")
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.RateLimited("tracker rate limit exceeded", c.retryAfter(resp.Header))
	case resp.StatusCode >= 500:
		return apperrors.ProviderUnavailable(
			fmt.Sprintf("tracker returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.Internal(
			fmt.Sprintf("tracker returned %d: %s", resp.StatusCode, string(raw)), nil)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return apperrors.Internal("failed to decode tracker response", err)
	}
	if len(envelope.Errors) > 0 {
		return apperrors.Internal("tracker query failed: "+envelope.Errors[0].Message, nil)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return apperrors.Internal("failed to decode tracker data", err)
		}
	}
	return nil
}

func (c *LinearClient) captureRateLimit(h http.Header) {
	info := RateLimitInfo{Remaining: -1}
	if v := h.Get("X-RateLimit-Requests-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = n
		}
	}
	if v := h.Get("X-RateLimit-Requests-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Limit = n
		}
	}
	if v := h.Get("X-RateLimit-Requests-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			// Linear sends the reset as a millisecond epoch.
			info.ResetAt = time.UnixMilli(epoch)
		}
	}
	if info.Remaining < 0 && info.Limit == 0 && info.ResetAt.IsZero() {
		return
	}
	c.mu.Lock()
	c.rateLimit = info
	c.mu.Unlock()
}

func (c *LinearClient) retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	c.mu.RLock()
	reset := c.rateLimit.ResetAt
	c.mu.RUnlock()
	if !reset.IsZero() {
		if d := time.Until(reset); d > 0 {
			return d
		}
	}
	return time.Minute
}

// issueNode is the JSON shape of a Linear issue.
type issueNode struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       struct {
		Name string `json:"name"`
	} `json:"state"`
	Team struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"team"`
	Project struct {
		Name string `json:"name"`
	} `json:"project"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
}

func (n *issueNode) toIssue() *Issue {
	labels := make([]string, 0, len(n.Labels.Nodes))
	for _, l := range n.Labels.Nodes {
		labels = append(labels, l.Name)
	}
	return &Issue{
		ID:          n.ID,
		Identifier:  n.Identifier,
		Title:       n.Title,
		Description: n.Description,
		Labels:      labels,
		Project:     n.Project.Name,
		Team:        n.Team.Name,
		State:       n.State.Name,
	}
}

const issueFields = `id identifier title description state { name } team { id key name } project { name } labels { nodes { name } }`

// GetIssue fetches one issue by its human identifier.
func (c *LinearClient) GetIssue(ctx context.Context, identifier string) (*Issue, error) {
	var data struct {
		Issue *issueNode `json:"issue"`
	}
	query := fmt.Sprintf(`query($id: String!) { issue(id: $id) { %s } }`, issueFields)
	if err := c.gql(ctx, query, map[string]any{"id": identifier}, &data); err != nil {
		return nil, err
	}
	if data.Issue == nil {
		return nil, apperrors.NotFound("issue", identifier)
	}
	return data.Issue.toIssue(), nil
}

// SearchIssues returns issues matching the query's labels and states.
func (c *LinearClient) SearchIssues(ctx context.Context, q IssueQuery) ([]*Issue, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var data struct {
		Issues struct {
			Nodes []issueNode `json:"nodes"`
		} `json:"issues"`
	}
	query := fmt.Sprintf(`query($labels: [String!], $states: [String!], $first: Int!) {
		issues(first: $first, filter: {
			labels: { name: { in: $labels } },
			state: { name: { in: $states } }
		}) { nodes { %s } }
	}`, issueFields)
	vars := map[string]any{"labels": q.Labels, "states": q.States, "first": limit}
	if err := c.gql(ctx, query, vars, &data); err != nil {
		return nil, err
	}
	issues := make([]*Issue, 0, len(data.Issues.Nodes))
	for i := range data.Issues.Nodes {
		issues = append(issues, data.Issues.Nodes[i].toIssue())
	}
	return issues, nil
}

// UpdateIssueState transitions an issue to the named workflow state.
// The state name is resolved to the team's workflow state id first.
func (c *LinearClient) UpdateIssueState(ctx context.Context, issueID, state string) error {
	stateID, err := c.resolveStateID(ctx, issueID, state)
	if err != nil {
		return err
	}
	var data struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	query := `mutation($id: String!, $stateId: String!) {
		issueUpdate(id: $id, input: { stateId: $stateId }) { success }
	}`
	if err := c.gql(ctx, query, map[string]any{"id": issueID, "stateId": stateID}, &data); err != nil {
		return err
	}
	if !data.IssueUpdate.Success {
		return apperrors.Internal(fmt.Sprintf("state update to '%s' was not applied", state), nil)
	}
	return nil
}

func (c *LinearClient) resolveStateID(ctx context.Context, issueID, state string) (string, error) {
	var data struct {
		Issue *struct {
			Team struct {
				States struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"nodes"`
				} `json:"states"`
			} `json:"team"`
		} `json:"issue"`
	}
	query := `query($id: String!) {
		issue(id: $id) { team { states { nodes { id name } } } }
	}`
	if err := c.gql(ctx, query, map[string]any{"id": issueID}, &data); err != nil {
		return "", err
	}
	if data.Issue == nil {
		return "", apperrors.NotFound("issue", issueID)
	}
	for _, s := range data.Issue.Team.States.Nodes {
		if s.Name == state {
			return s.ID, nil
		}
	}
	return "", apperrors.NotFound("workflow state", state)
}

// AddLabel attaches a label to an issue, creating the label if missing.
func (c *LinearClient) AddLabel(ctx context.Context, issueID, label string) error {
	labelID, err := c.resolveLabelID(ctx, label)
	if err != nil {
		return err
	}
	var data struct {
		IssueAddLabel struct {
			Success bool `json:"success"`
		} `json:"issueAddLabel"`
	}
	query := `mutation($id: String!, $labelId: String!) {
		issueAddLabel(id: $id, labelId: $labelId) { success }
	}`
	if err := c.gql(ctx, query, map[string]any{"id": issueID, "labelId": labelID}, &data); err != nil {
		return err
	}
	if !data.IssueAddLabel.Success {
		return apperrors.Internal(fmt.Sprintf("label '%s' was not applied", label), nil)
	}
	return nil
}

func (c *LinearClient) resolveLabelID(ctx context.Context, label string) (string, error) {
	var data struct {
		IssueLabels struct {
			Nodes []struct {
				ID string `json:"id"`
			} `json:"nodes"`
		} `json:"issueLabels"`
	}
	query := `query($name: String!) {
		issueLabels(filter: { name: { eq: $name } }) { nodes { id } }
	}`
	if err := c.gql(ctx, query, map[string]any{"name": label}, &data); err != nil {
		return "", err
	}
	if len(data.IssueLabels.Nodes) > 0 {
		return data.IssueLabels.Nodes[0].ID, nil
	}

	var created struct {
		IssueLabelCreate struct {
			IssueLabel struct {
				ID string `json:"id"`
			} `json:"issueLabel"`
		} `json:"issueLabelCreate"`
	}
	createQuery := `mutation($name: String!) {
		issueLabelCreate(input: { name: $name }) { issueLabel { id } }
	}`
	if err := c.gql(ctx, createQuery, map[string]any{"name": label}, &created); err != nil {
		return "", err
	}
	if created.IssueLabelCreate.IssueLabel.ID == "" {
		return "", apperrors.Internal(fmt.Sprintf("failed to create label '%s'", label), nil)
	}
	return created.IssueLabelCreate.IssueLabel.ID, nil
}

// CreateComment posts a comment on an issue.
func (c *LinearClient) CreateComment(ctx context.Context, issueID, body string) error {
	var data struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	query := `mutation($issueId: String!, $body: String!) {
		commentCreate(input: { issueId: $issueId, body: $body }) { success }
	}`
	if err := c.gql(ctx, query, map[string]any{"issueId": issueID, "body": body}, &data); err != nil {
		return err
	}
	if !data.CommentCreate.Success {
		return apperrors.Internal("comment was not created", nil)
	}
	return nil
}
