package webhook

import (
	"encoding/json"
	"strings"

	"github.com/issuepilot/issuepilot/internal/tracker"
)

// payload is the tracker's webhook body. Only the fields the ingress
// inspects are modeled; everything else passes through untouched.
type payload struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Actor  struct {
		Name string `json:"name"`
	} `json:"actor"`
	Data struct {
		ID          string `json:"id"`
		Identifier  string `json:"identifier"`
		Title       string `json:"title"`
		Description string `json:"description"`
		State       struct {
			Name string `json:"name"`
		} `json:"state"`
		Team struct {
			Name string `json:"name"`
			Key  string `json:"key"`
		} `json:"team"`
		Project struct {
			Name string `json:"name"`
		} `json:"project"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Assignee struct {
			Name string `json:"name"`
		} `json:"assignee"`
	} `json:"data"`
	// UpdatedFrom lists the fields an update changed, keyed by field name.
	UpdatedFrom map[string]json.RawMessage `json:"updatedFrom"`
}

// validate returns the name of the first missing required field.
func (p *payload) validate() string {
	switch {
	case p.Action == "":
		return "action"
	case p.Data.Identifier == "":
		return "data.identifier"
	case p.Data.Title == "":
		return "data.title"
	default:
		return ""
	}
}

// labels flattens the label names.
func (p *payload) labels() []string {
	out := make([]string, 0, len(p.Data.Labels))
	for _, l := range p.Data.Labels {
		out = append(out, l.Name)
	}
	return out
}

// issue converts the payload to the tracker's issue shape.
func (p *payload) issue() *tracker.Issue {
	return &tracker.Issue{
		ID:          p.Data.ID,
		Identifier:  p.Data.Identifier,
		Title:       p.Data.Title,
		Description: p.Data.Description,
		Labels:      p.labels(),
		Project:     p.Data.Project.Name,
		Team:        p.Data.Team.Name,
		State:       p.Data.State.Name,
	}
}

// relevant decides whether the event warrants orchestration: creates,
// delegations to the configured agent, and label changes. Updates the
// agent caused itself (state-only changes by the agent actor) are dropped.
func (p *payload) relevant(agentName string) bool {
	if strings.EqualFold(p.Actor.Name, agentName) {
		return false
	}
	switch p.Action {
	case "create":
		return true
	case "update":
		if _, ok := p.UpdatedFrom["labelIds"]; ok {
			return true
		}
		if _, ok := p.UpdatedFrom["assigneeId"]; ok {
			return strings.EqualFold(p.Data.Assignee.Name, agentName)
		}
		return false
	default:
		return false
	}
}
