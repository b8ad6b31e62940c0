// Package provider defines the execution providers the orchestrator can
// route work to, ranked by priority.
package provider

import (
	"sort"

	"github.com/issuepilot/issuepilot/internal/common/config"
)

// Known provider type tags.
const (
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
	TypeOpenCode  = "opencode"
)

// Provider describes one enabled execution provider. Constructed at startup
// and on config reload; immutable afterwards.
type Provider struct {
	Type       string
	Name       string
	Priority   int
	Credential string
	Endpoint   string
	Model      string
	OAuth      bool
}

// DisplayName returns the configured name, falling back to the type tag.
func (p *Provider) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Type
}

// FromConfig builds the ordered provider list from configuration.
// Disabled providers are dropped; lower priority number ranks first.
func FromConfig(cfgs []config.ProviderConfig) []*Provider {
	providers := make([]*Provider, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		providers = append(providers, &Provider{
			Type:       c.Type,
			Name:       c.Name,
			Priority:   c.Priority,
			Credential: c.Credential,
			Endpoint:   c.Endpoint,
			Model:      c.Model,
			OAuth:      c.OAuth,
		})
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority < providers[j].Priority
	})
	return providers
}

// ByType returns the provider with the given type tag, or nil.
func ByType(providers []*Provider, typeTag string) *Provider {
	for _, p := range providers {
		if p.Type == typeTag {
			return p
		}
	}
	return nil
}
