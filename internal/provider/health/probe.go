package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/issuepilot/issuepilot/internal/provider"
)

// ProbeResult is the outcome of one liveness probe.
type ProbeResult struct {
	Healthy bool
	Latency time.Duration
	Err     string
}

// Prober checks whether a provider endpoint is serviceable.
type Prober interface {
	Probe(ctx context.Context, p *provider.Provider) ProbeResult
}

// HTTPProber probes the provider's base endpoint with its credential.
// Any response below 500 counts as healthy; 401/403 is reported as a
// credential problem so operators see it distinctly from an outage.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPProber) Probe(ctx context.Context, p *provider.Provider) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.Endpoint, nil)
	if err != nil {
		return ProbeResult{Err: err.Error()}
	}
	setCredential(req, p)

	start := time.Now()
	resp, err := h.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return ProbeResult{Latency: latency, Err: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ProbeResult{Latency: latency, Err: "Invalid API key"}
	case resp.StatusCode >= 500:
		return ProbeResult{Latency: latency, Err: fmt.Sprintf("endpoint returned %d", resp.StatusCode)}
	default:
		return ProbeResult{Healthy: true, Latency: latency}
	}
}

func setCredential(req *http.Request, p *provider.Provider) {
	switch p.Type {
	case provider.TypeAnthropic:
		req.Header.Set("x-api-key", p.Credential)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		req.Header.Set("Authorization", "Bearer "+p.Credential)
	}
}
