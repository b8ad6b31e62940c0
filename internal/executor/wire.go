package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/issuepilot/issuepilot/internal/common/errors"
	"github.com/issuepilot/issuepilot/internal/provider"
)

// completion is the provider-neutral shape of one model reply.
type completion struct {
	Text      string
	ToolCalls []toolCall
}

// toolCall is one tool invocation requested by the model.
type toolCall struct {
	Name string
	Args json.RawMessage
}

// complete sends one chat-completion request in the provider's dialect.
func (e *Executor) complete(ctx context.Context, p *provider.Provider, model, system, prompt string, tools []toolSpec) (*completion, error) {
	var (
		body     []byte
		endpoint string
		err      error
	)
	switch p.Type {
	case provider.TypeAnthropic:
		body, err = anthropicBody(model, system, prompt, tools)
		endpoint = strings.TrimSuffix(p.Endpoint, "/") + "/v1/messages"
	default:
		body, err = openaiBody(model, system, prompt, tools)
		endpoint = strings.TrimSuffix(p.Endpoint, "/") + "/v1/chat/completions"
	}
	if err != nil {
		return nil, apperrors.Internal("failed to build provider request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Internal("failed to build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Type == provider.TypeAnthropic {
		req.Header.Set("x-api-key", p.Credential)
		req.Header.Set("anthropic-version", "2023-06-01")
	} else {
		req.Header.Set("Authorization", "Bearer "+p.Credential)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.ProviderUnavailable("provider request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	e.captureRateLimit(resp.Header)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, providerError(resp, raw)
	}

	if p.Type == provider.TypeAnthropic {
		return parseAnthropic(resp.Body)
	}
	return parseOpenAI(resp.Body)
}

// providerError maps an HTTP failure to an application error.
func providerError(resp *http.Response, raw []byte) error {
	msg := fmt.Sprintf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.Auth("Invalid API key")
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Minute
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return apperrors.RateLimited(msg, retryAfter)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return apperrors.ProviderUnavailable(msg, nil)
	default:
		return apperrors.SessionFailed(msg, nil)
	}
}

// anthropicBody builds a Messages API request.
func anthropicBody(model, system, prompt string, tools []toolSpec) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type tool struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"input_schema"`
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": 8192,
		"messages":   []message{{Role: "user", Content: prompt}},
	}
	if system != "" {
		body["system"] = system
	}
	if len(tools) > 0 {
		ts := make([]tool, 0, len(tools))
		for _, t := range tools {
			ts = append(ts, tool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
		}
		body["tools"] = ts
	} else {
		body["max_tokens"] = 1
	}
	return json.Marshal(body)
}

func parseAnthropic(r io.Reader) (*completion, error) {
	var payload struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, apperrors.Internal("failed to decode provider response", err)
	}
	out := &completion{}
	var text strings.Builder
	for _, block := range payload.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, toolCall{Name: block.Name, Args: block.Input})
		}
	}
	out.Text = text.String()
	return out, nil
}

// openaiBody builds a Chat Completions request, also used for
// OpenAI-compatible providers.
func openaiBody(model, system, prompt string, tools []toolSpec) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := make([]message, 0, 2)
	if system != "" {
		messages = append(messages, message{Role: "system", Content: system})
	}
	messages = append(messages, message{Role: "user", Content: prompt})

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if len(tools) > 0 {
		type function struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		}
		type tool struct {
			Type     string   `json:"type"`
			Function function `json:"function"`
		}
		ts := make([]tool, 0, len(tools))
		for _, t := range tools {
			ts = append(ts, tool{Type: "function", Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			}})
		}
		body["tools"] = ts
	} else {
		body["max_tokens"] = 1
	}
	return json.Marshal(body)
}

func parseOpenAI(r io.Reader) (*completion, error) {
	var payload struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, apperrors.Internal("failed to decode provider response", err)
	}
	out := &completion{}
	if len(payload.Choices) == 0 {
		return out, nil
	}
	msg := payload.Choices[0].Message
	out.Text = msg.Content
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, toolCall{
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}
