package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const maxResponseBytes = 16 << 20

// Provider is a JSON-over-HTTP upstream (OpenAI-compatible APIs).
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewProvider returns nil when baseURL is empty, so unconfigured providers
// are simply not registered.
func NewProvider(name, baseURL, apiKey string, client *http.Client) *Provider {
	if strings.TrimSpace(baseURL) == "" {
		return nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}
}

// post sends body as JSON and returns the raw response body and its
// content type.
func (p *Provider) post(ctx context.Context, path string, body any) ([]byte, string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", fmt.Errorf("%s: %w", p.name, ctxErr)
		}
		return nil, "", &ProviderError{Provider: p.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", &ProviderError{Provider: p.name, StatusCode: resp.StatusCode, Message: "read body: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw, resp.Status),
		}
	}
	return raw, resp.Header.Get("Content-Type"), nil
}

// errorMessage prefers the OpenAI-style error.message field.
func errorMessage(body []byte, fallback string) string {
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "error.message"); msg.Exists() && msg.String() != "" {
			return msg.String()
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fallback
	}
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}

func decodePayload(payload json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
