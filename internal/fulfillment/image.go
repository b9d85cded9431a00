package fulfillment

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

type imageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	Count  int    `json:"n"`
}

type imageResult struct {
	URLs []string `json:"urls"`
}

const maxImagesPerRequest = 4

type ImageAdapter struct {
	provider *Provider
	model    string
}

func NewImageAdapter(p *Provider, model string) *ImageAdapter {
	return &ImageAdapter{provider: p, model: model}
}

func (a *ImageAdapter) Fulfill(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req imageRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrInvalidPayload
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 0 || req.Count > maxImagesPerRequest {
		return nil, ErrInvalidPayload
	}
	if req.Size == "" {
		req.Size = "1024x1024"
	}

	body, _, err := a.provider.post(ctx, "/images/generations", map[string]any{
		"model":  a.model,
		"prompt": req.Prompt,
		"size":   req.Size,
		"n":      req.Count,
	})
	if err != nil {
		return nil, err
	}

	var result imageResult
	for _, url := range gjson.GetBytes(body, "data.#.url").Array() {
		if url.String() != "" {
			result.URLs = append(result.URLs, url.String())
		}
	}
	if len(result.URLs) == 0 {
		return nil, &ProviderError{Provider: a.provider.name, StatusCode: 200, Message: "response has no image urls"}
	}
	return json.Marshal(result)
}
