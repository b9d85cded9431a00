package fulfillment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
)

type speechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type speechResult struct {
	ContentType string `json:"content_type"`
	Audio       string `json:"audio"`
}

const maxSpeechChars = 4096

// SpeechAdapter turns text into audio. The audio is returned base64-encoded.
type SpeechAdapter struct {
	provider     *Provider
	model        string
	defaultVoice string
}

func NewSpeechAdapter(p *Provider, model, voice string) *SpeechAdapter {
	return &SpeechAdapter{provider: p, model: model, defaultVoice: voice}
}

func (a *SpeechAdapter) Fulfill(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req speechRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" || len(req.Text) > maxSpeechChars {
		return nil, ErrInvalidPayload
	}
	voice := req.Voice
	if voice == "" {
		voice = a.defaultVoice
	}

	audio, contentType, err := a.provider.post(ctx, "/audio/speech", map[string]any{
		"model": a.model,
		"input": req.Text,
		"voice": voice,
	})
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, &ProviderError{Provider: a.provider.name, StatusCode: 200, Message: "empty audio"}
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	return json.Marshal(speechResult{
		ContentType: contentType,
		Audio:       base64.StdEncoding.EncodeToString(audio),
	})
}
