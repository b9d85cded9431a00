package fulfillment

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	CharacterID string        `json:"character_id"`
	Message     string        `json:"message"`
	History     []chatMessage `json:"history"`
}

type chatReply struct {
	CharacterID string `json:"character_id"`
	Reply       string `json:"reply"`
}

// ChatAdapter sends a companion message to an OpenAI-compatible
// chat completions endpoint.
type ChatAdapter struct {
	provider *Provider
	model    string
}

func NewChatAdapter(p *Provider, model string) *ChatAdapter {
	return &ChatAdapter{provider: p, model: model}
}

func (a *ChatAdapter) Fulfill(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req chatRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.CharacterID) == "" {
		return nil, ErrInvalidPayload
	}

	messages := make([]chatMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, ErrInvalidPayload
		}
		messages = append(messages, m)
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Message})

	upstream := map[string]any{
		"model":    a.model,
		"messages": messages,
		"metadata": map[string]string{"character_id": req.CharacterID},
	}
	if userID, ok := UserFromContext(ctx); ok {
		upstream["user"] = userID
	}

	body, _, err := a.provider.post(ctx, "/chat/completions", upstream)
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return nil, &ProviderError{Provider: a.provider.name, StatusCode: 200, Message: "response has no message content"}
	}

	return json.Marshal(chatReply{CharacterID: req.CharacterID, Reply: content.String()})
}
