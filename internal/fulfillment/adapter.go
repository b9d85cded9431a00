package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Adapter performs the actual work behind an action. Adapters never touch
// the ledger; the executor charges or refunds based on the returned error.
// Fulfill must honor ctx cancellation where the underlying call allows it.
type Adapter interface {
	Fulfill(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f AdapterFunc) Fulfill(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

var (
	ErrAdapterNotFound = errors.New("fulfillment adapter not found")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrAlreadyUnlocked = errors.New("gallery already unlocked")
)

// ProviderError is returned when an upstream provider answers with a
// non-success status. StatusCode is 0 when no response was received.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

type userKey struct{}

// WithUser attaches the acting user to ctx for adapters that need it.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}
