package model

import (
	"encoding/json"
	"time"
)

type ActionKind string

const (
	ActionSendMessage    ActionKind = "send_message"
	ActionGenerateImage  ActionKind = "generate_image"
	ActionGenerateSpeech ActionKind = "generate_speech"
	ActionUnlockGallery  ActionKind = "unlock_gallery"
)

// KnownKinds lists every action kind the catalog accepts.
var KnownKinds = []ActionKind{
	ActionSendMessage,
	ActionGenerateImage,
	ActionGenerateSpeech,
	ActionUnlockGallery,
}

func (k ActionKind) Valid() bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ActionDescriptor is a value type: the executor keeps its own copy for the
// lifetime of one execution.
type ActionDescriptor struct {
	Kind        ActionKind    `json:"kind"`
	Cost        int64         `json:"cost"`
	Fulfillment string        `json:"fulfillment"`
	Timeout     time.Duration `json:"timeout"`
}

type Balance struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type ReservationState string

const (
	ReservationHeld       ReservationState = "held"
	ReservationCommitted  ReservationState = "committed"
	ReservationRolledBack ReservationState = "rolled_back"
)

type Reservation struct {
	ID         string           `json:"reservation_id"`
	UserID     string           `json:"user_id"`
	Amount     int64            `json:"amount"`
	State      ReservationState `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	// BalanceAfter is the user's balance right after the latest call that
	// returned this reservation (reserve, commit or rollback).
	BalanceAfter int64 `json:"balance_after"`
}

type ExecutionStatus string

const (
	StatusSuccess             ExecutionStatus = "success"
	StatusInsufficientBalance ExecutionStatus = "insufficient_balance"
	StatusFulfillmentFailed   ExecutionStatus = "fulfillment_failed"
)

type ExecutionResult struct {
	Status         ExecutionStatus `json:"status"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	NewBalance     *int64          `json:"new_balance,omitempty"`
	CurrentBalance *int64          `json:"current_balance,omitempty"`
	RequiredTokens int64           `json:"required_tokens,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type ExecuteRequest struct {
	UserID  string          `json:"user_id"`
	Kind    ActionKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type RechargeRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

type CreateAccountRequest struct {
	UserID        string `json:"user_id"`
	InitialAmount int64  `json:"initial_amount"`
}
