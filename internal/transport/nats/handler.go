package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"tokenmeter/internal/fulfillment"
	"tokenmeter/internal/model"
	"tokenmeter/internal/service"
)

const (
	ExecuteSubject  = "commands.execute"
	RechargeSubject = "commands.recharge"
	queueGroup      = "meter_group"
)

// Reply is the response body for command requests. Exactly one of Result,
// Balance or Error is set.
type Reply struct {
	Result  *model.ExecutionResult `json:"result,omitempty"`
	Balance *int64                 `json:"balance,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Code    string                 `json:"code,omitempty"`
}

// Handler subscribes to NATS command topics and delegates to the meter service.
type Handler struct {
	svc  service.MeterService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.MeterService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	commands := map[string]func(context.Context, []byte) Reply{
		ExecuteSubject:  h.handleExecute,
		RechargeSubject: h.handleRecharge,
	}
	for subject, handle := range commands {
		sub, err := h.nc.QueueSubscribe(subject, queueGroup, func(m *nats.Msg) {
			reply := handle(ctx, m.Data)
			if m.Reply == "" {
				return
			}
			data, err := json.Marshal(reply)
			if err != nil {
				slog.Error("nats: failed to marshal reply", "subject", m.Subject, "error", err)
				return
			}
			if err := m.Respond(data); err != nil {
				slog.Error("nats: failed to respond", "subject", m.Subject, "error", err)
			}
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}

	slog.Info("NATS command handler is running")

	// Block until context is cancelled.
	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) handleExecute(ctx context.Context, data []byte) Reply {
	var req model.ExecuteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("nats: failed to unmarshal execute command", "error", err)
		return Reply{Error: "invalid command", Code: "invalid_json"}
	}
	res, err := h.svc.Execute(ctx, req)
	if err != nil {
		slog.Error("nats: execute failed", "error", err, "user_id", req.UserID, "kind", req.Kind)
		return errorReply(err)
	}
	return Reply{Result: res}
}

func (h *Handler) handleRecharge(ctx context.Context, data []byte) Reply {
	var req model.RechargeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("nats: failed to unmarshal recharge command", "error", err)
		return Reply{Error: "invalid command", Code: "invalid_json"}
	}
	balance, err := h.svc.Recharge(ctx, req)
	if err != nil {
		slog.Error("nats: recharge failed", "error", err, "user_id", req.UserID)
		return errorReply(err)
	}
	return Reply{Balance: &balance}
}

func errorReply(err error) Reply {
	switch {
	case errors.Is(err, model.ErrUnknownActionKind):
		return Reply{Error: err.Error(), Code: "unknown_action_kind"}
	case errors.Is(err, model.ErrUserNotFound):
		return Reply{Error: err.Error(), Code: "invalid_user"}
	case errors.Is(err, model.ErrInvalidAmount):
		return Reply{Error: err.Error(), Code: "invalid_amount"}
	case errors.Is(err, fulfillment.ErrAdapterNotFound):
		return Reply{Error: err.Error(), Code: "action_unavailable"}
	default:
		return Reply{Error: "internal error", Code: "internal_error"}
	}
}
