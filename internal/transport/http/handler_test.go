package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/catalog"
	"tokenmeter/internal/executor"
	"tokenmeter/internal/fulfillment"
	"tokenmeter/internal/model"
	"tokenmeter/internal/repository"
	"tokenmeter/internal/service"
)

func newTestHandler(t *testing.T, adapter fulfillment.Adapter, limiter *RateLimiter) (http.Handler, *repository.MemoryLedger) {
	t.Helper()
	c, err := catalog.New(catalog.DefaultEntries(), time.Second)
	require.NoError(t, err)

	registry := fulfillment.NewRegistry()
	for _, name := range []string{"chat", "image", "speech", "gallery"} {
		registry.Register(name, adapter)
	}

	ledger := repository.NewMemoryLedger()
	svc := service.NewMeter(executor.New(c, ledger, registry), ledger, c, nil)
	srv := NewServer(":0", svc, limiter, time.Second)
	return srv.srv.Handler, ledger
}

func echoAdapter() fulfillment.Adapter {
	return fulfillment.AdapterFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
}

func do(h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestExecute_Success(t *testing.T) {
	h, ledger := newTestHandler(t, echoAdapter(), nil)
	require.NoError(t, ledger.CreateAccount(context.Background(), "alice", 10))

	rec := do(h, http.MethodPost, "/actions/send_message", "alice", `{"character_id":"luna","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res model.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.StatusSuccess, res.Status)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(8), *res.NewBalance)
	assert.JSONEq(t, `{"character_id":"luna","message":"hi"}`, string(res.Payload))
}

func TestExecute_InsufficientBalance(t *testing.T) {
	h, ledger := newTestHandler(t, echoAdapter(), nil)
	require.NoError(t, ledger.CreateAccount(context.Background(), "bob", 3))

	rec := do(h, http.MethodPost, "/actions/generate_image", "bob", `{"prompt":"cat"}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"status":"insufficient_balance","current_balance":3,"required_tokens":5}`, rec.Body.String())
}

func TestExecute_ZeroBalanceStillReportsCurrent(t *testing.T) {
	h, _ := newTestHandler(t, echoAdapter(), nil)

	rec := do(h, http.MethodPost, "/actions/send_message", "nobody", ``)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"status":"insufficient_balance","current_balance":0,"required_tokens":2}`, rec.Body.String())
}

func TestExecute_FulfillmentFailed(t *testing.T) {
	failing := fulfillment.AdapterFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("upstream exploded")
	})
	h, ledger := newTestHandler(t, failing, nil)
	require.NoError(t, ledger.CreateAccount(context.Background(), "carol", 1000))

	rec := do(h, http.MethodPost, "/actions/unlock_gallery", "carol", `{"gallery_id":"g1"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var res model.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, model.StatusFulfillmentFailed, res.Status)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(1000), *res.NewBalance)
	assert.NotEmpty(t, res.Error)
}

func TestExecute_RequestErrors(t *testing.T) {
	h, _ := newTestHandler(t, echoAdapter(), nil)

	tests := []struct {
		name   string
		path   string
		user   string
		body   string
		status int
	}{
		{name: "missing user", path: "/actions/send_message", status: http.StatusUnauthorized},
		{name: "unknown kind", path: "/actions/teleport", user: "dave", body: `{}`, status: http.StatusNotFound},
		{name: "invalid json", path: "/actions/send_message", user: "dave", body: `{nope`, status: http.StatusBadRequest},
		{name: "invalid user", path: "/actions/send_message", user: strings.Repeat("x", 200), body: `{}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestExecute_RateLimited(t *testing.T) {
	h, ledger := newTestHandler(t, echoAdapter(), NewRateLimiter(0.001, 1))
	require.NoError(t, ledger.CreateAccount(context.Background(), "erin", 100))

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/actions/send_message", "erin", `{}`).Code)
	rec := do(h, http.MethodPost, "/actions/send_message", "erin", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Limits are per user.
	require.NoError(t, ledger.CreateAccount(context.Background(), "frank", 100))
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/actions/send_message", "frank", `{}`).Code)
}

func TestAccountsBalanceRecharge(t *testing.T) {
	h, _ := newTestHandler(t, echoAdapter(), nil)

	rec := do(h, http.MethodPost, "/accounts", "", `{"user_id":"gina","initial_amount":4}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(h, http.MethodPost, "/accounts", "", `{"user_id":"gina","initial_amount":4}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(h, http.MethodPost, "/recharge", "", `{"user_id":"gina","amount":6}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"gina","amount":10}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/recharge", "", `{"user_id":"gina","amount":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/balance", "gina", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"gina","amount":10}`, rec.Body.String())

	rec = do(h, http.MethodGet, "/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCatalogHealthMetrics(t *testing.T) {
	h, _ := newTestHandler(t, echoAdapter(), nil)

	rec := do(h, http.MethodGet, "/catalog", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Actions []struct {
			Kind string `json:"kind"`
			Cost int64  `json:"cost"`
		} `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Actions, 4)
	assert.Equal(t, "generate_image", body.Actions[0].Kind)
	assert.Equal(t, int64(5), body.Actions[0].Cost)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "", "").Code)

	rec = do(h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tokenmeter_http_requests_total")
}

func TestErrorStatus(t *testing.T) {
	status, code := errorStatus(errors.New("db down"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", code)

	status, _ = errorStatus(fulfillment.ErrAdapterNotFound)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestNewServer_WriteTimeoutCoversCeiling(t *testing.T) {
	srv := NewServer(":0", nil, nil, 5*time.Minute)
	assert.Greater(t, srv.srv.WriteTimeout, 5*time.Minute)
}
