package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"tokenmeter/internal/model"
	"tokenmeter/internal/service"
)

type mockService struct {
	executeReq model.ExecuteRequest
	executeRes *model.ExecutionResult
	executeErr error
	balance    int64
	recorded   []model.LedgerEvent
	recordErr  error
}

func (m *mockService) Execute(ctx context.Context, req model.ExecuteRequest) (*model.ExecutionResult, error) {
	m.executeReq = req
	return m.executeRes, m.executeErr
}

func (m *mockService) Recharge(ctx context.Context, req model.RechargeRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, model.ErrInvalidAmount
	}
	m.balance += req.Amount
	return m.balance, nil
}

func (m *mockService) GetBalance(ctx context.Context, userID string) (int64, error) {
	return m.balance, nil
}

func (m *mockService) CreateAccount(ctx context.Context, req model.CreateAccountRequest) error {
	return nil
}

func (m *mockService) ListActions() []model.ActionDescriptor { return nil }

func (m *mockService) RecordEvent(ctx context.Context, event model.LedgerEvent) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.recorded = append(m.recorded, event)
	return nil
}

var _ service.MeterService = (*mockService)(nil)

func startServer(t *testing.T, svc service.MeterService) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer("bufnet", svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestMeterService_Execute(t *testing.T) {
	balance := int64(8)
	svc := &mockService{executeRes: &model.ExecutionResult{
		Status:     model.StatusSuccess,
		NewBalance: &balance,
		Payload:    json.RawMessage(`{"reply":"hi"}`),
	}}
	client := NewMeterClient(startServer(t, svc))

	res, err := client.Execute(context.Background(), &model.ExecuteRequest{
		UserID:  "alice",
		Kind:    model.ActionSendMessage,
		Payload: json.RawMessage(`{"message":"hello"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(8), *res.NewBalance)
	assert.JSONEq(t, `{"reply":"hi"}`, string(res.Payload))

	assert.Equal(t, "alice", svc.executeReq.UserID)
	assert.JSONEq(t, `{"message":"hello"}`, string(svc.executeReq.Payload))
}

func TestMeterService_ErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{err: model.ErrUnknownActionKind, code: codes.NotFound},
		{err: model.ErrUserNotFound, code: codes.InvalidArgument},
		{err: errors.New("db down"), code: codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			client := NewMeterClient(startServer(t, &mockService{executeErr: tt.err}))
			_, err := client.Execute(context.Background(), &model.ExecuteRequest{UserID: "bob", Kind: "x"})
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestMeterService_RechargeAndBalance(t *testing.T) {
	svc := &mockService{balance: 5}
	client := NewMeterClient(startServer(t, svc))

	res, err := client.Recharge(context.Background(), &model.RechargeRequest{UserID: "carol", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(15), res.Balance)

	_, err = client.Recharge(context.Background(), &model.RechargeRequest{UserID: "carol", Amount: 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	bal, err := client.GetBalance(context.Background(), &BalanceRequest{UserID: "carol"})
	require.NoError(t, err)
	assert.Equal(t, "carol", bal.UserID)
	assert.Equal(t, int64(15), bal.Balance)
}

func TestServer_Publish(t *testing.T) {
	svc := &mockService{}
	server := &Server{svc: svc}

	event := model.LedgerEvent{ID: "r1:committed", Type: model.EventCommitted, UserID: "user123", Amount: 2}
	payload, _ := json.Marshal(event)

	res, err := server.Publish(context.Background(), &EventRequest{Topic: model.LedgerEventsTopic, Payload: payload})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, svc.recorded, 1)
	assert.Equal(t, "user123", svc.recorded[0].UserID)

	res, err = server.Publish(context.Background(), &EventRequest{Topic: "other", Payload: payload})
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = server.Publish(context.Background(), &EventRequest{Topic: model.LedgerEventsTopic, Payload: []byte("{")})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestGrpcBus_PublishesToEventService(t *testing.T) {
	svc := &mockService{}
	conn := startServer(t, svc)
	bus := newGrpcBus(conn, 0)

	payload, _ := json.Marshal(model.LedgerEvent{ID: "e1", Type: model.EventCredited, UserID: "dave"})
	require.NoError(t, bus.Publish(model.LedgerEventsTopic, payload))
	require.Len(t, svc.recorded, 1)

	svc.recordErr = errors.New("journal unavailable")
	assert.EqualError(t, bus.Publish(model.LedgerEventsTopic, payload), "journal unavailable")
}

func TestGrpcBus_BufferedDeliversOnClose(t *testing.T) {
	svc := &mockService{}
	bus := newGrpcBus(startServer(t, svc), 8)

	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(model.LedgerEvent{ID: fmt.Sprintf("e%d", i), Type: model.EventCredited, UserID: "erin"})
		require.NoError(t, bus.Publish(model.LedgerEventsTopic, payload))
	}
	bus.Close()
	bus.Close()

	require.Len(t, svc.recorded, 3)
	assert.Equal(t, "e0", svc.recorded[0].ID)
	assert.Equal(t, "e2", svc.recorded[2].ID)
}
