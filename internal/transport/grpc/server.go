package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tokenmeter/internal/fulfillment"
	"tokenmeter/internal/model"
	"tokenmeter/internal/service"
)

type Server struct {
	svc  service.MeterService
	srv  *grpc.Server
	addr string
}

func NewServer(addr string, svc service.MeterService) *Server {
	s := &Server{
		svc:  svc,
		addr: addr,
		srv:  grpc.NewServer(grpc.ChainUnaryInterceptor(recoverInterceptor, logInterceptor)),
	}
	s.srv.RegisterService(&meterServiceDesc, s)
	s.srv.RegisterService(&eventServiceDesc, s)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) Execute(ctx context.Context, req *model.ExecuteRequest) (*model.ExecutionResult, error) {
	res, err := s.svc.Execute(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) Recharge(ctx context.Context, req *model.RechargeRequest) (*BalanceResponse, error) {
	balance, err := s.svc.Recharge(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{UserID: req.UserID, Balance: balance}, nil
}

func (s *Server) GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	balance, err := s.svc.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{UserID: req.UserID, Balance: balance}, nil
}

// Publish receives ledger events from remote publishers and journals them.
func (s *Server) Publish(ctx context.Context, req *EventRequest) (*EventResponse, error) {
	if req.Topic != model.LedgerEventsTopic {
		return &EventResponse{Success: false, ErrorMessage: fmt.Sprintf("unsupported topic %q", req.Topic)}, nil
	}

	var event model.LedgerEvent
	if err := json.Unmarshal(req.Payload, &event); err != nil {
		return &EventResponse{Success: false, ErrorMessage: "invalid payload"}, nil
	}
	if err := s.svc.RecordEvent(ctx, event); err != nil {
		slog.Error("grpc: failed to record ledger event", "event_id", event.ID, "error", err)
		return &EventResponse{Success: false, ErrorMessage: err.Error()}, nil
	}
	return &EventResponse{Success: true}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, model.ErrUnknownActionKind), errors.Is(err, model.ErrReservationNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrUserNotFound), errors.Is(err, model.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrAccountExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, fulfillment.ErrAdapterNotFound):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		slog.Warn("grpc: call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	}
	return resp, err
}

func recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("grpc: panic in handler", "method", info.FullMethod, "panic", r)
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

var (
	_ MeterServer = (*Server)(nil)
	_ EventServer = (*Server)(nil)
)
