package grpc

import (
	"context"

	"google.golang.org/grpc"

	"tokenmeter/internal/model"
)

const (
	meterServiceName = "tokenmeter.MeterService"
	eventServiceName = "tokenmeter.EventService"
)

type BalanceRequest struct {
	UserID string `json:"user_id"`
}

type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type EventRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type EventResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type MeterServer interface {
	Execute(ctx context.Context, req *model.ExecuteRequest) (*model.ExecutionResult, error)
	Recharge(ctx context.Context, req *model.RechargeRequest) (*BalanceResponse, error)
	GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error)
}

type EventServer interface {
	Publish(ctx context.Context, req *EventRequest) (*EventResponse, error)
}

// unary adapts a typed method to grpc.MethodHandler, honoring interceptors.
func unary[Req, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var meterServiceDesc = grpc.ServiceDesc{
	ServiceName: meterServiceName,
	HandlerType: (*MeterServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler: unary("/"+meterServiceName+"/Execute",
				func(srv any, ctx context.Context, req *model.ExecuteRequest) (*model.ExecutionResult, error) {
					return srv.(MeterServer).Execute(ctx, req)
				}),
		},
		{
			MethodName: "Recharge",
			Handler: unary("/"+meterServiceName+"/Recharge",
				func(srv any, ctx context.Context, req *model.RechargeRequest) (*BalanceResponse, error) {
					return srv.(MeterServer).Recharge(ctx, req)
				}),
		},
		{
			MethodName: "GetBalance",
			Handler: unary("/"+meterServiceName+"/GetBalance",
				func(srv any, ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
					return srv.(MeterServer).GetBalance(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenmeter/meter",
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*EventServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler: unary("/"+eventServiceName+"/Publish",
				func(srv any, ctx context.Context, req *EventRequest) (*EventResponse, error) {
					return srv.(EventServer).Publish(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenmeter/event",
}

// MeterClient calls a remote MeterService.
type MeterClient struct {
	cc grpc.ClientConnInterface
}

func NewMeterClient(cc grpc.ClientConnInterface) *MeterClient {
	return &MeterClient{cc: cc}
}

func (c *MeterClient) Execute(ctx context.Context, req *model.ExecuteRequest, opts ...grpc.CallOption) (*model.ExecutionResult, error) {
	out := new(model.ExecutionResult)
	if err := c.cc.Invoke(ctx, "/"+meterServiceName+"/Execute", req, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MeterClient) Recharge(ctx context.Context, req *model.RechargeRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	out := new(BalanceResponse)
	if err := c.cc.Invoke(ctx, "/"+meterServiceName+"/Recharge", req, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MeterClient) GetBalance(ctx context.Context, req *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	out := new(BalanceResponse)
	if err := c.cc.Invoke(ctx, "/"+meterServiceName+"/GetBalance", req, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventClient calls a remote EventService.
type EventClient struct {
	cc grpc.ClientConnInterface
}

func NewEventClient(cc grpc.ClientConnInterface) *EventClient {
	return &EventClient{cc: cc}
}

func (c *EventClient) Publish(ctx context.Context, req *EventRequest, opts ...grpc.CallOption) (*EventResponse, error) {
	out := new(EventResponse)
	if err := c.cc.Invoke(ctx, "/"+eventServiceName+"/Publish", req, out, withJSON(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withJSON(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}
