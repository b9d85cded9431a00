package grpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const publishTimeout = 5 * time.Second

var ErrBusFull = errors.New("grpc bus: buffer full")

type busMessage struct {
	topic string
	data  []byte
}

// GrpcBus publishes events to a remote EventService over gRPC.
// Used when BusProvider == "grpc" in config. With a buffer, Publish only
// enqueues and a background goroutine delivers in order.
type GrpcBus struct {
	conn   *grpc.ClientConn
	client *EventClient
	queue  chan busMessage
	done   chan struct{}
	once   sync.Once
}

// NewGrpcBusFromAddr dials the remote EventService and returns a GrpcBus and a cleanup function.
func NewGrpcBusFromAddr(addr string, bufferSize int) (*GrpcBus, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	b := newGrpcBus(conn, bufferSize)
	cleanup := func() {
		b.Close()
		_ = conn.Close()
	}
	return b, cleanup, nil
}

func newGrpcBus(conn *grpc.ClientConn, bufferSize int) *GrpcBus {
	b := &GrpcBus{conn: conn, client: NewEventClient(conn)}
	if bufferSize > 0 {
		b.queue = make(chan busMessage, bufferSize)
		b.done = make(chan struct{})
		go b.run()
	}
	return b
}

// Publish sends an event to the remote EventService.
func (b *GrpcBus) Publish(topic string, data []byte) error {
	if b.queue == nil {
		return b.send(topic, data)
	}
	select {
	case b.queue <- busMessage{topic: topic, data: data}:
		return nil
	default:
		return ErrBusFull
	}
}

// Close stops accepting events and waits until the buffer is delivered.
func (b *GrpcBus) Close() {
	if b.queue == nil {
		return
	}
	b.once.Do(func() {
		close(b.queue)
		<-b.done
	})
}

func (b *GrpcBus) run() {
	defer close(b.done)
	for msg := range b.queue {
		if err := b.send(msg.topic, msg.data); err != nil {
			slog.Warn("grpc bus: failed to deliver event", "topic", msg.topic, "error", err)
		}
	}
}

func (b *GrpcBus) send(topic string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	res, err := b.client.Publish(ctx, &EventRequest{Topic: topic, Payload: data})
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.ErrorMessage)
	}
	return nil
}
