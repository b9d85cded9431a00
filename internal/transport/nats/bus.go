package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const flushTimeout = 5 * time.Second

// Bus publishes ledger events on core NATS subjects. Delivery is at most
// once; the journal tolerates gaps and duplicates.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

func (b *Bus) Publish(topic string, data []byte) error {
	msg := nats.NewMsg(topic)
	msg.Header.Set("Content-Type", "application/json")
	msg.Data = data
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Close flushes buffered publishes and closes the connection.
func (b *Bus) Close() {
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		slog.Warn("nats bus: flush before close failed", "error", err)
	}
	b.nc.Close()
}
