package infrastructure

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

func connectNats(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("nats: no url configured")
	}

	nc, err := nats.Connect(url,
		nats.Name("tokenmeter"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}

	return nc, nil
}
