// internal/farm/serve.go
package farm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-renderfarm/internal/bus"
	"github.com/tendant/simple-renderfarm/internal/protocol"
	"github.com/tendant/simple-renderfarm/internal/transport"
	"github.com/tendant/simple-renderfarm/pkg/schema"
)

// ListenResults feeds render results published by workers into h.
func (h *Hub) ListenResults(c *bus.Client) (*nats.Subscription, error) {
	return bus.Subscribe(c, h.opts.Subjects.Results(), func(_ context.Context, r schema.RenderResult) {
		h.Result(r)
	}, func(err error) {
		h.logger.Warn("bad render result", "err", err)
	})
}

// ServeClient joins conn to the hub and forwards its commands until the
// connection ends.
func (h *Hub) ServeClient(conn *transport.Conn) error {
	h.Join(conn)
	defer h.Leave(conn)

	return conn.Run(func(m protocol.Message) {
		if m.Kind != protocol.Text {
			h.logger.Warn("ignoring binary message from client", "bytes", len(m.Data))
			h.metrics.Violation("client_binary")
			return
		}
		msg, err := schema.DecodeClientMessage(m.Data)
		if err != nil {
			h.logger.Warn("bad client message", "err", err)
			h.metrics.Violation("bad_client_message")
			return
		}
		h.Command(conn, msg)
	})
}

// WebsocketHandler upgrades requests and serves them as clients. The send
// queue always has room for a full catch-up of the current job.
func (h *Hub) WebsocketHandler(queueLen int) http.HandlerFunc {
	if queueLen <= 0 {
		queueLen = transport.DefaultQueueLen
	}
	return func(w http.ResponseWriter, r *http.Request) {
		qlen := max(queueLen, catchUpLen(int(h.totalFrames.Load())))
		conn, err := transport.Upgrade(w, r, transport.Options{QueueLen: qlen, Logger: h.logger})
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		if err := h.ServeClient(conn); err != nil {
			h.logger.Info("client connection ended", "remote", r.RemoteAddr, "err", err)
		}
	}
}

// StatusHandler reports the farm status as JSON.
func (h *Hub) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := h.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			h.logger.Warn("write status failed", slog.Any("err", err))
		}
	}
}

// catchUpLen is the number of outbound units a joining client receives for a
// job of total frames, with slack for live updates racing the replay.
func catchUpLen(total int) int {
	return total + 3 + 16
}
