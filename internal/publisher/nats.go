// Package publisher mirrors tracking events onto NATS subjects for
// downstream consumers.
package publisher

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/example/bus-tracking/internal/tracking"
)

// Conn is the part of *nats.Conn the sink needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes every event to bus.<group kind>.<group id>.<event type>,
// e.g. bus.trip.T42.position_update.
type NATSSink struct {
	conn   Conn
	nc     *nats.Conn
	prefix string
}

func Connect(url string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("bus-tracking"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	s := NewNATSSink(nc, "bus")
	s.nc = nc
	return s, nil
}

func NewNATSSink(conn Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "bus"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Forward(_ context.Context, g tracking.Group, e tracking.Event) error {
	b, err := tracking.Encode(e)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(g, tracking.TypeOf(e)), b)
}

func (s *NATSSink) Subject(g tracking.Group, t tracking.EventType) string {
	kind, id, ok := strings.Cut(string(g), ":")
	if !ok {
		kind, id = "group", kind
	}
	return strings.Join([]string{s.prefix, subjectToken(kind), subjectToken(id), string(t)}, ".")
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// tokens cannot contain spaces, wildcards or dots
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
