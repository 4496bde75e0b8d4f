// Package notify delivers parent-facing alerts (bus approaching, trip closed)
// through pluggable senders, off the ingest path.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/bus-tracking/internal/observability"
)

type Kind string

const (
	KindStopApproaching Kind = "stop_approaching"
	KindTripClosed      Kind = "trip_closed"
)

type Notification struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	TripID     string    `json:"trip_id"`
	StopID     string    `json:"stop_id,omitempty"`
	StopName   string    `json:"stop_name,omitempty"`
	DistanceKm float64   `json:"distance_km,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ParentIDs  []string  `json:"parent_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notifier accepts a notification for asynchronous delivery. It reports false
// when the notification was dropped.
type Notifier interface {
	Notify(n Notification) bool
}

// Sender performs the actual delivery over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Dispatcher queues notifications and fans them out to every sender from a
// fixed worker pool.
type Dispatcher struct {
	queue   chan Notification
	senders []Sender
	workers int
	timeout time.Duration
	logger  *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

func NewDispatcher(size, workers int, logger *slog.Logger, senders ...Sender) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   make(chan Notification, size),
		senders: senders,
		workers: workers,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Notify never blocks. A full queue drops the notification.
func (d *Dispatcher) Notify(n Notification) bool {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		observability.NotificationsDropped.Inc()
		return false
	}
	select {
	case d.queue <- n:
		return true
	default:
		observability.NotificationsDropped.Inc()
		d.logger.Warn("notification queue full, dropping", "trip_id", n.TripID, "kind", n.Kind)
		return false
	}
}

// Start launches the workers. They exit once Stop has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for n := range d.queue {
				d.deliver(ctx, n)
			}
		}()
	}
}

// Stop refuses new notifications and waits for queued ones to be delivered.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for _, s := range d.senders {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		err := s.Send(sendCtx, n)
		cancel()
		if err != nil {
			observability.NotificationsSent.WithLabelValues(s.Name(), "error").Inc()
			d.logger.Error("notification delivery failed", "sender", s.Name(), "trip_id", n.TripID, "kind", n.Kind, "err", err)
			continue
		}
		observability.NotificationsSent.WithLabelValues(s.Name(), "ok").Inc()
	}
}

// LogSender writes notifications to the log. Used when no delivery channel
// is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (LogSender) Name() string { return "log" }

func (l LogSender) Send(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", n.Kind, "trip_id", n.TripID, "stop_id", n.StopID, "parents", len(n.ParentIDs))
	return nil
}
