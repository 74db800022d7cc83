package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hed1ad/kddguard/internal/alerts"
	"github.com/hed1ad/kddguard/internal/metrics"
)

const (
	alertQueueSize   = 1024
	alertSendTimeout = 5 * time.Second
)

// notifier hands alerts to a sink off the request path. Alerts arriving
// while the queue is full, or after stop, are dropped.
type notifier struct {
	sink    alerts.Sink
	queue   chan alerts.Alert
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newNotifier(sink alerts.Sink) *notifier {
	return &notifier{
		sink:  sink,
		queue: make(chan alerts.Alert, alertQueueSize),
		done:  make(chan struct{}),
	}
}

func (n *notifier) start(logger *slog.Logger, m *metrics.Metrics) {
	n.logger, n.metrics = logger, m
	go n.run()
}

func (n *notifier) run() {
	defer close(n.done)
	for a := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
		err := n.sink.Publish(ctx, a)
		cancel()

		outcome := "sent"
		if err != nil {
			outcome = "failed"
			n.logger.Warn("alert not delivered", "error", err, "connection_id", a.ConnectionID)
		}
		n.observe(outcome)
	}
}

func (n *notifier) enqueue(a alerts.Alert) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.logger.Warn("alert notifier stopped, dropping alert", "connection_id", a.ConnectionID)
		n.observe("dropped")
		return
	}
	select {
	case n.queue <- a:
	default:
		n.logger.Warn("alert queue full, dropping alert", "connection_id", a.ConnectionID)
		n.observe("dropped")
	}
}

func (n *notifier) observe(outcome string) {
	if n.metrics != nil {
		n.metrics.ObserveAlert(outcome)
	}
}

// stop closes the queue and waits for queued alerts to be sent. Later
// enqueues are dropped.
func (n *notifier) stop() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}
