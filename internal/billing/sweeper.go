package billing

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper requeues webhook events that were accepted but never settled, for
// example when the process died between the durable insert and the queue
// push. MarkProcessing tolerates a second worker arriving for the same
// event, so a false positive costs one no-op attempt.
type Sweeper struct {
	store    Store
	queue    EventQueue
	interval time.Duration
	maxAge   time.Duration
	stopCh   chan struct{}
}

func NewSweeper(store Store, queue EventQueue, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Sweeper{
		store:    store,
		queue:    queue,
		interval: interval,
		maxAge:   maxAge,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop in a goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop signals the sweeper to shut down.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// One pass shortly after boot picks up anything orphaned by the
	// previous run.
	select {
	case <-time.After(30 * time.Second):
		s.sweep()
	case <-s.stopCh:
		return
	}

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.maxAge)

	ids, err := s.store.StuckEventIDs(ctx, cutoff, 100)
	if err != nil {
		slog.Error("sweep stuck webhook events", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.queue.EnqueueWebhookEvent(ctx, id); err != nil {
			slog.Error("requeue stuck webhook event", "event_id", id, "error", err)
			continue
		}
		slog.Info("requeued stuck webhook event", "event_id", id)
	}
}
