package sched

import (
	"context"
	"log/slog"
	"time"

	"bot-pedidos/internal/metrics"
)

// SessionSource lists idle senders and retries pending session writes.
type SessionSource interface {
	Flush(ctx context.Context) int
	ListExpired(ctx context.Context, now time.Time, timeout time.Duration) []string
}

// Evictor clears a sender's conversation together with its session.
type Evictor interface {
	Expire(ctx context.Context, sender string, timeout time.Duration) bool
}

// SessionSweeper periodically evicts senders idle longer than the timeout.
type SessionSweeper struct {
	interval time.Duration
	timeout  time.Duration
	sessions SessionSource
	evictor  Evictor
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func NewSessionSweeper(interval, timeout time.Duration, sessions SessionSource, evictor Evictor, logger *slog.Logger, metrics *metrics.Metrics) *SessionSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionSweeper{
		interval: interval,
		timeout:  timeout,
		sessions: sessions,
		evictor:  evictor,
		metrics:  metrics,
		log:      logger.With("component", "session_sweeper"),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (w *SessionSweeper) Run(ctx context.Context) error {
	w.log.Info("starting session sweeper", "interval", w.interval, "idle_timeout", w.timeout)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("stopping session sweeper")
			return ctx.Err()
		case <-ticker.C:
			if n := w.RunOnce(ctx); n > 0 {
				w.log.Info("idle sessions evicted", "count", n)
			}
		}
	}
}

// RunOnce performs a single sweep and returns the number of evicted senders.
func (w *SessionSweeper) RunOnce(ctx context.Context) int {
	if pending := w.sessions.Flush(ctx); pending > 0 {
		w.log.Warn("session writes still pending", "count", pending)
	}

	evicted := 0
	for _, sender := range w.sessions.ListExpired(ctx, w.now(), w.timeout) {
		if ctx.Err() != nil {
			break
		}
		if w.evictor.Expire(ctx, sender, w.timeout) {
			evicted++
		}
	}
	if evicted > 0 && w.metrics != nil {
		w.metrics.SessionsEvicted.Add(float64(evicted))
	}
	return evicted
}
