package assets

import (
	"context"
	"log/slog"
	"time"

	"fortuna/observability"
	"fortuna/observability/logging"
	"fortuna/storage"
)

// Issuer is the slice of the asset service the outbox worker needs.
type Issuer interface {
	Issue(ctx context.Context, account, itemRef, idemKey string) (string, error)
}

// maxBackoff caps the exponential retry schedule.
const maxBackoff = time.Hour

// Worker drives at-least-once prize issuance for draws whose synchronous
// issue attempt failed. The idempotency key stored with each entry dedupes
// at the asset service, so redelivery is safe.
type Worker struct {
	store       *storage.Store
	issuer      Issuer
	metrics     *observability.OutboxMetrics
	log         *slog.Logger
	interval    time.Duration
	maxAttempts int64
	backoff     time.Duration
	now         func() time.Time
}

// WorkerOption customises the worker instance.
type WorkerOption func(*Worker)

// WithInterval configures the polling cadence.
func WithInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithMaxAttempts bounds redelivery before an entry is parked for manual
// reconciliation.
func WithMaxAttempts(n int64) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithBackoff sets the base retry delay; attempts double it up to an hour.
func WithBackoff(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.backoff = d
		}
	}
}

// WithWorkerClock sets the function used to derive timestamps.
func WithWorkerClock(clock func() time.Time) WorkerOption {
	return func(w *Worker) {
		if clock != nil {
			w.now = clock
		}
	}
}

// WithWorkerLogger overrides the default logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWorker constructs an outbox worker over the given store and issuer.
func NewWorker(store *storage.Store, issuer Issuer, opts ...WorkerOption) *Worker {
	worker := &Worker{
		store:       store,
		issuer:      issuer,
		metrics:     observability.Outbox(),
		log:         slog.Default().With("component", "outbox"),
		interval:    30 * time.Second,
		maxAttempts: 10,
		backoff:     time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(worker)
	}
	return worker
}

// Run polls for due entries until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ProcessOnce(ctx); err != nil {
				w.log.Error("outbox pass failed", "error", err)
			}
		}
	}
}

// ProcessOnce delivers every due entry once and refreshes the depth gauge.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	now := w.now().UTC()
	entries, err := w.store.DueOutbox(ctx, now, 50)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, issueErr := w.issuer.Issue(ctx, entry.UserID, entry.PrizeRef, entry.IdempotencyKey)
		if issueErr == nil {
			if err := w.store.MarkOutboxDelivered(ctx, entry.ID); err != nil {
				return err
			}
			w.metrics.RecordDelivered()
			continue
		}
		if entry.Attempts+1 >= w.maxAttempts {
			if err := w.store.MarkOutboxAbandoned(ctx, entry.ID, issueErr.Error()); err != nil {
				return err
			}
			w.metrics.RecordAbandoned()
			w.log.Error("issuance abandoned",
				"draw_id", entry.DrawID,
				logging.MaskField("user_id", entry.UserID),
				"attempts", entry.Attempts+1,
				"error", issueErr)
			continue
		}
		delay := w.backoff << uint(entry.Attempts)
		if delay > maxBackoff || delay <= 0 {
			delay = maxBackoff
		}
		if err := w.store.MarkOutboxRetry(ctx, entry.ID, now.Add(delay), issueErr.Error()); err != nil {
			return err
		}
		w.metrics.RecordRetry()
		w.log.Warn("issuance retry scheduled",
			"draw_id", entry.DrawID,
			"attempts", entry.Attempts+1,
			"next_attempt_in", delay,
			"error", issueErr)
	}
	depth, err := w.store.PendingOutboxDepth(ctx)
	if err != nil {
		return err
	}
	w.metrics.SetDepth(depth)
	return nil
}
