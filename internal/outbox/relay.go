package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
	"github.com/iliyamo/ticket-reservation/internal/retry"
)

// RelayConfig tunes the drain loop.
type RelayConfig struct {
	Interval       time.Duration // pause between drains
	BatchSize      int           // records per drain
	MaxRetries     int           // failed attempts before a record needs an operator
	PublishTimeout time.Duration // bound on one broker round trip
	Retention      time.Duration // SENT records older than this are purged
	PurgeEvery     time.Duration // how often Run purges
	Backoff        retry.Policy  // wait before retrying a failed record; Attempts is ignored
}

// DefaultRelayConfig is used for zero fields of the config passed to
// NewRelay.
var DefaultRelayConfig = RelayConfig{
	Interval:       time.Second,
	BatchSize:      100,
	MaxRetries:     5,
	PublishTimeout: 5 * time.Second,
	Retention:      24 * time.Hour,
	PurgeEvery:     time.Hour,
	Backoff: retry.Policy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
		Jitter:       0.2,
	},
}

// Relay drains PENDING records to a Publisher.  Only one relay drains at a
// time across instances; the others skip the round.
type Relay struct {
	repo   *repository.OutboxRepo
	pub    Publisher
	locker lock.Locker
	clock  clock.Clock
	cfg    RelayConfig
	log    *slog.Logger
}

func NewRelay(repo *repository.OutboxRepo, pub Publisher, locker lock.Locker, clk clock.Clock, cfg RelayConfig, logger *slog.Logger) *Relay {
	d := DefaultRelayConfig
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = d.PublishTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = d.Retention
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = d.PurgeEvery
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if cfg.Backoff.MaxDelay < cfg.Backoff.InitialDelay {
		cfg.Backoff.MaxDelay = max(d.Backoff.MaxDelay, cfg.Backoff.InitialDelay)
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		repo:   repo,
		pub:    pub,
		locker: locker,
		clock:  clk,
		cfg:    cfg,
		log:    logger.With("component", "outbox-relay"),
	}
}

// DrainResult counts what one drain did.
type DrainResult struct {
	Sent   int
	Failed int
}

// DrainOnce delivers one batch of deliverable records in insertion order.
// A failed delivery increments the record's retry count, marks it ERROR and
// holds it back for a backoff delay; the record is picked up again on a
// later drain until MaxRetries is reached.  The batch stops at the first
// failure so a broker outage costs one attempt, not one per record.  If
// another relay holds the drain lock, DrainOnce returns an empty result.
func (r *Relay) DrainOnce(ctx context.Context) (DrainResult, error) {
	var out DrainResult
	opts := lock.Options{Wait: 0, Lease: r.cfg.Interval + r.cfg.PublishTimeout*time.Duration(r.cfg.BatchSize)}
	err := lock.Run(ctx, r.locker, opts, []string{lock.RelayKey}, func(ctx context.Context) error {
		recs, err := r.repo.ListDeliverable(ctx, r.cfg.MaxRetries, r.clock.Now(), r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !r.deliver(ctx, rec) {
				out.Failed++
				break
			}
			out.Sent++
		}
		return nil
	})
	if errors.Is(err, model.ErrLockTimeout) {
		return DrainResult{}, nil
	}
	return out, err
}

func (r *Relay) deliver(ctx context.Context, rec model.OutboxRecord) bool {
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	err := r.pub.Publish(pubCtx, Message{
		EventID:   rec.EventID,
		Topic:     rec.Topic,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
	})
	cancel()
	now := r.clock.Now()
	if err != nil {
		attempt := rec.RetryCount + 1
		next := now.Add(r.cfg.Backoff.Delay(attempt))
		if markErr := r.repo.MarkFailed(ctx, rec.ID, err.Error(), now, next); markErr != nil {
			r.log.Error("mark failed", "id", rec.ID, "err", markErr)
		}
		if attempt >= r.cfg.MaxRetries {
			r.log.Error("delivery retries exhausted", "id", rec.ID, "event_id", rec.EventID, "topic", rec.Topic, "err", err)
		} else {
			r.log.Warn("delivery failed", "id", rec.ID, "topic", rec.Topic, "attempt", attempt, "retry_at", next, "err", err)
		}
		return false
	}
	if err := r.repo.MarkSent(ctx, rec.ID, now); err != nil {
		// Delivered but not marked; the next drain sends it again and the
		// consumer drops the duplicate by event id.
		r.log.Error("mark sent", "id", rec.ID, "err", err)
	}
	return true
}

// PurgeSent deletes SENT records older than the retention window.
func (r *Relay) PurgeSent(ctx context.Context) (int64, error) {
	return r.repo.PurgeSent(ctx, r.clock.Now().Add(-r.cfg.Retention))
}

// Failed lists records that exhausted their retries.
func (r *Relay) Failed(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	if limit <= 0 {
		limit = r.cfg.BatchSize
	}
	return r.repo.ListExhausted(ctx, r.cfg.MaxRetries, limit)
}

// Requeue gives an ERROR record a fresh retry budget.
func (r *Relay) Requeue(ctx context.Context, id uint64) error {
	if _, err := r.repo.GetByID(ctx, id); err != nil {
		return err
	}
	if err := r.repo.Requeue(ctx, id, r.clock.Now()); err != nil {
		if errors.Is(err, model.ErrVersionMismatch) {
			return model.ErrInvalidInput
		}
		return err
	}
	r.log.Info("record requeued", "id", id)
	return nil
}

// Run drains every Interval and purges every PurgeEvery until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	drain := time.NewTicker(r.cfg.Interval)
	defer drain.Stop()
	purge := time.NewTicker(r.cfg.PurgeEvery)
	defer purge.Stop()
	r.log.Info("relay started", "interval", r.cfg.Interval, "max_retries", r.cfg.MaxRetries)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopped")
			return nil
		case <-drain.C:
			res, err := r.DrainOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Error("drain", "err", err)
			}
			if res.Sent+res.Failed > 0 {
				r.log.Debug("drained", "sent", res.Sent, "failed", res.Failed)
			}
		case <-purge.C:
			n, err := r.PurgeSent(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Error("purge", "err", err)
			} else if n > 0 {
				r.log.Info("purged sent records", "count", n)
			}
		}
	}
}
