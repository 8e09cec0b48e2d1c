package service

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweeperConfig tunes the periodic sweep.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int // holds expired and orphans repaired per sweep
}

// Sweeper periodically expires stale tokens and elapsed holds, repairs
// seats left behind by failed releases and promotes waiting tokens.
type Sweeper struct {
	admission    *Admission
	reservations *Reservations
	inventory    *Inventory
	cfg          SweeperConfig
	log          *slog.Logger
}

func NewSweeper(adm *Admission, res *Reservations, inv *Inventory, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Sweeper{
		admission:    adm,
		reservations: res,
		inventory:    inv,
		cfg:          cfg,
		log:          componentLogger(logger, "sweeper"),
	}
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	TokensExpired  int64
	HoldsExpired   int
	SeatsRepaired  int
	TokensPromoted int
}

// RunOnce performs one sweep.  Tokens are expired before promotion so slots
// freed by expiry are offered to the waiting line in the same sweep.  Each
// step runs even if an earlier one failed; the errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var (
		out  SweepResult
		errs []error
		err  error
	)
	if out.TokensExpired, err = s.admission.ExpireStale(ctx); err != nil {
		errs = append(errs, err)
	}
	if out.HoldsExpired, err = s.reservations.ExpireDue(ctx, s.cfg.BatchSize); err != nil {
		errs = append(errs, err)
	}
	if out.SeatsRepaired, err = s.inventory.RepairOrphans(ctx, s.cfg.BatchSize); err != nil {
		errs = append(errs, err)
	}
	if out.TokensPromoted, err = s.admission.PromoteWaiting(ctx); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("sweeper started", "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Error("sweep", "err", err)
			}
			if res != (SweepResult{}) {
				s.log.Info("sweep done",
					"tokens_expired", res.TokensExpired,
					"holds_expired", res.HoldsExpired,
					"seats_repaired", res.SeatsRepaired,
					"tokens_promoted", res.TokensPromoted)
			}
		}
	}
}
