package service

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
)

// AdmissionConfig bounds how many buyers of one schedule may be in the
// reservation flow at once.
type AdmissionConfig struct {
	Ceiling         int           // maximum ACTIVE tokens a promotion batch fills up to
	ThresholdFactor float64       // Issue admits directly while active < Ceiling*ThresholdFactor
	ActiveTTL       time.Duration // validity of an ACTIVE token
	WaitingTTL      time.Duration // validity of a WAITING token
	PromoteBatch    int           // tokens promoted per schedule per sweep
}

var DefaultAdmissionConfig = AdmissionConfig{
	Ceiling:         40,
	ThresholdFactor: 1.0,
	ActiveTTL:       10 * time.Minute,
	WaitingTTL:      60 * time.Minute,
	PromoteBatch:    10,
}

func (c AdmissionConfig) withDefaults() AdmissionConfig {
	d := DefaultAdmissionConfig
	if c.Ceiling <= 0 {
		c.Ceiling = d.Ceiling
	}
	if c.ThresholdFactor < 1 {
		c.ThresholdFactor = d.ThresholdFactor
	}
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = d.ActiveTTL
	}
	if c.WaitingTTL <= 0 {
		c.WaitingTTL = d.WaitingTTL
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = d.PromoteBatch
	}
	return c
}

// burstLimit is the active count below which Issue still admits directly.
func (c AdmissionConfig) burstLimit() int {
	return int(math.Floor(float64(c.Ceiling) * c.ThresholdFactor))
}

// Admission is the token queue in front of the reservation flow.
type Admission struct {
	db        *sql.DB
	tokens    *repository.TokenRepo
	schedules *repository.ScheduleRepo
	locker    lock.Locker
	lockOpts  lock.Options
	clock     clock.Clock
	cfg       AdmissionConfig
	log       *slog.Logger
}

func NewAdmission(db *sql.DB, locker lock.Locker, lockOpts lock.Options, clk clock.Clock, cfg AdmissionConfig, logger *slog.Logger) *Admission {
	return &Admission{
		db:        db,
		tokens:    repository.NewTokenRepo(db),
		schedules: repository.NewScheduleRepo(db),
		locker:    locker,
		lockOpts:  lockOpts,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		log:       componentLogger(logger, "admission"),
	}
}

// Config returns the effective configuration.
func (s *Admission) Config() AdmissionConfig { return s.cfg }

// Issue enters a user into the queue of a schedule.  The token is ACTIVE
// right away when the active count is below floor(Ceiling*ThresholdFactor)
// and nobody is waiting, WAITING otherwise.  A user who already holds a WAITING or ACTIVE token
// for the schedule gets model.ErrDuplicateToken; re-entering means going to
// the back of the line after the old token expires.
func (s *Admission) Issue(ctx context.Context, userID, scheduleID uint64) (tok *model.Token, err error) {
	ctx, span := tracer.Start(ctx, "admission.Issue", trace.WithAttributes(
		attribute.Int64("user.id", int64(userID)),
		attribute.Int64("schedule.id", int64(scheduleID)),
	))
	defer func() { endSpan(span, err) }()

	if userID == 0 {
		return nil, model.ErrInvalidInput
	}
	if _, err := s.schedules.GetByID(ctx, scheduleID); err != nil {
		return nil, err
	}
	err = lock.Run(ctx, s.locker, s.lockOpts, []string{lock.ScheduleKey(scheduleID)}, func(ctx context.Context) error {
		return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			now := s.clock.Now()
			live, err := s.tokens.FindLiveTx(ctx, tx, userID, scheduleID)
			if err != nil {
				return err
			}
			if live != nil {
				if !live.Elapsed(now) {
					return model.ErrDuplicateToken
				}
				// Elapsed but not swept yet: retire it so the pair is free.
				if err := s.tokens.ExpireTx(ctx, tx, live.ID, live.Version); err != nil {
					return err
				}
			}
			active, err := s.tokens.CountActiveTx(ctx, tx, scheduleID, now)
			if err != nil {
				return err
			}
			waiting, err := s.tokens.OldestWaitingTx(ctx, tx, scheduleID, now, 1)
			if err != nil {
				return err
			}
			t := &model.Token{
				ID:         uuid.NewString(),
				UserID:     userID,
				ScheduleID: scheduleID,
				CreatedAt:  now,
			}
			if active < s.cfg.burstLimit() && len(waiting) == 0 {
				t.Status = model.TokenActive
				t.ExpiresAt = now.Add(s.cfg.ActiveTTL)
			} else {
				t.Status = model.TokenWaiting
				t.ExpiresAt = now.Add(s.cfg.WaitingTTL)
			}
			if err := s.tokens.CreateTx(ctx, tx, t); err != nil {
				return err
			}
			tok = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("token.status", string(tok.Status)))
	s.log.Debug("token issued", "token_id", tok.ID, "user_id", userID, "schedule_id", scheduleID, "status", tok.Status)
	return tok, nil
}

// Activate promotes up to k WAITING tokens of a schedule, oldest first, to
// ACTIVE with a fresh validity window.  It reports model.ErrAdmissionFull
// when the schedule is already at its ceiling and model.ErrNoWaiting when
// nobody is waiting.  The batch never lifts the active count past Ceiling,
// whatever the threshold factor.
func (s *Admission) Activate(ctx context.Context, scheduleID uint64, k int) ([]model.Token, error) {
	if k <= 0 {
		return nil, model.ErrInvalidInput
	}
	var promoted []model.Token
	err := lock.Run(ctx, s.locker, s.lockOpts, []string{lock.ScheduleKey(scheduleID)}, func(ctx context.Context) error {
		return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			now := s.clock.Now()
			active, err := s.tokens.CountActiveTx(ctx, tx, scheduleID, now)
			if err != nil {
				return err
			}
			if active >= s.cfg.Ceiling {
				return model.ErrAdmissionFull
			}
			room := s.cfg.Ceiling - active
			if k < room {
				room = k
			}
			waiting, err := s.tokens.OldestWaitingTx(ctx, tx, scheduleID, now, room)
			if err != nil {
				return err
			}
			if len(waiting) == 0 {
				return model.ErrNoWaiting
			}
			expiresAt := now.Add(s.cfg.ActiveTTL)
			for _, t := range waiting {
				if err := s.tokens.ActivateTx(ctx, tx, t.ID, t.Version, expiresAt); err != nil {
					return err
				}
				t.Status = model.TokenActive
				t.ExpiresAt = expiresAt
				t.Version++
				promoted = append(promoted, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("tokens promoted", "schedule_id", scheduleID, "count", len(promoted))
	return promoted, nil
}

// Validate returns the token when it is ACTIVE, unexpired and issued for
// scheduleID.  Otherwise it reports why: model.ErrTokenNotFound,
// model.ErrTokenScheduleMismatch, model.ErrTokenExpired or
// model.ErrTokenNotActive (still WAITING).
func (s *Admission) Validate(ctx context.Context, scheduleID uint64, tokenID string) (*model.Token, error) {
	if tokenID == "" {
		return nil, model.ErrTokenNotFound
	}
	t, err := s.tokens.GetByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if t.ScheduleID != scheduleID {
		return nil, model.ErrTokenScheduleMismatch
	}
	if t.Status == model.TokenExpired || t.Elapsed(s.clock.Now()) {
		return nil, model.ErrTokenExpired
	}
	if t.Status != model.TokenActive {
		return nil, model.ErrTokenNotActive
	}
	return t, nil
}

// Guard runs next only when tokenID is a valid ACTIVE token of userID for
// scheduleID.  The check and next are not atomic; next must re-check its own
// preconditions.
func (s *Admission) Guard(ctx context.Context, userID, scheduleID uint64, tokenID string, next func(ctx context.Context) error) error {
	t, err := s.Validate(ctx, scheduleID, tokenID)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return model.ErrTokenNotFound
	}
	return next(ctx)
}

// Expire marks one token EXPIRED.  Expiring an EXPIRED token reports
// model.ErrTokenExpired.
func (s *Admission) Expire(ctx context.Context, tokenID string) error {
	return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		t, err := s.tokens.GetByIDTx(ctx, tx, tokenID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return model.ErrTokenExpired
		}
		return s.tokens.ExpireTx(ctx, tx, t.ID, t.Version)
	})
}

// ExpireStale expires every token whose window has closed and returns how
// many changed.
func (s *Admission) ExpireStale(ctx context.Context) (int64, error) {
	return s.tokens.ExpireElapsed(ctx, s.clock.Now())
}

// ConsumeTx retires the user's ACTIVE token for a schedule after a
// completed purchase, freeing the slot for the next waiting user.  A user
// without an ACTIVE token is not an error.
func (s *Admission) ConsumeTx(ctx context.Context, tx *sql.Tx, userID, scheduleID uint64) error {
	t, err := s.tokens.FindLiveTx(ctx, tx, userID, scheduleID)
	if err != nil || t == nil || t.Status != model.TokenActive {
		return err
	}
	return s.tokens.ExpireTx(ctx, tx, t.ID, t.Version)
}

// TokenStatus is a token together with its place in line.
type TokenStatus struct {
	Token    model.Token
	Position int // 1-based while WAITING, 0 otherwise
}

// Status reports a token and, while it is WAITING, its FIFO position.
func (s *Admission) Status(ctx context.Context, tokenID string) (*TokenStatus, error) {
	t, err := s.tokens.GetByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	st := &TokenStatus{Token: *t}
	if t.Status == model.TokenWaiting && !t.Elapsed(s.clock.Now()) {
		pos, err := s.tokens.WaitingPosition(ctx, *t)
		if err != nil {
			return nil, err
		}
		st.Position = pos
	}
	return st, nil
}

// ActiveCount returns the unexpired ACTIVE tokens of a schedule.
func (s *Admission) ActiveCount(ctx context.Context, scheduleID uint64) (int, error) {
	return s.tokens.CountActive(ctx, scheduleID, s.clock.Now())
}

// PromoteWaiting runs one promotion batch for every schedule with waiting
// tokens.  Full schedules are skipped.  It returns the number of promoted
// tokens.
func (s *Admission) PromoteWaiting(ctx context.Context) (int, error) {
	ids, err := s.tokens.SchedulesWithWaiting(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		promoted, err := s.Activate(ctx, id, s.cfg.PromoteBatch)
		if err != nil {
			if !isExpectedOutcome(err) {
				s.log.Warn("promotion failed", "schedule_id", id, "err", err)
			}
			continue
		}
		n += len(promoted)
	}
	return n, nil
}
