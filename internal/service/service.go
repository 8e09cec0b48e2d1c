// Package service implements the reservation core: the admission queue, seat
// inventory, reservation state machine, point ledger, payment orchestration
// and the expiration sweeper.  Every operation that mutates shared state
// runs under a per-key lock from internal/lock and inside one database
// transaction whose writes are compare-and-swap, so a lost race surfaces as
// model.ErrConflict instead of corrupting state.
package service

import (
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

var tracer = otel.Tracer("github.com/iliyamo/ticket-reservation/internal/service")

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func componentLogger(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// isExpectedOutcome reports errors that are normal results of a batch step
// rather than faults: an exhausted capacity, or a rule violation left by a
// concurrent caller that got there first.
func isExpectedOutcome(err error) bool {
	return errors.Is(err, model.ErrCapacity) || errors.Is(err, model.ErrRuleViolation)
}
