// Package outbox records domain events in the same transaction as the state
// change that produced them and relays them to the message bus afterwards.
// A record exists if and only if its originating transaction committed;
// delivery is at least once and consumers dedupe on EventID.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
)

// Message is one record as handed to a Publisher.
type Message struct {
	EventID   string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Publisher delivers a message to the bus.  A nil error means the broker
// acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Recorder writes outbox records.
type Recorder struct {
	repo  *repository.OutboxRepo
	clock clock.Clock
}

func NewRecorder(repo *repository.OutboxRepo, clk clock.Clock) *Recorder {
	return &Recorder{repo: repo, clock: clk}
}

// RecordTx serializes event as JSON and inserts it PENDING on tx.  It must
// be called on the transaction that performs the state change; if that
// transaction rolls back, the record goes with it.
func (r *Recorder) RecordTx(ctx context.Context, tx *sql.Tx, topic string, event any) (*model.OutboxRecord, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", topic, err)
	}
	rec := &model.OutboxRecord{
		EventID:   uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: r.clock.Now(),
	}
	if err := r.repo.InsertTx(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("insert outbox record: %w", err)
	}
	return rec, nil
}
