package model

import "time"

// OutboxStatus is the delivery state of an outbox record.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxError   OutboxStatus = "ERROR"
)

// OutboxRecord is a domain event written in the same transaction as the
// state change it describes, awaiting delivery to the message bus.
//
// Fields:
//  ID         – primary key, also the delivery order.
//  EventID    – UUID carried as the AMQP message id for consumer dedup.
//  Topic      – routing key on the events exchange.
//  Payload    – JSON encoded event.
//  Status     – PENDING, SENT or ERROR.
//  RetryCount – failed delivery attempts so far.
//  LastError  – message of the most recent failure.
//  NextAttemptAt – earliest time the relay tries the record again.
type OutboxRecord struct {
	ID         uint64       // outbox.id
	EventID    string       // outbox.event_id
	Topic      string       // outbox.topic
	Payload    []byte       // outbox.payload
	Status     OutboxStatus // outbox.status
	RetryCount int          // outbox.retry_count
	LastError  string       // outbox.last_error
	CreatedAt  time.Time    // outbox.created_at_ms
	UpdatedAt  time.Time    // outbox.updated_at_ms

	NextAttemptAt time.Time // outbox.next_attempt_at_ms
}
