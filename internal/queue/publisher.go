package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/ticket-reservation/internal/outbox"
)

// ErrNacked is returned when the broker refuses a published message.
var ErrNacked = errors.New("broker nacked message")

// Publisher publishes outbox messages to a durable topic exchange with
// publisher confirms.  The connection is dialed lazily and redialed after
// any failure, so a broker outage only fails the current delivery.
type Publisher struct {
	url      string
	exchange string
	log      *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher returns a publisher for the exchange at url.  No connection
// is made until the first Publish.
func NewPublisher(url, exchange string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{url: url, exchange: exchange, log: logger.With("component", "amqp-publisher")}
}

// Publish sends msg with its topic as routing key and waits for the broker
// confirm.  Messages are persistent and carry the event id as MessageId.
func (p *Publisher) Publish(ctx context.Context, msg outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		MessageId:    msg.EventID,
		Type:         msg.Topic,
		Timestamp:    msg.CreatedAt,
		Body:         msg.Payload,
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, msg.Topic, false, false, pub)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("await confirm %s: %w", msg.Topic, err)
	}
	if !acked {
		return fmt.Errorf("%s %s: %w", msg.Topic, msg.EventID, ErrNacked)
	}
	return nil
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.log.Info("connected", "exchange", p.exchange)
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close drops the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// declareExchange makes sure the durable topic exchange exists.  Idempotent.
func declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	return nil
}
