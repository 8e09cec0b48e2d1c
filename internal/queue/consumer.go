package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// SeatReconciler releases a seat left unavailable by a reservation that is
// already terminal.  Calling it for a seat that is not orphaned is a no-op.
type SeatReconciler interface {
	ReleaseOrphan(ctx context.Context, seatID uint64) (bool, error)
}

// ConsumerConfig names the broker objects the consumer binds.
type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	LogDir        string        // directory of booking.log
	DedupTTL      time.Duration // how long a handled event id is remembered
	ProcessingTTL time.Duration // how long an in-flight claim outlives a crashed handler
}

// ErrInFlight reports that another handler holds the event right now.  The
// delivery should be requeued rather than dropped.
var ErrInFlight = errors.New("event is being handled elsewhere")

// Consumer listens for confirmed reservations, which it appends to
// <LogDir>/booking.log, and for seat release compensations, which it hands
// to the reconciler.  When a Redis client is given, an event id is
// remembered there once its handling succeeded, so a redelivered event is
// handled once.  While a handler runs it holds a short-lived processing
// claim; a crash leaves only that claim, which expires.
type Consumer struct {
	cfg   ConsumerConfig
	seats SeatReconciler
	rdb   *redis.Client
	log   *slog.Logger
}

func NewConsumer(cfg ConsumerConfig, seats SeatReconciler, rdb *redis.Client, logger *slog.Logger) *Consumer {
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, seats: seats, rdb: rdb, log: logger.With("component", "event-consumer")}
}

// Run connects to the broker, declares and binds the durable queue and
// consumes until ctx is done.  A dropped connection is redialed with a
// doubling delay capped at 30s.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			c.log.Warn("dial broker failed", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("consume loop ended, reconnecting", "err", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("set QoS failed", "err", err)
	}
	if err := declareExchange(ch, c.cfg.Exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	for _, key := range []string{TopicReservationConfirmed, TopicSeatReleaseCompensation} {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind %s: %w", key, err)
		}
	}

	msgs, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	for d := range msgs {
		err := c.Handle(ctx, d.MessageId, d.RoutingKey, d.Body)
		if errors.Is(err, ErrInFlight) {
			_ = d.Nack(false, true)
			continue
		}
		if err != nil {
			c.log.Error("handle message failed", "topic", d.RoutingKey, "message_id", d.MessageId, "err", err)
			// Requeue transient failures once; a redelivered message that
			// fails again is dropped to avoid tight loops.
			_ = d.Nack(false, !d.Redelivered)
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// Handle processes one delivery.  Unknown topics are acknowledged and
// ignored.  It returns ErrInFlight when another handler holds the event.
func (c *Consumer) Handle(ctx context.Context, eventID, topic string, body []byte) error {
	claimed, err := c.claim(ctx, eventID)
	switch {
	case errors.Is(err, errHandled):
		c.log.Debug("duplicate event dropped", "event_id", eventID)
		return nil
	case errors.Is(err, ErrInFlight):
		return err
	case err != nil:
		c.log.Warn("dedup check failed", "event_id", eventID, "err", err)
	}
	switch topic {
	case TopicReservationConfirmed:
		err = c.handleConfirmed(body)
	case TopicSeatReleaseCompensation:
		err = c.handleCompensation(ctx, body)
	default:
		c.log.Debug("ignoring topic", "topic", topic)
		err = nil
	}
	if claimed {
		c.settle(eventID, err == nil)
	}
	return err
}

var errHandled = errors.New("event already handled")

// claim takes the processing marker for eventID.  It fails with errHandled
// when the event was already handled and ErrInFlight when another handler
// holds the marker.
func (c *Consumer) claim(ctx context.Context, eventID string) (bool, error) {
	if c.rdb == nil || eventID == "" {
		return false, nil
	}
	n, err := c.rdb.Exists(ctx, consumedKey(eventID)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, errHandled
	}
	fresh, err := c.rdb.SetNX(ctx, processingKey(eventID), 1, c.cfg.ProcessingTTL).Result()
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, ErrInFlight
	}
	return true, nil
}

// settle releases the processing marker and, after a success, remembers
// the event as handled.
func (c *Consumer) settle(eventID string, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pipe := c.rdb.TxPipeline()
	if ok {
		pipe.Set(ctx, consumedKey(eventID), 1, c.cfg.DedupTTL)
	}
	pipe.Del(ctx, processingKey(eventID))
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("settle event marker failed", "event_id", eventID, "err", err)
	}
}

func consumedKey(eventID string) string   { return "consumed:" + eventID }
func processingKey(eventID string) string { return "processing:" + eventID }

func (c *Consumer) handleConfirmed(body []byte) error {
	var ev ReservationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := os.MkdirAll(c.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(c.cfg.LogDir, "booking.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] Reservation confirmed | reservation_id=%d | user_id=%d | schedule_id=%d | seat_id=%d | price=%d points\n",
		ev.OccurredAt, ev.ReservationID, ev.UserID, ev.ScheduleID, ev.SeatID, ev.Price)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func (c *Consumer) handleCompensation(ctx context.Context, body []byte) error {
	var ev SeatReleaseCompensationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	released, err := c.seats.ReleaseOrphan(ctx, ev.SeatID)
	if err != nil {
		return fmt.Errorf("release seat %d: %w", ev.SeatID, err)
	}
	c.log.Info("compensation applied", "reservation_id", ev.ReservationID, "seat_id", ev.SeatID, "released", released)
	return nil
}
