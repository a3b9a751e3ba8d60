// Package relay publishes committed ledger events from the outbox to Kafka.
//
// Delivery is at least once: a row is deleted only after the broker
// acknowledged the message, and consumers dedupe on the event id.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/holdfast/internal/platform/timeouts"
	"github.com/louisbranch/holdfast/internal/services/ledger/domain/points"
	"github.com/louisbranch/holdfast/internal/services/ledger/metrics"
	"github.com/louisbranch/holdfast/internal/services/ledger/storage"
	"github.com/segmentio/kafka-go"
)

// SchemaVersion tags every published envelope.
const SchemaVersion = "v1"

const (
	defaultBatchSize    = 50
	defaultPollInterval = 2 * time.Second
)

// Config controls relay batching and cadence.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// MessageWriter is the subset of kafka.Writer the relay uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Store is the persistence the relay needs.
type Store interface {
	ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error)
	CompleteOutbox(ctx context.Context, entry storage.OutboxEntry) error
	RetryOutbox(ctx context.Context, entry storage.OutboxEntry, now time.Time, lastError string) error
	GetEvent(ctx context.Context, currency points.Currency, eventID string) (points.Event, error)
}

// Envelope is the published message body.
type Envelope struct {
	SchemaVersion string    `json:"schema_version"`
	EventID       string    `json:"event_id"`
	Currency      string    `json:"currency"`
	UserID        string    `json:"user_id"`
	Type          string    `json:"type"`
	Delta         int64     `json:"delta"`
	TotalAfter    int64     `json:"total_after"`
	LevelAfter    int       `json:"level_after,omitempty"`
	LevelUp       bool      `json:"level_up,omitempty"`
	SegmentsAfter int       `json:"segments_after,omitempty"`
	RelatedType   string    `json:"related_type,omitempty"`
	RelatedID     string    `json:"related_id,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewEnvelope builds the message body for a stored event.
func NewEnvelope(evt points.Event) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		EventID:       evt.ID,
		Currency:      string(evt.Currency),
		UserID:        evt.UserID,
		Type:          string(evt.Type),
		Delta:         evt.Delta,
		TotalAfter:    evt.TotalAfter,
		LevelAfter:    evt.LevelAfter,
		LevelUp:       evt.LevelUp,
		SegmentsAfter: evt.SegmentsAfter,
		RelatedType:   evt.Related.Type,
		RelatedID:     evt.Related.ID,
		Description:   evt.Description,
		CreatedAt:     evt.CreatedAt.UTC(),
	}
}

// Message encodes an event as a Kafka message keyed by user id, so one user's
// events stay ordered within a partition.
func Message(evt points.Event) (kafka.Message, error) {
	value, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope: %w", err)
	}
	return kafka.Message{
		Key:   []byte(evt.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "currency", Value: []byte(evt.Currency)},
			{Key: "schema_version", Value: []byte(SchemaVersion)},
		},
		Time: evt.CreatedAt,
	}, nil
}

// NewKafkaWriter returns a hash-balanced writer that waits for all in-sync
// replicas to acknowledge.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	cleaned := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			cleaned = append(cleaned, broker)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cleaned...),
		Topic:                  strings.TrimSpace(topic),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}, nil
}

// Relay drains the outbox into a message writer.
type Relay struct {
	store  Store
	writer MessageWriter
	cfg    Config
	clock  func() time.Time
}

// New constructs a relay.
func New(store Store, writer MessageWriter, cfg Config) (*Relay, error) {
	if store == nil {
		return nil, errors.New("relay requires a store")
	}
	if writer == nil {
		return nil, errors.New("relay requires a writer")
	}
	return &Relay{store: store, writer: writer, cfg: cfg.normalized(), clock: time.Now}, nil
}

// ProcessOnce publishes one batch of due outbox rows and returns how many rows
// were settled, either completed or rescheduled.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	now := r.clock().UTC()
	entries, err := r.store.ClaimOutbox(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		start := r.clock()
		if err := r.publish(ctx, entry); err != nil {
			r.cfg.Metrics.Failed(r.clock().Sub(start))
			if retryErr := r.store.RetryOutbox(ctx, entry, now, err.Error()); retryErr != nil {
				return processed, fmt.Errorf("reschedule outbox row %d: %w", entry.ID, retryErr)
			}
			processed++
			continue
		}
		r.cfg.Metrics.Published(r.clock().Sub(start))
		if err := r.store.CompleteOutbox(ctx, entry); err != nil {
			return processed, fmt.Errorf("complete outbox row %d: %w", entry.ID, err)
		}
		processed++
	}
	return processed, nil
}

func (r *Relay) publish(ctx context.Context, entry storage.OutboxEntry) error {
	evt, err := r.store.GetEvent(ctx, entry.Currency, entry.EventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	msg, err := Message(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeouts.RelayPublish)
	defer cancel()
	if err := r.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Run processes the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		processed, err := r.ProcessOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("relay outbox: %v", err)
		}
		if processed > 0 {
			log.Printf("relay outbox: settled %d rows", processed)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
