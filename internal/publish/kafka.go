// Package publish mirrors stored browser events to Kafka.
//
// Mirroring is fire-and-forget: messages are queued on an asynchronous kafka-go writer
// and delivery failures are only logged. The relational table stays the system of record.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/glean-browser/eventsink/internal/config"
	"github.com/glean-browser/eventsink/internal/ingestion"
)

const (
	defaultBatchTimeout = 50 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

var (
	// ErrNoBrokers is returned when a publisher is built without broker addresses.
	ErrNoBrokers = errors.New("kafka brokers cannot be empty")
	// ErrNoTopic is returned when a publisher is built without a topic.
	ErrNoTopic = errors.New("kafka topic cannot be empty")
	// ErrPublisherClosed is returned by Publish after Close.
	ErrPublisherClosed = errors.New("publisher is closed")
	// ErrEventNil is returned when Publish is given a nil event.
	ErrEventNil = errors.New("event cannot be nil")

	_ ingestion.Publisher = (*KafkaPublisher)(nil)
)

type (
	// Config holds the event mirror configuration.
	Config struct {
		Brokers      []string
		Topic        string
		BatchTimeout time.Duration
		WriteTimeout time.Duration
	}

	// KafkaPublisher implements ingestion.Publisher on an asynchronous kafka-go writer.
	KafkaPublisher struct {
		writer *kafka.Writer
		logger *slog.Logger
		closed atomic.Bool
	}

	// mirroredEvent is the message value. The page HTML is replaced by its size so
	// snapshots stay under broker message limits.
	mirroredEvent struct {
		ID               int64     `json:"id"`
		EventType        string    `json:"event_type"`
		URL              string    `json:"url"`
		TabID            *int32    `json:"tab_id"`
		Text             string    `json:"text,omitempty"`
		HighlightedText  string    `json:"highlighted_text,omitempty"`
		ClickedURL       string    `json:"clicked_url,omitempty"`
		Action           string    `json:"action,omitempty"`
		UserAgent        string    `json:"user_agent,omitempty"`
		PageTitle        string    `json:"page_title,omitempty"`
		HTMLContentBytes int       `json:"html_content_bytes"`
		Timestamp        time.Time `json:"timestamp"`
		CreatedAt        time.Time `json:"created_at"`
	}
)

// LoadConfig reads EVENTSINK_KAFKA_* variables. Mirroring is off unless both brokers and topic are set.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("EVENTSINK_KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("EVENTSINK_KAFKA_TOPIC", ""),
		BatchTimeout: config.GetEnvDuration("EVENTSINK_KAFKA_BATCH_TIMEOUT", defaultBatchTimeout),
		WriteTimeout: config.GetEnvDuration("EVENTSINK_KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
	}
}

// Enabled reports whether the mirror is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

// Validate checks that brokers and topic are set.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return ErrNoTopic
	}

	return nil
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic. Call Close to flush
// queued messages when shutting down.
func NewKafkaPublisher(cfg *Config, logger *slog.Logger) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	logger = logger.With(slog.String("component", "kafka_publisher"), slog.String("topic", cfg.Topic))

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("Failed to deliver mirrored events",
					slog.Int("messages", len(messages)),
					slog.String("error", err.Error()),
				)
			}
		},
	}

	return &KafkaPublisher{writer: writer, logger: logger}, nil
}

// Publish queues event for delivery. It does not wait for the broker.
func (p *KafkaPublisher) Publish(ctx context.Context, event *ingestion.BrowserEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	msg, err := NewMessage(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to queue event %d: %w", event.ID, err)
	}

	return nil
}

// Close flushes queued messages and closes the writer. Safe to call multiple times.
func (p *KafkaPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.writer.Close()
}

// NewMessage builds the Kafka message for event: keyed by event type, valued with the
// event as JSON minus the page HTML.
func NewMessage(event *ingestion.BrowserEvent) (kafka.Message, error) {
	if event == nil {
		return kafka.Message{}, ErrEventNil
	}

	value := mirroredEvent{
		ID:               event.ID,
		EventType:        event.EventType,
		URL:              event.URL,
		Text:             event.Text,
		HighlightedText:  event.HighlightedText,
		ClickedURL:       event.ClickedURL,
		Action:           event.Action,
		UserAgent:        event.UserAgent,
		PageTitle:        event.PageTitle,
		HTMLContentBytes: len(event.HTMLContent),
		Timestamp:        event.Timestamp.UTC(),
		CreatedAt:        event.CreatedAt.UTC(),
	}

	if tabID, ok := event.TabID.Get(); ok {
		value.TabID = &tabID
	}

	data, err := json.Marshal(value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event %d: %w", event.ID, err)
	}

	return kafka.Message{
		Key:   []byte(event.EventType),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}
