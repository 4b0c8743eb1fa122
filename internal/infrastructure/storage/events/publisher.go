// Package events publishes best-effort batch-completion notifications to
// RabbitMQ after an enrichment batch commits, grounded on the teacher's
// queue.Client wiring (connection/channel abstraction, QueueDeclare at
// startup, JSON bodies). Unlike the task queue, a publish failure here
// never blocks or fails the run: the RunResult is the authoritative
// record, this is a side-channel notification for other processes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aucontraire/chronovista-core/internal/infrastructure/metrics"
)

// ClientConfig holds configuration for the event publisher.
type ClientConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// DefaultClientConfig returns sensible defaults: the default exchange,
// routed to a fixed queue name.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:        url,
		Exchange:   "",
		RoutingKey: "enrichment_batch_completed",
	}
}

// amqpConnection abstracts amqp.Connection for testability.
type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
}

// amqpChannel abstracts amqp.Channel for testability.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// BatchCompletedEvent is the side-channel notification emitted after one
// enrichment batch commits (spec.md §4.D step 6).
type BatchCompletedEvent struct {
	RunID        string    `json:"run_id"`
	BatchIndex   int       `json:"batch_index"`
	Kind         string    `json:"kind"`
	UpdatedCount int       `json:"updated_count"`
	DeletedCount int       `json:"deleted_count"`
	SkippedCount int       `json:"skipped_count"`
	FailedCount  int       `json:"failed_count"`
	CommittedAt  time.Time `json:"committed_at"`
}

// Publisher publishes BatchCompletedEvent messages. A nil *Publisher is a
// valid no-op publisher, so callers that run without RabbitMQ configured
// can skip wiring one.
type Publisher struct {
	conn    amqpConnection
	channel amqpChannel
	cfg     ClientConfig
	log     *slog.Logger
}

// NewPublisher connects to RabbitMQ and declares the configured queue.
func NewPublisher(ctx context.Context, cfg ClientConfig, log *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: connect to RabbitMQ: %w", err)
	}
	return newPublisherWithConnection(conn, cfg, log)
}

func newPublisherWithConnection(conn amqpConnection, cfg ClientConfig, log *slog.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}

	if cfg.RoutingKey != "" {
		if _, err := ch.QueueDeclare(cfg.RoutingKey, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("events: declare queue %q: %w", cfg.RoutingKey, err)
		}
	}

	if log == nil {
		log = slog.Default()
	}
	return &Publisher{conn: conn, channel: ch, cfg: cfg, log: log}, nil
}

// PublishBatchCommitted sends ev as a persistent JSON message. Failures are logged at
// Warn and swallowed: the caller proceeds regardless, per this package's
// best-effort contract.
func (p *Publisher) PublishBatchCommitted(ctx context.Context, ev BatchCompletedEvent) {
	if p == nil {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("events: marshal batch completed event failed", "error", err)
		metrics.EnrichmentBatchesTotal.WithLabelValues(metrics.StatusError).Inc()
		return
	}

	err = p.channel.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	})
	if err != nil {
		p.log.Warn("events: publish batch completed event failed", "run_id", ev.RunID, "batch_index", ev.BatchIndex, "error", err)
		metrics.EnrichmentBatchesTotal.WithLabelValues(metrics.StatusError).Inc()
		return
	}
	metrics.EnrichmentBatchesTotal.WithLabelValues(metrics.StatusSuccess).Inc()
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	chErr := p.channel.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return fmt.Errorf("events: close channel: %w", chErr)
	}
	if connErr != nil {
		return fmt.Errorf("events: close connection: %w", connErr)
	}
	return nil
}
