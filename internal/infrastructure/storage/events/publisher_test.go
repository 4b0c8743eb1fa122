package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// mockConnection implements amqpConnection for testing.
type mockConnection struct {
	channelFunc func() (*amqp.Channel, error)
	closeFunc   func() error
}

func (m *mockConnection) Channel() (*amqp.Channel, error) {
	if m.channelFunc != nil {
		return m.channelFunc()
	}
	return nil, nil
}

func (m *mockConnection) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

// mockChannel implements amqpChannel for testing.
type mockChannel struct {
	queueDeclareFunc       func(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	publishWithContextFunc func(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	closeFunc              func() error
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.queueDeclareFunc != nil {
		return m.queueDeclareFunc(name, durable, autoDelete, exclusive, noWait, args)
	}
	return amqp.Queue{Name: name}, nil
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.publishWithContextFunc != nil {
		return m.publishWithContextFunc(ctx, exchange, key, mandatory, immediate, msg)
	}
	return nil
}

func (m *mockChannel) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

// newTestPublisher builds a Publisher whose channel is a mockChannel,
// bypassing amqp.Connection.Channel() (which returns the concrete,
// non-mockable *amqp.Channel type) by constructing the struct directly.
// This mirrors the split the Postgres adapter uses for the same reason.
func newTestPublisher(ch *mockChannel, cfg ClientConfig) *Publisher {
	return &Publisher{conn: &mockConnection{}, channel: ch, cfg: cfg, log: slog.Default()}
}

func TestNewPublisherWithConnection_ChannelFailureClosesConnection(t *testing.T) {
	declared := false
	connClosed := false
	chanErr := errors.New("channel unavailable in test")
	conn := &mockConnection{
		channelFunc: func() (*amqp.Channel, error) { return nil, chanErr },
		closeFunc:   func() error { connClosed = true; return nil },
	}

	// newPublisherWithConnection's real path requires a concrete
	// *amqp.Channel from conn.Channel(), which cannot be faked here; this
	// asserts the failure path instead (connection closed, error wrapped).
	_, err := newPublisherWithConnection(conn, DefaultClientConfig("amqp://localhost"), nil)
	if err == nil {
		t.Fatal("expected error when Channel() fails")
	}
	if !errors.Is(err, chanErr) {
		t.Errorf("expected Channel() error to be wrapped, got %v", err)
	}
	if !connClosed {
		t.Error("expected connection to be closed when Channel() fails")
	}

	// The queue-declare contract itself (name, durable=true) is exercised
	// directly against a mockChannel, the same shape newPublisherWithConnection
	// calls in its real, non-erroring path.
	ch := &mockChannel{
		queueDeclareFunc: func(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
			declared = true
			if name != "enrichment_batch_completed" {
				t.Errorf("queue name: got %q", name)
			}
			if !durable {
				t.Error("expected durable queue")
			}
			return amqp.Queue{Name: name}, nil
		},
	}
	if _, err := ch.QueueDeclare("enrichment_batch_completed", true, false, false, false, nil); err != nil {
		t.Fatalf("QueueDeclare: %v", err)
	}
	if !declared {
		t.Error("expected QueueDeclare to be called")
	}
}

func TestPublisher_Publish_Success(t *testing.T) {
	var published amqp.Publishing
	var gotKey string
	ch := &mockChannel{
		publishWithContextFunc: func(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
			published = msg
			gotKey = key
			return nil
		},
	}
	p := newTestPublisher(ch, DefaultClientConfig("amqp://localhost"))

	ev := BatchCompletedEvent{
		RunID:        "run-1",
		BatchIndex:   2,
		Kind:         "videos",
		UpdatedCount: 10,
		CommittedAt:  time.Now(),
	}
	p.PublishBatchCommitted(context.Background(), ev)

	if gotKey != "enrichment_batch_completed" {
		t.Errorf("routing key: got %q", gotKey)
	}
	if published.ContentType != "application/json" {
		t.Errorf("content type: got %q", published.ContentType)
	}
	if published.DeliveryMode != amqp.Persistent {
		t.Errorf("expected persistent delivery mode")
	}

	var decoded BatchCompletedEvent
	if err := json.Unmarshal(published.Body, &decoded); err != nil {
		t.Fatalf("unmarshal published body: %v", err)
	}
	if decoded.RunID != "run-1" || decoded.BatchIndex != 2 || decoded.UpdatedCount != 10 {
		t.Errorf("decoded event: got %+v", decoded)
	}
}

func TestPublisher_Publish_SwallowsError(t *testing.T) {
	ch := &mockChannel{
		publishWithContextFunc: func(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
			return errors.New("broker unavailable")
		},
	}
	p := newTestPublisher(ch, DefaultClientConfig("amqp://localhost"))

	// Must not panic and must return normally despite the publish error.
	p.PublishBatchCommitted(context.Background(), BatchCompletedEvent{RunID: "run-2"})
}

func TestPublisher_Publish_NilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	p.PublishBatchCommitted(context.Background(), BatchCompletedEvent{RunID: "run-3"})
}

func TestPublisher_Close_NilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	if err := p.Close(); err != nil {
		t.Fatalf("expected nil error for nil publisher Close, got %v", err)
	}
}

func TestPublisher_Close_ReportsChannelErrorFirst(t *testing.T) {
	chErr := errors.New("channel close failed")
	ch := &mockChannel{closeFunc: func() error { return chErr }}
	conn := &mockConnection{closeFunc: func() error { return errors.New("connection close failed") }}
	p := &Publisher{conn: conn, channel: ch, log: slog.Default()}

	err := p.Close()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, chErr) {
		t.Errorf("expected the channel close error, got %v", err)
	}
}

func TestPublisher_Close_Success(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConnection{}
	p := &Publisher{conn: conn, channel: ch, log: slog.Default()}

	if err := p.Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
