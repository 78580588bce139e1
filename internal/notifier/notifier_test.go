package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"document-bridge/internal/models"
	"document-bridge/internal/queue"
)

type capture struct {
	exchange string
	key      string
	msg      queue.Message
	err      error
}

func (c *capture) Publish(_ context.Context, exchange, key string, msg queue.Message) error {
	if c.err != nil {
		return c.err
	}
	c.exchange, c.key, c.msg = exchange, key, msg
	return nil
}

func TestNotifyBuildsMessage(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pub := &capture{}
	n := New(pub, "document.response")

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := n.Notify(context.Background(),
		models.Routing{RequestID: "r1", ClientID: "c1", Exchange: "client.exchange", RoutingKey: "client.key"},
		"status-1",
		models.Notification{RequestID: "r1", StatusCode: "AA", StatusCreatedAt: at},
	)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.exchange != "client.exchange" || pub.key != "client.key" {
		t.Fatalf("unexpected destination %s/%s", pub.exchange, pub.key)
	}
	if pub.msg.ID != "status-1" || pub.msg.ContentType != "application/json" {
		t.Fatalf("unexpected message properties %+v", pub.msg)
	}
	if _, ok := pub.msg.Headers["traceparent"]; !ok {
		t.Fatalf("expected trace context header, got %v", pub.msg.Headers)
	}

	var body map[string]any
	if err := json.Unmarshal(pub.msg.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["request_id"] != "r1" || body["status_code"] != "AA" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["document_id"]; ok {
		t.Fatalf("document_id must be omitted when there is no artifact")
	}
}

func TestNotifyFallsBackToDefaultExchange(t *testing.T) {
	pub := &capture{}
	n := New(pub, "document.response")
	if err := n.Notify(context.Background(), models.Routing{RoutingKey: "k"}, "s1", models.Notification{RequestID: "r1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.exchange != "document.response" {
		t.Fatalf("expected default exchange, got %q", pub.exchange)
	}

	pub.err = errors.New("closed")
	if err := n.Notify(context.Background(), models.Routing{RoutingKey: "k"}, "s2", models.Notification{RequestID: "r1"}); err == nil {
		t.Fatalf("expected publish error to surface")
	}
}

func TestKafkaPublisher(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"request_id":"r1"}` {
			return errors.New("unexpected value " + string(val))
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisher(producer)
	msg := queue.Message{ID: "s1", ContentType: "application/json", Body: []byte(`{"request_id":"r1"}`)}
	if err := pub.Publish(context.Background(), "client-topic", "client.key", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Publish(context.Background(), "client-topic", "client.key", msg); err == nil {
		t.Fatalf("expected send failure")
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
