package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"document-bridge/internal/models"
	"document-bridge/internal/queue"
	"document-bridge/internal/telemetry"
)

const contentTypeJSON = "application/json"

// Publisher sends one message to a destination and routing key.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg queue.Message) error
}

// Notifier publishes status notifications to the destination configured for
// each client.
type Notifier struct {
	pub             Publisher
	defaultExchange string
}

// New returns a notifier. defaultExchange is used for clients without an
// exchange of their own.
func New(pub Publisher, defaultExchange string) *Notifier {
	return &Notifier{pub: pub, defaultExchange: defaultExchange}
}

// Notify publishes n to the client behind routing, using statusID as the
// message id and carrying the current trace context in the headers.
func (n *Notifier) Notify(ctx context.Context, routing models.Routing, statusID string, body models.Notification) error {
	exchange := routing.Exchange
	if exchange == "" {
		exchange = n.defaultExchange
	}

	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "notify",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("request_id", body.RequestID),
			attribute.String("status_code", body.StatusCode),
			attribute.String("messaging.destination", exchange),
			attribute.String("messaging.routing_key", routing.RoutingKey),
		))
	defer span.End()

	payload, err := json.Marshal(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal")
		return fmt.Errorf("marshal notification: %w", err)
	}

	headers := map[string]any{}
	telemetry.Inject(ctx, headers)
	msg := queue.Message{
		ID:          statusID,
		ContentType: contentTypeJSON,
		Headers:     headers,
		Body:        payload,
	}
	if err := n.pub.Publish(ctx, exchange, routing.RoutingKey, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		return fmt.Errorf("publish notification for %s: %w", body.RequestID, err)
	}

	telemetry.NotificationsSent.Inc()
	log.Info().
		Str("request_id", body.RequestID).
		Str("status_id", statusID).
		Str("exchange", exchange).
		Str("routing_key", routing.RoutingKey).
		Msg("notification published")
	return nil
}
