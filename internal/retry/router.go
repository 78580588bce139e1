package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"document-bridge/internal/queue"
	"document-bridge/internal/telemetry"
)

// RetriesHeader is dropped from messages on their way to the parking lot.
const RetriesHeader = "X-Retries-Count"

// Broker is the part of the message broker the router needs.
type Broker interface {
	Publish(ctx context.Context, exchange, key string, msg queue.Message) error
	DeclareDelayQueue(ctx context.Context, name string, ttl time.Duration, exchange, key string) error
}

// Settings configure the backoff and where parked messages go.
type Settings struct {
	MaxRetries         int
	InitialDelay       int
	Multiplier         int
	DeadLetterExchange string
	ParkingLot         string
}

// Router consumes the dead-letter queue and either sends each message back
// through a delay queue or parks it.
type Router struct {
	broker   Broker
	settings Settings
}

func NewRouter(b Broker, s Settings) *Router {
	return &Router{broker: b, settings: s}
}

// Handle routes one dead-lettered message.
func (r *Router) Handle(ctx context.Context, msg queue.Message) error {
	prov, ok := ParseProvenance(msg.Headers)
	if !ok {
		log.Warn().Str("message_id", msg.ID).Msg("dead-lettered message has no usable x-death history, parking")
		return r.park(ctx, msg)
	}
	if prov.Retries >= int64(r.settings.MaxRetries) {
		log.Info().Str("message_id", msg.ID).Int64("retries", prov.Retries).Msg("retries exhausted, parking")
		return r.park(ctx, msg)
	}
	return r.requeue(ctx, msg, prov)
}

func (r *Router) requeue(ctx context.Context, msg queue.Message, prov Provenance) error {
	delay := Delay(r.settings.InitialDelay, r.settings.Multiplier, prov.Retries)
	name := DelayQueueName(prov.Exchange, prov.RoutingKey, delay)
	if err := r.broker.DeclareDelayQueue(ctx, name, delay, prov.Exchange, prov.RoutingKey); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}

	out := msg
	out.Headers = copyHeaders(msg.Headers)
	out.Headers["x-death-count"] = prov.Retries + 1
	if err := r.broker.Publish(ctx, "", name, out); err != nil {
		return fmt.Errorf("publish to delay queue %s: %w", name, err)
	}
	telemetry.DeadLetterRequeued.Inc()
	log.Info().Str("message_id", msg.ID).Str("queue", name).Dur("delay", delay).Msg("resent message to delay queue")
	return nil
}

func (r *Router) park(ctx context.Context, msg queue.Message) error {
	out := msg
	out.Headers = copyHeaders(msg.Headers)
	delete(out.Headers, RetriesHeader)
	if err := r.broker.Publish(ctx, r.settings.DeadLetterExchange, r.settings.ParkingLot, out); err != nil {
		return fmt.Errorf("publish to parking lot: %w", err)
	}
	return nil
}

func copyHeaders(h map[string]any) map[string]any {
	out := make(map[string]any, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}
