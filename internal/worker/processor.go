package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"document-bridge/internal/queue"
	"document-bridge/internal/telemetry"
)

// Consumer delivers messages from a named queue until ctx is done or the
// subscription breaks.
type Consumer interface {
	Consume(ctx context.Context, queue string, h queue.Handler) error
}

// Processor runs one listener per registered queue and restarts a listener
// whose subscription fails.
type Processor struct {
	consumer   Consumer
	handlers   map[string]queue.Handler
	backoffMin time.Duration
	backoffMax time.Duration
}

func NewProcessor(c Consumer) *Processor {
	return &Processor{
		consumer:   c,
		handlers:   make(map[string]queue.Handler),
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
	}
}

// RegisterHandler binds a handler to a queue.
func (p *Processor) RegisterHandler(queueName string, handler queue.Handler) {
	if queueName == "" || handler == nil {
		return
	}
	p.handlers[queueName] = handler
}

// Queues lists the queues with a handler.
func (p *Processor) Queues() []string {
	out := make([]string, 0, len(p.handlers))
	for q := range p.handlers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Run starts every listener and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return errors.New("no queue handlers registered")
	}
	var wg sync.WaitGroup
	for _, q := range p.Queues() {
		wg.Add(1)
		go func(q string, h queue.Handler) {
			defer wg.Done()
			p.listen(ctx, q, h)
		}(q, p.handlers[q])
	}
	log.Info().Strs("queues", p.Queues()).Msg("listeners started")
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) listen(ctx context.Context, queueName string, h queue.Handler) {
	h = traced(queueName, h)
	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := p.consumer.Consume(ctx, queueName, h)
		if ctx.Err() != nil {
			return
		}
		// Start over after a long-lived subscription.
		if time.Since(started) > p.backoffMax {
			attempt = 1
		}
		wait := backoffWithJitter(p.backoffMin, p.backoffMax, attempt)
		log.Warn().Err(err).Str("queue", queueName).Dur("restart_in", wait).Msg("listener stopped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// traced continues the producer's trace, if any, in a consumer span around h.
func traced(queueName string, h queue.Handler) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		ctx = telemetry.Extract(ctx, msg.Headers)
		ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, fmt.Sprintf("%s_receive", queueName),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		span.SetAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queueName),
			attribute.String("messaging.message.id", msg.ID),
		)

		err := h(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error().Err(err).Str("queue", queueName).Str("message_id", msg.ID).Msg("message rejected")
		}
		return err
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
