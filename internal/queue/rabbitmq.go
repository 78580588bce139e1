package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Message is a broker message decoupled from the amqp delivery type.
type Message struct {
	ID          string
	ContentType string
	Headers     map[string]any
	Body        []byte
	Timestamp   time.Time

	// Set on consumed messages only.
	Queue      string
	Exchange   string
	RoutingKey string
}

// Handler processes one consumed message. A nil return acks it; any error
// rejects it without requeue so the broker dead-letters it.
type Handler func(ctx context.Context, msg Message) error

// Topology names the exchanges and queues the bridge relies on.
type Topology struct {
	RequestQueue       string
	DLQ                string
	ParkingLot         string
	DeadLetterExchange string
	OrphanExchange     string
	ResponseExchange   string
}

// RabbitMQ wraps an AMQP connection with a confirmed publishing channel.
type RabbitMQ struct {
	conn     *amqp.Connection
	prefetch int

	mu        sync.Mutex
	pub       *amqp.Channel
	confirms  chan amqp.Confirmation
	published uint64 // delivery tag of the last publish on pub
}

// Dial connects to the broker and opens the publishing channel in confirm mode.
func Dial(url string, prefetch int) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &RabbitMQ{
		conn:     conn,
		prefetch: prefetch,
		pub:      ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
	}, nil
}

// Lost returns a channel that receives once if the broker connection drops.
func (r *RabbitMQ) Lost() <-chan *amqp.Error {
	return r.conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (r *RabbitMQ) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// DeclareTopology declares the request, dead-letter, parking-lot and orphan
// plumbing. Requests rejected by a consumer are dead-lettered to the DLQ.
func (r *RabbitMQ) DeclareTopology(t Topology) error {
	return r.withChannel(func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}
		if err := ch.ExchangeDeclare(t.OrphanExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare orphan exchange: %w", err)
		}
		if t.ResponseExchange != "" {
			if err := ch.ExchangeDeclare(t.ResponseExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare response exchange: %w", err)
			}
		}

		deadLetterTo := func(key string) amqp.Table {
			return amqp.Table{
				"x-dead-letter-exchange":    t.DeadLetterExchange,
				"x-dead-letter-routing-key": key,
			}
		}
		queues := []struct {
			name string
			args amqp.Table
			bind string
		}{
			{name: t.RequestQueue, args: deadLetterTo(t.DLQ)},
			{name: t.DLQ, args: deadLetterTo(t.ParkingLot), bind: t.DeadLetterExchange},
			{name: t.ParkingLot, args: deadLetterTo(t.ParkingLot + ".rejected"), bind: t.DeadLetterExchange},
			{name: t.ParkingLot + ".rejected", bind: t.DeadLetterExchange},
			{name: t.OrphanExchange, bind: t.OrphanExchange},
		}
		for _, q := range queues {
			if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
			if q.bind == "" {
				continue
			}
			if err := ch.QueueBind(q.name, q.name, q.bind, false, nil); err != nil {
				return fmt.Errorf("bind queue %s: %w", q.name, err)
			}
		}
		return nil
	})
}

// DeclareDelayQueue declares a durable, auto-delete queue whose messages expire
// after ttl and are dead-lettered to exchange/key. Redeclaring an existing
// delay queue with the same name is a no-op.
func (r *RabbitMQ) DeclareDelayQueue(_ context.Context, name string, ttl time.Duration, exchange, key string) error {
	ttlMs := ttl.Milliseconds()
	args := amqp.Table{
		"x-message-ttl":             ttlMs,
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": key,
		"x-expires":                 ttlMs + time.Minute.Milliseconds(),
	}
	return r.withChannel(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(name, true, true, false, false, args); err != nil {
			return fmt.Errorf("declare delay queue %s: %w", name, err)
		}
		return nil
	})
}

// Publish sends msg and waits for the broker to confirm it.
func (r *RabbitMQ) Publish(ctx context.Context, exchange, key string, msg Message) error {
	p := amqp.Publishing{
		MessageId:    msg.ID,
		ContentType:  msg.ContentType,
		Headers:      ToTable(msg.Headers),
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.Timestamp,
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.pub.Publish(exchange, key, false, false, p); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}
	r.published++
	if err := awaitConfirm(ctx, r.confirms, r.published); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}

// awaitConfirm waits for the confirm of delivery tag. Confirms for earlier
// tags belong to publishes whose wait was abandoned and are dropped.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, tag uint64) error {
	for {
		select {
		case c, ok := <-confirms:
			if !ok {
				return errors.New("publish channel closed before confirm")
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return errors.New("broker nacked message")
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Consume delivers messages from queue to h one at a time until ctx is done
// or the delivery channel closes.
func (r *RabbitMQ) Consume(ctx context.Context, queue string, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			if err := h(ctx, fromDelivery(queue, d)); err != nil {
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitMQ) withChannel(fn func(ch *amqp.Channel) error) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	return fn(ch)
}

func fromDelivery(queue string, d amqp.Delivery) Message {
	return Message{
		ID:          d.MessageId,
		ContentType: d.ContentType,
		Headers:     FromTable(d.Headers),
		Body:        d.Body,
		Timestamp:   d.Timestamp,
		Queue:       queue,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
	}
}
