package retry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"document-bridge/internal/models"
	"document-bridge/internal/queue"
	"document-bridge/internal/telemetry"
)

// ParkingStore archives parked messages.
type ParkingStore interface {
	ParkMessage(ctx context.Context, m models.ParkedMessage) (string, error)
}

// ParkingLot archives messages from the parking-lot queue. A message that
// cannot be archived is forwarded to the orphan exchange.
type ParkingLot struct {
	store          ParkingStore
	broker         Broker
	orphanExchange string
}

func NewParkingLot(st ParkingStore, b Broker, orphanExchange string) *ParkingLot {
	return &ParkingLot{store: st, broker: b, orphanExchange: orphanExchange}
}

func (p *ParkingLot) Handle(ctx context.Context, msg queue.Message) error {
	prov, ok := ParseProvenance(msg.Headers)
	if !ok {
		log.Warn().Str("message_id", msg.ID).Msg("parked message has no original destination")
	}

	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = queue.HeaderText(v)
	}
	id, err := p.store.ParkMessage(ctx, models.ParkedMessage{
		MessageID:          msg.ID,
		OriginalExchange:   prov.Exchange,
		OriginalRoutingKey: prov.RoutingKey,
		ContentType:        msg.ContentType,
		Payload:            msg.Body,
		Headers:            headers,
	})
	if err == nil {
		telemetry.MessagesParked.Inc()
		log.Info().Str("message_id", msg.ID).Str("parking_id", id).Msg("message archived in parking lot")
		return nil
	}

	log.Error().Err(err).Str("message_id", msg.ID).Msg("cannot archive parked message, forwarding to orphan exchange")
	if perr := p.broker.Publish(ctx, p.orphanExchange, "", msg); perr != nil {
		return fmt.Errorf("forward to orphan exchange: %w", perr)
	}
	telemetry.MessagesOrphaned.Inc()
	return nil
}
