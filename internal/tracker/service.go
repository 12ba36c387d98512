// Package tracker projects order lifecycle events into the status cache the
// API reads from.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	kafkax "github.com/ariefcatur/agri-market/internal/kafka"
	"github.com/ariefcatur/agri-market/internal/orders"
	"github.com/ariefcatur/agri-market/internal/redisx"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

type Cache interface {
	MarkSeen(ctx context.Context, service, eventID string) (bool, error)
	ForgetSeen(ctx context.Context, service, eventID string) error
	SetOrderStatus(ctx context.Context, orderID string, e redisx.StatusEntry) error
	DropOrderStatus(ctx context.Context, orderID string) error
}

// Counter is satisfied by *metrics.Metrics.
type Counter interface {
	EventConsumed(eventType, result string)
}

type nopCounter struct{}

func (nopCounter) EventConsumed(string, string) {}

type Service struct {
	cache Cache
	name  string
	log   zerolog.Logger
	count Counter
}

func NewService(cache Cache, name string, log zerolog.Logger, count Counter) *Service {
	if count == nil {
		count = nopCounter{}
	}
	return &Service{
		cache: cache,
		name:  name,
		log:   log.With().Str("component", "tracker").Logger(),
		count: count,
	}
}

// HandleMessage is installed as the consumer handler. A returned error makes
// the consumer retry the same event in place; nothing later on its partition
// is committed until it succeeds.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// a poison message would block the partition forever
		s.log.Error().Err(err).Str("topic", m.Topic).Int64("offset", m.Offset).Msg("drop undecodable message")
		s.count.EventConsumed("unknown", "dropped")
		return nil
	}
	if env.EventID == "" {
		s.count.EventConsumed(env.EventType, "dropped")
		return nil
	}

	first, err := s.cache.MarkSeen(ctx, s.name, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		s.count.EventConsumed(env.EventType, "duplicate")
		return nil
	}

	if err := s.apply(ctx, env); err != nil {
		s.count.EventConsumed(env.EventType, "failed")
		if ferr := s.cache.ForgetSeen(ctx, s.name, env.EventID); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return fmt.Errorf("apply %s %s: %w", env.EventType, env.EventID, err)
	}
	s.count.EventConsumed(env.EventType, "ok")
	return nil
}

func (s *Service) apply(ctx context.Context, env orders.Envelope) error {
	switch env.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.cache.SetOrderStatus(ctx, p.OrderID, redisx.StatusEntry{Status: string(p.Status), UpdatedAt: env.OccurredAt})

	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			return err
		}
		if !p.Restocked && p.To == orders.StatusCancelled {
			s.log.Info().Str("order_id", p.OrderID).Str("from", string(p.From)).Msg("cancelled without restock")
		}
		return s.cache.SetOrderStatus(ctx, p.OrderID, redisx.StatusEntry{Status: string(p.To), UpdatedAt: p.ChangedAt})

	case orders.EventOrderDeleted:
		p, err := kafkax.UnwrapPayload[orders.OrderDeletedPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.cache.DropOrderStatus(ctx, p.OrderID)

	default:
		// feedback and future events carry no status
		return nil
	}
}
