package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventOrderPlaced        = "OrderPlaced"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventFeedbackAttached   = "FeedbackAttached"
	EventOrderDeleted       = "OrderDeleted"
)

const eventVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderPlacedPayload struct {
	OrderID       string          `json:"order_id"`
	CustomerEmail string          `json:"customer_email"`
	Items         []Item          `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        Status          `json:"status"`
}

type OrderStatusChangedPayload struct {
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Restocked bool      `json:"restocked"`
	ChangedBy string    `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

type FeedbackAttachedPayload struct {
	OrderID string `json:"order_id"`
	Rating  int    `json:"rating"`
}

type OrderDeletedPayload struct {
	OrderID   string `json:"order_id"`
	DeletedBy string `json:"deleted_by,omitempty"`
}

// Publisher delivers envelopes downstream. Engine operations never fail
// because a publish failed.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Envelope) error { return nil }

func newEnvelope(ctx context.Context, producer, eventType, orderID string, at time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}
