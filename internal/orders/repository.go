package orders

import (
	"context"
	"time"
)

// Repository persists orders. Listings are newest first.
//
// UpdateStatus is a compare-and-set: it applies only while the stored status
// still equals from, and otherwise returns *apperr.TransitionError naming the
// status actually found. SetFeedback likewise writes only to a Delivered
// order without feedback.
type Repository interface {
	Create(ctx context.Context, o Order) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	Delete(ctx context.Context, id string) error

	List(ctx context.Context) ([]Order, error)
	ListByEmail(ctx context.Context, email string) ([]Order, error)
	ListByCatalogItems(ctx context.Context, catalogItemIDs []string) ([]Order, error)

	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (Order, error)
	SetFeedback(ctx context.Context, id string, fb Feedback) (Order, error)
}
