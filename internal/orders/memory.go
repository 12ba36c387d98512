package orders

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/samber/lo"
)

type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]Order)}
}

func (r *MemoryRepository) Create(_ context.Context, o Order) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[o.ID]; exists {
		return Order{}, apperr.Invalid("id", "already exists")
	}
	r.orders[o.ID] = cloneOrder(o)
	return cloneOrder(o), nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return Order{}, apperr.OrderNotFound(id)
	}
	return cloneOrder(o), nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[id]; !ok {
		return apperr.OrderNotFound(id)
	}
	delete(r.orders, id)
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Order, error) {
	return r.filter(func(Order) bool { return true }), nil
}

func (r *MemoryRepository) ListByEmail(_ context.Context, email string) ([]Order, error) {
	return r.filter(func(o Order) bool { return o.Customer.Email == email }), nil
}

func (r *MemoryRepository) ListByCatalogItems(_ context.Context, ids []string) ([]Order, error) {
	return r.filter(func(o Order) bool {
		return lo.SomeBy(o.Items, func(it Item) bool { return lo.Contains(ids, it.CatalogItemID) })
	}), nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, from, to Status, at time.Time) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return Order{}, apperr.OrderNotFound(id)
	}
	if o.Status != from {
		return Order{}, &apperr.TransitionError{From: string(o.Status), To: string(to)}
	}
	o.Status = to
	o.UpdatedAt = at
	if to == StatusDelivered {
		o.DeliveredAt = &at
		if o.PaymentMethod == DefaultPaymentMethod && !o.IsPaid {
			o.IsPaid = true
			o.PaidAt = &at
		}
	}
	r.orders[id] = o
	return cloneOrder(o), nil
}

func (r *MemoryRepository) SetFeedback(_ context.Context, id string, fb Feedback) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return Order{}, apperr.OrderNotFound(id)
	}
	if err := feedbackAllowed(o); err != nil {
		return Order{}, err
	}
	o.Feedback = &fb
	o.UpdatedAt = fb.CreatedAt
	r.orders[id] = o
	return cloneOrder(o), nil
}

func (r *MemoryRepository) filter(keep func(Order) bool) []Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Order, 0)
	for _, o := range r.orders {
		if keep(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneOrder(o Order) Order {
	o.Items = slices.Clone(o.Items)
	if o.Feedback != nil {
		fb := *o.Feedback
		o.Feedback = &fb
	}
	if o.DeliveredAt != nil {
		at := *o.DeliveredAt
		o.DeliveredAt = &at
	}
	if o.PaidAt != nil {
		at := *o.PaidAt
		o.PaidAt = &at
	}
	return o
}

// feedbackAllowed is shared by both repositories and the engine's fast path.
func feedbackAllowed(o Order) error {
	if o.Status != StatusDelivered {
		return apperr.Invalid("status", "feedback is only accepted for delivered orders")
	}
	if o.Feedback != nil {
		return apperr.Invalid("feedback", "already recorded")
	}
	return nil
}
