package catalog

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/google/uuid"
)

// MemoryStore keeps items in a map guarded by a single mutex. Decrement and
// Increment check and apply under the same lock, which gives the same
// at-most-available guarantee as the conditional UPDATE in PostgresStore.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Item
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]Item),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return Item{}, apperr.ProductNotFound(id)
	}
	return clone(it), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Item, error) {
	return s.filter(func(Item) bool { return true }), nil
}

func (s *MemoryStore) ListBySeller(_ context.Context, sellerID string) ([]Item, error) {
	return s.filter(func(it Item) bool { return it.SellerID == sellerID }), nil
}

func (s *MemoryStore) ListByType(_ context.Context, t Type) ([]Item, error) {
	return s.filter(func(it Item) bool { return it.Type == t }), nil
}

func (s *MemoryStore) ListAvailable(_ context.Context) ([]Item, error) {
	return s.filter(Item.Available), nil
}

func (s *MemoryStore) Create(_ context.Context, item Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, exists := s.items[item.ID]; exists {
		return Item{}, apperr.Invalid("id", "already exists")
	}
	now := s.now()
	item.CreatedAt, item.UpdatedAt = now, now
	s.items[item.ID] = clone(item)
	return clone(item), nil
}

func (s *MemoryStore) Update(_ context.Context, prev, next Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[prev.ID]
	if !ok {
		return Item{}, apperr.ProductNotFound(prev.ID)
	}
	if cur.Quantity != prev.Quantity || !cur.UpdatedAt.Equal(prev.UpdatedAt) {
		return Item{}, apperr.Conflict("product", prev.ID)
	}
	next.ID = cur.ID
	next.SellerID = cur.SellerID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()
	s.items[next.ID] = clone(next)
	return clone(next), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return apperr.ProductNotFound(id)
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Decrement(_ context.Context, id string, amount int) (Item, error) {
	if amount <= 0 {
		return Item{}, apperr.Invalid("amount", "must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return Item{}, apperr.ProductNotFound(id)
	}
	if it.Quantity < amount {
		return Item{}, apperr.InsufficientStock(id, amount, it.Quantity)
	}
	it.Quantity -= amount
	it.Status = statusAfterStockChange(it.Status, it.Quantity)
	it.UpdatedAt = s.now()
	s.items[id] = it
	return clone(it), nil
}

func (s *MemoryStore) Increment(_ context.Context, id string, amount int) (Item, error) {
	if amount <= 0 {
		return Item{}, apperr.Invalid("amount", "must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return Item{}, apperr.ProductNotFound(id)
	}
	it.Quantity += amount
	it.Status = statusAfterStockChange(it.Status, it.Quantity)
	it.UpdatedAt = s.now()
	s.items[id] = it
	return clone(it), nil
}

func (s *MemoryStore) filter(keep func(Item) bool) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if keep(it) {
			out = append(out, clone(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func clone(it Item) Item {
	it.Images = slices.Clone(it.Images)
	return it
}
