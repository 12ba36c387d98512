package orders_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/agri-market/internal/catalog"
	"github.com/ariefcatur/agri-market/internal/orders"
	"github.com/ariefcatur/agri-market/internal/retry"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testPolicy = retry.Policy{Timeout: 200 * time.Millisecond, Attempts: 2, BaseDelay: time.Millisecond}

type fixture struct {
	engine *orders.Engine
	store  *catalog.MemoryStore
	repo   *orders.MemoryRepository
	pub    *recordingPublisher
	rec    *countingRecorder
}

func newFixture(t *testing.T, opts ...orders.Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, catalog.NewMemoryStore(), nil, opts...)
}

// newFixtureWithStore lets a test put a wrapper in front of the memory store.
func newFixtureWithStore(t *testing.T, store *catalog.MemoryStore, wrap func(catalog.Store) catalog.Store, opts ...orders.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store,
		repo:  orders.NewMemoryRepository(),
		pub:   &recordingPublisher{},
		rec:   &countingRecorder{},
	}
	var cs catalog.Store = store
	if wrap != nil {
		cs = wrap(store)
	}
	base := []orders.Option{
		orders.WithPublisher(f.pub),
		orders.WithRecorder(f.rec),
		orders.WithClock(tickingClock()),
	}
	f.engine = orders.NewEngine(orders.Config{Store: testPolicy}, cs, f.repo, append(base, opts...)...)
	return f
}

func (f *fixture) seed(t *testing.T, sellerID string, quantity int, price string) catalog.Item {
	t.Helper()
	it, err := f.store.Create(t.Context(), catalog.Item{
		Name:        gofakeit.ProductName(),
		Description: gofakeit.ProductDescription(),
		Type:        catalog.TypeSeed,
		Price:       decimal.RequireFromString(price),
		Quantity:    quantity,
		SellerID:    sellerID,
		Status:      catalog.StatusAvailable,
	})
	require.NoError(t, err)
	return it
}

func (f *fixture) quantity(t *testing.T, id string) int {
	t.Helper()
	it, err := f.store.Get(t.Context(), id)
	require.NoError(t, err)
	return it.Quantity
}

func orderFor(email string, lines ...orders.LineInput) orders.PlaceOrderInput {
	return orders.PlaceOrderInput{
		Items: lines,
		ShippingAddress: orders.ShippingAddress{
			Name:       gofakeit.Name(),
			Street:     gofakeit.Street(),
			City:       gofakeit.City(),
			PostalCode: gofakeit.Zip(),
			Phone:      gofakeit.Phone(),
		},
		Customer: orders.Customer{Email: email, Name: gofakeit.Name()},
	}
}

func line(id string, qty int) orders.LineInput {
	return orders.LineInput{CatalogItemID: id, Quantity: qty}
}

// tickingClock advances one second per call so creation order is stable.
func tickingClock() func() time.Time {
	var (
		mu  sync.Mutex
		cur = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []orders.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env orders.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type countingRecorder struct {
	mu            sync.Mutex
	placed        int
	rejected      map[string]int
	compensations map[string]int
}

func (r *countingRecorder) OrderPlaced(float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placed++
}

func (r *countingRecorder) OrderRejected(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejected == nil {
		r.rejected = map[string]int{}
	}
	r.rejected[code]++
}

func (r *countingRecorder) StatusChanged(string, string) {}

func (r *countingRecorder) Compensation(step string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.compensations == nil {
		r.compensations = map[string]int{}
	}
	if ok {
		r.compensations[step]++
	}
}

// racingStore lets another buyer take stock between validation and the
// decrement of the named item.
type racingStore struct {
	catalog.Store
	stealFrom string
	steal     int
	once      sync.Once
}

func (s *racingStore) Decrement(ctx context.Context, id string, amount int) (catalog.Item, error) {
	if id == s.stealFrom {
		s.once.Do(func() { _, _ = s.Store.Decrement(ctx, id, s.steal) })
	}
	return s.Store.Decrement(ctx, id, amount)
}

// vanishingStore deletes the named item just before it is decremented, as
// if the seller removed the listing mid-checkout.
type vanishingStore struct {
	catalog.Store
	remove string
}

func (s *vanishingStore) Decrement(ctx context.Context, id string, amount int) (catalog.Item, error) {
	if id == s.remove {
		_ = s.Store.Delete(ctx, id)
	}
	return s.Store.Decrement(ctx, id, amount)
}

// stallingStore blocks every call until the caller's deadline passes.
type stallingStore struct {
	catalog.Store
}

func (s stallingStore) Get(ctx context.Context, _ string) (catalog.Item, error) {
	<-ctx.Done()
	return catalog.Item{}, ctx.Err()
}
