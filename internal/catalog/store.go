package catalog

import "context"

// Store is the persistence port for catalog items.
//
// Decrement must be a single conditional update: it succeeds only when the
// stored quantity is at least amount, so concurrent decrements can never
// drive the quantity negative. It returns *apperr.StockError carrying the
// quantity observed at rejection time.
//
// Update is optimistic: it writes next only while the stored row still has
// the quantity and updated_at of prev, the version the caller read. A row
// that moved on in between yields apperr.ErrConflict, so an edit can never
// overwrite a concurrent Decrement or Increment.
type Store interface {
	Get(ctx context.Context, id string) (Item, error)
	List(ctx context.Context) ([]Item, error)
	ListBySeller(ctx context.Context, sellerID string) ([]Item, error)
	ListByType(ctx context.Context, t Type) ([]Item, error)
	ListAvailable(ctx context.Context) ([]Item, error)

	Create(ctx context.Context, item Item) (Item, error)
	Update(ctx context.Context, prev, next Item) (Item, error)
	Delete(ctx context.Context, id string) error

	Decrement(ctx context.Context, id string, amount int) (Item, error)
	Increment(ctx context.Context, id string, amount int) (Item, error)
}
