package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/ariefcatur/agri-market/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const itemColumns = `id, name, description, manufacturer, type, price, quantity, seller_id, status, images, created_at, updated_at`

type PostgresStore struct{ DB *pgxpool.Pool }

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Item, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id=$1`, id)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, apperr.ProductNotFound(id)
	}
	if err != nil {
		return Item{}, postgres.Wrap("catalog.Get", err)
	}
	return it, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Item, error) {
	return s.query(ctx, "catalog.List", `SELECT `+itemColumns+` FROM catalog_items ORDER BY name, id`)
}

func (s *PostgresStore) ListBySeller(ctx context.Context, sellerID string) ([]Item, error) {
	return s.query(ctx, "catalog.ListBySeller",
		`SELECT `+itemColumns+` FROM catalog_items WHERE seller_id=$1 ORDER BY name, id`, sellerID)
}

func (s *PostgresStore) ListByType(ctx context.Context, t Type) ([]Item, error) {
	return s.query(ctx, "catalog.ListByType",
		`SELECT `+itemColumns+` FROM catalog_items WHERE type=$1 ORDER BY name, id`, string(t))
}

func (s *PostgresStore) ListAvailable(ctx context.Context) ([]Item, error) {
	return s.query(ctx, "catalog.ListAvailable",
		`SELECT `+itemColumns+` FROM catalog_items WHERE status=$1 AND quantity > 0 ORDER BY name, id`,
		string(StatusAvailable))
}

func (s *PostgresStore) Create(ctx context.Context, item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO catalog_items(id, name, description, manufacturer, type, price, quantity, seller_id, status, images)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+itemColumns,
		item.ID, item.Name, item.Description, item.Manufacturer, string(item.Type),
		item.Price, item.Quantity, item.SellerID, string(item.Status), nonNil(item.Images),
	)
	out, err := scanItem(row)
	if err != nil {
		return Item{}, postgres.Wrap("catalog.Create", err)
	}
	return out, nil
}

// Update never touches seller_id or created_at. The WHERE clause carries the
// version check; when it matches nothing a second query tells a missing row
// from one that changed.
func (s *PostgresStore) Update(ctx context.Context, prev, next Item) (Item, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE catalog_items
		SET name=$2, description=$3, manufacturer=$4, type=$5, price=$6, quantity=$7, status=$8, images=$9, updated_at=now()
		WHERE id=$1 AND quantity=$10 AND updated_at=$11
		RETURNING `+itemColumns,
		prev.ID, next.Name, next.Description, next.Manufacturer, string(next.Type),
		next.Price, next.Quantity, string(next.Status), nonNil(next.Images),
		prev.Quantity, prev.UpdatedAt,
	)
	out, err := scanItem(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, postgres.Wrap("catalog.Update", err)
	}
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM catalog_items WHERE id=$1)`, prev.ID).Scan(&exists); err != nil {
		return Item{}, postgres.Wrap("catalog.Update", err)
	}
	if !exists {
		return Item{}, apperr.ProductNotFound(prev.ID)
	}
	return Item{}, apperr.Conflict("product", prev.ID)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM catalog_items WHERE id=$1`, id)
	if err != nil {
		return postgres.Wrap("catalog.Delete", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.ProductNotFound(id)
	}
	return nil
}

// Decrement is one conditional UPDATE; the WHERE clause is the stock check.
func (s *PostgresStore) Decrement(ctx context.Context, id string, amount int) (Item, error) {
	if amount <= 0 {
		return Item{}, apperr.Invalid("amount", "must be positive")
	}
	row := s.DB.QueryRow(ctx, `
		UPDATE catalog_items
		SET quantity = quantity - $2,
		    status = CASE WHEN status = $3 AND quantity - $2 = 0 THEN $4 ELSE status END,
		    updated_at = now()
		WHERE id=$1 AND quantity >= $2
		RETURNING `+itemColumns,
		id, amount, string(StatusAvailable), string(StatusOutOfStock),
	)
	it, err := scanItem(row)
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, postgres.Wrap("catalog.Decrement", err)
	}

	// rejected: report why
	var available int
	err = s.DB.QueryRow(ctx, `SELECT quantity FROM catalog_items WHERE id=$1`, id).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, apperr.ProductNotFound(id)
	}
	if err != nil {
		return Item{}, postgres.Wrap("catalog.Decrement", err)
	}
	return Item{}, apperr.InsufficientStock(id, amount, available)
}

func (s *PostgresStore) Increment(ctx context.Context, id string, amount int) (Item, error) {
	if amount <= 0 {
		return Item{}, apperr.Invalid("amount", "must be positive")
	}
	row := s.DB.QueryRow(ctx, `
		UPDATE catalog_items
		SET quantity = quantity + $2,
		    status = CASE WHEN status = $3 THEN $4 ELSE status END,
		    updated_at = now()
		WHERE id=$1
		RETURNING `+itemColumns,
		id, amount, string(StatusOutOfStock), string(StatusAvailable),
	)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, apperr.ProductNotFound(id)
	}
	if err != nil {
		return Item{}, postgres.Wrap("catalog.Increment", err)
	}
	return it, nil
}

func (s *PostgresStore) query(ctx context.Context, op, sql string, args ...any) ([]Item, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, postgres.Wrap(op, err)
	}
	defer rows.Close()

	out := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, postgres.Wrap(op, err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Wrap(op, err)
	}
	return out, nil
}

func scanItem(row pgx.Row) (Item, error) {
	var (
		it          Item
		typ, status string
	)
	if err := row.Scan(&it.ID, &it.Name, &it.Description, &it.Manufacturer, &typ, &it.Price,
		&it.Quantity, &it.SellerID, &status, &it.Images, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return Item{}, err
	}
	var ok bool
	if it.Type, ok = ToType(typ); !ok {
		return Item{}, fmt.Errorf("stored type %q is not valid", typ)
	}
	if it.Status, ok = ToStatus(status); !ok {
		return Item{}, fmt.Errorf("stored status %q is not valid", status)
	}
	return it, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
