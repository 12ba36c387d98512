package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/ariefcatur/agri-market/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orderColumns = `id, items, shipping_address, customer_email, customer_name, total_amount, status, payment_method, is_paid, paid_at, feedback, delivered_at, created_at, updated_at`

// PostgresRepository stores each order as one row; items, address and
// feedback are JSONB documents.
type PostgresRepository struct{ DB *pgxpool.Pool }

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{DB: db}
}

func (r *PostgresRepository) Create(ctx context.Context, o Order) (Order, error) {
	row := r.DB.QueryRow(ctx, `
		INSERT INTO orders(id, items, shipping_address, customer_email, customer_name, total_amount, status, payment_method, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+orderColumns,
		o.ID, o.Items, o.ShippingAddress, o.Customer.Email, o.Customer.Name,
		o.TotalAmount, string(o.Status), o.PaymentMethod, o.CreatedAt, o.UpdatedAt,
	)
	out, err := scanOrder(row)
	if err != nil {
		return Order{}, postgres.Wrap("orders.Create", err)
	}
	return out, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, apperr.OrderNotFound(id)
	}
	if err != nil {
		return Order{}, postgres.Wrap("orders.Get", err)
	}
	return o, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return postgres.Wrap("orders.Delete", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.OrderNotFound(id)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]Order, error) {
	return r.query(ctx, "orders.List", `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id`)
}

func (r *PostgresRepository) ListByEmail(ctx context.Context, email string) ([]Order, error) {
	return r.query(ctx, "orders.ListByEmail",
		`SELECT `+orderColumns+` FROM orders WHERE customer_email=$1 ORDER BY created_at DESC, id`, email)
}

func (r *PostgresRepository) ListByCatalogItems(ctx context.Context, ids []string) ([]Order, error) {
	if len(ids) == 0 {
		return []Order{}, nil
	}
	return r.query(ctx, "orders.ListByCatalogItems", `
		SELECT `+orderColumns+` FROM orders o
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(o.items) e
			WHERE e->>'catalogItemId' = ANY($1)
		)
		ORDER BY created_at DESC, id`, ids)
}

// UpdateStatus only matches the row while it is still in from. Delivering a
// cash on delivery order also marks it paid.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time) (Order, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE orders
		SET status=$3,
		    updated_at=$4,
		    delivered_at = CASE WHEN $3 = $5 THEN $4 ELSE delivered_at END,
		    is_paid = is_paid OR ($3 = $5 AND payment_method = $6),
		    paid_at = CASE WHEN $3 = $5 AND payment_method = $6 AND NOT is_paid THEN $4 ELSE paid_at END
		WHERE id=$1 AND status=$2
		RETURNING `+orderColumns,
		id, string(from), string(to), at, string(StatusDelivered), DefaultPaymentMethod,
	)
	o, err := scanOrder(row)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Order{}, postgres.Wrap("orders.UpdateStatus", err)
	}

	var current string
	err = r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, apperr.OrderNotFound(id)
	}
	if err != nil {
		return Order{}, postgres.Wrap("orders.UpdateStatus", err)
	}
	return Order{}, &apperr.TransitionError{From: current, To: string(to)}
}

func (r *PostgresRepository) SetFeedback(ctx context.Context, id string, fb Feedback) (Order, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE orders SET feedback=$2, updated_at=$3
		WHERE id=$1 AND status=$4 AND feedback IS NULL
		RETURNING `+orderColumns,
		id, fb, fb.CreatedAt, string(StatusDelivered),
	)
	o, err := scanOrder(row)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Order{}, postgres.Wrap("orders.SetFeedback", err)
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if err := feedbackAllowed(cur); err != nil {
		return Order{}, err
	}
	return Order{}, apperr.Invalid("feedback", "concurrent update, retry")
}

func (r *PostgresRepository) query(ctx context.Context, op, sql string, args ...any) ([]Order, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, postgres.Wrap(op, err)
	}
	defer rows.Close()

	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, postgres.Wrap(op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Wrap(op, err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                  Order
		items, address, fb []byte
		status             string
	)
	if err := row.Scan(&o.ID, &items, &address, &o.Customer.Email, &o.Customer.Name, &o.TotalAmount,
		&status, &o.PaymentMethod, &o.IsPaid, &o.PaidAt, &fb, &o.DeliveredAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}

	var ok bool
	if o.Status, ok = ToStatus(status); !ok {
		return Order{}, fmt.Errorf("stored status %q is not valid", status)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if len(fb) > 0 {
		o.Feedback = new(Feedback)
		if err := json.Unmarshal(fb, o.Feedback); err != nil {
			return Order{}, fmt.Errorf("decode feedback: %w", err)
		}
	}
	return o, nil
}
