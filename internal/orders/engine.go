package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/agri-market/internal/actor"
	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/ariefcatur/agri-market/internal/catalog"
	"github.com/ariefcatur/agri-market/internal/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ariefcatur/agri-market/internal/orders"

// Config is handed to the engine at startup.
type Config struct {
	Store                retry.Policy
	DefaultPaymentMethod string
	ServiceName          string
}

// Recorder receives engine outcomes for metrics.
type Recorder interface {
	OrderPlaced(total float64)
	OrderRejected(code string)
	StatusChanged(from, to string)
	Compensation(step string, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) OrderPlaced(float64)          {}
func (nopRecorder) OrderRejected(string)         {}
func (nopRecorder) StatusChanged(string, string) {}
func (nopRecorder) Compensation(string, bool)    {}

type Engine struct {
	cfg     Config
	catalog catalog.Store
	repo    Repository

	log    zerolog.Logger
	tracer trace.Tracer
	rec    Recorder
	pub    Publisher
	now    func() time.Time
	newID  func() string
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.rec = r } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func NewEngine(cfg Config, store catalog.Store, repo Repository, opts ...Option) *Engine {
	if cfg.DefaultPaymentMethod == "" {
		cfg.DefaultPaymentMethod = DefaultPaymentMethod
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "order-engine"
	}
	e := &Engine{
		cfg:     cfg,
		catalog: store,
		repo:    repo,
		log:     zerolog.Nop(),
		tracer:  otel.Tracer(tracerName),
		rec:     nopRecorder{},
		pub:     nopPublisher{},
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type LineInput struct {
	CatalogItemID string
	Quantity      int
}

type PlaceOrderInput struct {
	Items           []LineInput
	ShippingAddress ShippingAddress
	Customer        Customer
	PaymentMethod   string
}

// Validate checks the payload shape. Stock and existence are checked
// against the catalog later.
func (in PlaceOrderInput) Validate() error {
	if len(in.Items) == 0 {
		return apperr.ErrEmptyOrder
	}
	for _, l := range in.Items {
		if strings.TrimSpace(l.CatalogItemID) == "" {
			return apperr.Invalid("items.catalogItemId", "required")
		}
		if l.Quantity < 1 {
			return apperr.Invalid("items.quantity", "must be at least 1")
		}
	}
	if err := in.ShippingAddress.Validate(); err != nil {
		return err
	}
	return in.Customer.Validate()
}

// mergeLines folds repeated catalog items into one line, keeping the order
// of first appearance.
func mergeLines(lines []LineInput) []LineInput {
	out := make([]LineInput, 0, len(lines))
	pos := make(map[string]int, len(lines))
	for _, l := range lines {
		id := strings.TrimSpace(l.CatalogItemID)
		if i, ok := pos[id]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		pos[id] = len(out)
		out = append(out, LineInput{CatalogItemID: id, Quantity: l.Quantity})
	}
	return out
}

// PlaceOrder validates every line against the catalog, persists a Pending
// order and then takes the stock. A failed decrement undoes the applied
// decrements and removes the order before the error is returned.
func (e *Engine) PlaceOrder(ctx context.Context, in PlaceOrderInput) (Order, error) {
	ctx, span := e.tracer.Start(ctx, "orders.PlaceOrder", trace.WithAttributes(attribute.Int("order.lines", len(in.Items))))
	defer span.End()

	o, err := e.placeOrder(ctx, in)
	if err != nil {
		e.rec.OrderRejected(apperr.Code(err))
		endSpan(span, err)
		return Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	total, _ := o.TotalAmount.Float64()
	e.rec.OrderPlaced(total)
	e.logger(ctx).Info().Str("order_id", o.ID).Str("total", o.TotalAmount.StringFixed(2)).Msg("order placed")

	e.publish(ctx, EventOrderPlaced, o.ID, OrderPlacedPayload{
		OrderID:       o.ID,
		CustomerEmail: o.Customer.Email,
		Items:         o.Items,
		TotalAmount:   o.TotalAmount,
		Status:        o.Status,
	})
	return o, nil
}

func (e *Engine) placeOrder(ctx context.Context, in PlaceOrderInput) (Order, error) {
	if err := in.Validate(); err != nil {
		return Order{}, err
	}
	lines := mergeLines(in.Items)

	// 1) validate every line before touching anything
	items := make([]Item, 0, len(lines))
	for _, l := range lines {
		ci, err := retry.Read(ctx, e.cfg.Store, "catalog.Get", func(ctx context.Context) (catalog.Item, error) {
			return e.catalog.Get(ctx, l.CatalogItemID)
		})
		if err != nil {
			return Order{}, err
		}
		if ci.Quantity < l.Quantity {
			return Order{}, apperr.InsufficientStock(ci.ID, l.Quantity, ci.Quantity)
		}
		items = append(items, Item{CatalogItemID: ci.ID, Quantity: l.Quantity, UnitPrice: ci.Price})
	}

	// 2) persist as Pending
	now := e.now()
	pm := strings.TrimSpace(in.PaymentMethod)
	if pm == "" {
		pm = e.cfg.DefaultPaymentMethod
	}
	order := Order{
		ID:              e.newID(),
		Items:           items,
		ShippingAddress: in.ShippingAddress,
		Customer:        Customer{Email: NormalizeEmail(in.Customer.Email), Name: strings.TrimSpace(in.Customer.Name)},
		TotalAmount:     Total(items),
		Status:          StatusPending,
		PaymentMethod:   pm,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := retry.Write(ctx, e.cfg.Store, "orders.Create", func(ctx context.Context) (Order, error) {
		return e.repo.Create(ctx, order)
	})
	if err != nil {
		return Order{}, err
	}

	// 3) take the stock, logging an undo step for every applied effect
	var comp compensationLog
	comp.add("delete order "+created.ID, func(ctx context.Context) error {
		_, err := retry.Write(ctx, e.cfg.Store, "orders.Delete", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.repo.Delete(ctx, created.ID)
		})
		return err
	})
	for _, it := range items {
		_, err := retry.Write(ctx, e.cfg.Store, "catalog.Decrement", func(ctx context.Context) (catalog.Item, error) {
			return e.catalog.Decrement(ctx, it.CatalogItemID, it.Quantity)
		})
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				// removed after validation; nothing left to sell
				err = apperr.InsufficientStock(it.CatalogItemID, it.Quantity, 0)
			}
			if errors.Is(err, apperr.ErrStoreUnavailable) {
				// the decrement may or may not have been applied
				e.logger(ctx).Error().Err(err).Str("order_id", created.ID).Str("item_id", it.CatalogItemID).
					Int("quantity", it.Quantity).Msg("decrement outcome unknown, stock needs reconciliation")
			}
			e.rollback(ctx, created.ID, &comp)
			return Order{}, err
		}
		comp.add("restock "+it.CatalogItemID, func(ctx context.Context) error {
			_, err := retry.Write(ctx, e.cfg.Store, "catalog.Increment", func(ctx context.Context) (catalog.Item, error) {
				return e.catalog.Increment(ctx, it.CatalogItemID, it.Quantity)
			})
			return err
		})
	}
	return created, nil
}

// rollback runs on a context detached from the caller's cancellation, so
// an abandoned request still undoes its effects.
func (e *Engine) rollback(ctx context.Context, orderID string, comp *compensationLog) {
	ctx, span := e.tracer.Start(context.WithoutCancel(ctx), "orders.compensate",
		trace.WithAttributes(attribute.String("order.id", orderID), attribute.Int("compensation.steps", comp.len())))
	defer span.End()

	l := e.logger(ctx)
	l.Warn().Str("order_id", orderID).Int("steps", comp.len()).Msg("placing order failed, compensating")
	err := comp.run(ctx, func(name string, err error) {
		e.rec.Compensation(stepKind(name), err == nil)
		if err != nil {
			l.Error().Err(err).Str("order_id", orderID).Str("step", name).Msg("compensation failed")
		}
	})
	endSpan(span, err)
}

func stepKind(name string) string {
	kind, _, _ := strings.Cut(name, " ")
	return kind
}

// UpdateStatus moves an order along the state machine. The actor must be an
// admin or sell at least one item in the order. Cancelling a Pending or
// Processing order puts the stock back.
func (e *Engine) UpdateStatus(ctx context.Context, orderID string, newStatus Status, a actor.Actor) (Order, error) {
	ctx, span := e.tracer.Start(ctx, "orders.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", orderID), attribute.String("order.status.to", string(newStatus))))
	defer span.End()

	o, err := e.updateStatus(ctx, orderID, newStatus, a)
	endSpan(span, err)
	return o, err
}

func (e *Engine) updateStatus(ctx context.Context, orderID string, newStatus Status, a actor.Actor) (Order, error) {
	to, ok := ToStatus(string(newStatus))
	if !ok {
		return Order{}, apperr.Invalid("status", "unknown status "+string(newStatus))
	}
	if a.IsZero() {
		return Order{}, apperr.Forbidden("an actor is required")
	}
	cur, err := e.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !a.IsAdmin() {
		sells, err := e.sellsIn(ctx, a.ID, cur)
		if err != nil {
			return Order{}, err
		}
		if !sells {
			return Order{}, apperr.Forbidden("only a seller in this order or an admin can change its status")
		}
	}
	if !CanTransition(cur.Status, to) {
		return Order{}, &apperr.TransitionError{From: string(cur.Status), To: string(to)}
	}

	at := e.now()
	updated, err := retry.Write(ctx, e.cfg.Store, "orders.UpdateStatus", func(ctx context.Context) (Order, error) {
		return e.repo.UpdateStatus(ctx, orderID, cur.Status, to, at)
	})
	if err != nil {
		return Order{}, err
	}

	restocked := false
	if to == StatusCancelled && restocksOnCancel(cur.Status) {
		restocked = e.restock(ctx, updated)
	}
	e.rec.StatusChanged(string(cur.Status), string(to))
	e.logger(ctx).Info().Str("order_id", orderID).Str("from", string(cur.Status)).Str("to", string(to)).
		Str("actor_id", a.ID).Bool("restocked", restocked).Msg("order status changed")

	e.publish(ctx, EventOrderStatusChanged, orderID, OrderStatusChangedPayload{
		OrderID:   orderID,
		From:      cur.Status,
		To:        to,
		Restocked: restocked,
		ChangedBy: a.ID,
		ChangedAt: at,
	})
	return updated, nil
}

// restock returns each line's quantity to the catalog. Items deleted from
// the catalog since the order was placed are skipped. It reports whether
// every increment succeeded.
func (e *Engine) restock(ctx context.Context, o Order) bool {
	ctx = context.WithoutCancel(ctx)
	ok := true
	for _, it := range o.Items {
		_, err := retry.Write(ctx, e.cfg.Store, "catalog.Increment", func(ctx context.Context) (catalog.Item, error) {
			return e.catalog.Increment(ctx, it.CatalogItemID, it.Quantity)
		})
		switch {
		case err == nil:
			e.rec.Compensation("restock", true)
		case errors.Is(err, apperr.ErrNotFound):
			e.logger(ctx).Warn().Str("order_id", o.ID).Str("item_id", it.CatalogItemID).Msg("restock skipped, catalog item gone")
		default:
			ok = false
			e.rec.Compensation("restock", false)
			e.logger(ctx).Error().Err(err).Str("order_id", o.ID).Str("item_id", it.CatalogItemID).
				Int("quantity", it.Quantity).Msg("restock after cancel failed")
		}
	}
	return ok
}

func (e *Engine) sellsIn(ctx context.Context, sellerID string, o Order) (bool, error) {
	for _, it := range o.Items {
		ci, err := retry.Read(ctx, e.cfg.Store, "catalog.Get", func(ctx context.Context) (catalog.Item, error) {
			return e.catalog.Get(ctx, it.CatalogItemID)
		})
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if ci.SellerID == sellerID {
			return true, nil
		}
	}
	return false, nil
}

// AttachFeedback records the single rating a delivered order may carry.
func (e *Engine) AttachFeedback(ctx context.Context, orderID string, rating int, comment string) (Order, error) {
	ctx, span := e.tracer.Start(ctx, "orders.AttachFeedback", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	o, err := e.attachFeedback(ctx, orderID, rating, comment)
	endSpan(span, err)
	return o, err
}

func (e *Engine) attachFeedback(ctx context.Context, orderID string, rating int, comment string) (Order, error) {
	if rating < MinRating || rating > MaxRating {
		return Order{}, apperr.Invalid("rating", "must be between 1 and 5")
	}
	cur, err := e.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := feedbackAllowed(cur); err != nil {
		return Order{}, err
	}

	fb := Feedback{Rating: rating, Comment: strings.TrimSpace(comment), CreatedAt: e.now()}
	updated, err := retry.Write(ctx, e.cfg.Store, "orders.SetFeedback", func(ctx context.Context) (Order, error) {
		return e.repo.SetFeedback(ctx, orderID, fb)
	})
	if err != nil {
		return Order{}, err
	}
	e.publish(ctx, EventFeedbackAttached, orderID, FeedbackAttachedPayload{OrderID: orderID, Rating: rating})
	return updated, nil
}

func (e *Engine) Get(ctx context.Context, orderID string) (Order, error) {
	return retry.Read(ctx, e.cfg.Store, "orders.Get", func(ctx context.Context) (Order, error) {
		return e.repo.Get(ctx, orderID)
	})
}

// List returns every order, newest first. Admin only.
func (e *Engine) List(ctx context.Context, a actor.Actor) ([]Order, error) {
	if !a.IsAdmin() {
		return nil, apperr.Forbidden("only admins can list all orders")
	}
	return retry.Read(ctx, e.cfg.Store, "orders.List", e.repo.List)
}

// ListByEmail tolerates URL-encoded and case-variant input.
func (e *Engine) ListByEmail(ctx context.Context, raw string) ([]Order, error) {
	email := lookupEmail(raw)
	if email == "" {
		return nil, apperr.Invalid("email", "required")
	}
	return retry.Read(ctx, e.cfg.Store, "orders.ListByEmail", func(ctx context.Context) ([]Order, error) {
		return e.repo.ListByEmail(ctx, email)
	})
}

// ListBySeller returns orders holding at least one of the seller's current
// catalog items.
func (e *Engine) ListBySeller(ctx context.Context, sellerID string) ([]Order, error) {
	if strings.TrimSpace(sellerID) == "" {
		return nil, apperr.Invalid("sellerId", "required")
	}
	items, err := retry.Read(ctx, e.cfg.Store, "catalog.ListBySeller", func(ctx context.Context) ([]catalog.Item, error) {
		return e.catalog.ListBySeller(ctx, sellerID)
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []Order{}, nil
	}
	ids := lo.Map(items, func(it catalog.Item, _ int) string { return it.ID })
	return retry.Read(ctx, e.cfg.Store, "orders.ListByCatalogItems", func(ctx context.Context) ([]Order, error) {
		return e.repo.ListByCatalogItems(ctx, ids)
	})
}

// Delete removes an order record. Stock is left as it is.
func (e *Engine) Delete(ctx context.Context, orderID string, a actor.Actor) error {
	if !a.IsAdmin() {
		return apperr.Forbidden("only admins can delete orders")
	}
	_, err := retry.Write(ctx, e.cfg.Store, "orders.Delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.repo.Delete(ctx, orderID)
	})
	if err != nil {
		return err
	}
	e.logger(ctx).Info().Str("order_id", orderID).Str("actor_id", a.ID).Msg("order deleted")
	e.publish(ctx, EventOrderDeleted, orderID, OrderDeletedPayload{OrderID: orderID, DeletedBy: a.ID})
	return nil
}

func (e *Engine) publish(ctx context.Context, eventType, orderID string, payload any) {
	env, err := newEnvelope(ctx, e.cfg.ServiceName, eventType, orderID, e.now(), payload)
	if err == nil {
		err = e.pub.Publish(ctx, env)
	}
	if err != nil {
		e.logger(ctx).Warn().Err(err).Str("event_type", eventType).Str("order_id", orderID).Msg("publish event")
	}
}

// logger prefers the request-scoped logger carried by ctx.
func (e *Engine) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &e.log
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, apperr.Code(err))
}
