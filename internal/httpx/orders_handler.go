package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/ariefcatur/agri-market/internal/orders"
	"github.com/ariefcatur/agri-market/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 128
)

// IdempotencyStore remembers which order a client key produced.
type IdempotencyStore interface {
	ClaimIdempotency(ctx context.Context, key string) (orderID string, claimed bool, err error)
	CompleteIdempotency(ctx context.Context, key, orderID string) error
	ReleaseIdempotency(ctx context.Context, key string) error
}

// StatusCache holds the last known status per order. It is a read-through
// hint; the order store stays authoritative.
type StatusCache interface {
	OrderStatus(ctx context.Context, orderID string) (redisx.StatusEntry, bool, error)
	SetOrderStatus(ctx context.Context, orderID string, e redisx.StatusEntry) error
}

type OrdersHandler struct {
	Engine      *orders.Engine
	Idempotency IdempotencyStore
	StatusCache StatusCache
}

type OrderItemReq struct {
	CatalogItemID string `json:"catalogItemId"`
	Quantity      int    `json:"quantity"`
}

type PlaceOrderReq struct {
	Items           []OrderItemReq         `json:"items"`
	ShippingAddress orders.ShippingAddress `json:"shippingAddress"`
	Customer        orders.Customer        `json:"customer"`
	PaymentMethod   string                 `json:"paymentMethod,omitempty"`
}

type UpdateStatusReq struct {
	Status string `json:"status"`
}

type FeedbackReq struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type StatusResp struct {
	OrderID   string    `json:"orderId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	Source    string    `json:"source"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/by-email/{email}", h.listByEmail)
		r.Get("/seller/{sellerID}", h.listBySeller)
		r.Get("/{id}", h.get)
		r.Get("/{id}/status", h.status)
		r.Put("/{id}/status", h.updateStatus)
		r.Post("/{id}/feedback", h.feedback)
		r.Delete("/{id}", h.delete)
	})
}

func (h *OrdersHandler) create(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := orders.PlaceOrderInput{
		ShippingAddress: req.ShippingAddress,
		Customer:        req.Customer,
		PaymentMethod:   req.PaymentMethod,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, orders.LineInput{CatalogItemID: it.CatalogItemID, Quantity: it.Quantity})
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		o, err := h.Engine.PlaceOrder(r.Context(), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h.cacheStatus(r.Context(), o)
		writeJSON(w, http.StatusCreated, o)
		return
	}
	h.createIdempotent(w, r, key, in)
}

// createIdempotent places at most one order per key. A retry after success
// replays the stored order; a retry while the first attempt still runs is
// rejected; a failed attempt frees the key.
func (h *OrdersHandler) createIdempotent(w http.ResponseWriter, r *http.Request, key string, in orders.PlaceOrderInput) {
	if h.Idempotency == nil {
		writeError(w, r, apperr.Invalid(HeaderIdempotencyKey, "not supported by this deployment"))
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, apperr.Invalid(HeaderIdempotencyKey, "too long"))
		return
	}

	ctx := r.Context()
	orderID, claimed, err := h.Idempotency.ClaimIdempotency(ctx, key)
	if err != nil {
		writeError(w, r, apperr.Unavailable("idempotency.Claim", err))
		return
	}
	if !claimed {
		if orderID == "" {
			writeJSON(w, http.StatusConflict, errorResp{
				Error:   "request_in_progress",
				Message: "a request with this idempotency key is still being processed",
			})
			return
		}
		o, err := h.Engine.Get(ctx, orderID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set(HeaderReplayed, "true")
		writeJSON(w, http.StatusOK, o)
		return
	}

	o, err := h.Engine.PlaceOrder(ctx, in)
	// the request context may already be gone; the key must not stay claimed
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := h.Idempotency.ReleaseIdempotency(bg, key); rerr != nil {
			zerolog.Ctx(ctx).Warn().Err(rerr).Str("idempotency_key", key).Msg("release idempotency key failed")
		}
		writeError(w, r, err)
		return
	}
	if cerr := h.Idempotency.CompleteIdempotency(bg, key, o.ID); cerr != nil {
		zerolog.Ctx(ctx).Warn().Err(cerr).Str("idempotency_key", key).Str("order_id", o.ID).Msg("complete idempotency key failed")
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// status answers from the cache when it can and fills it on a miss.
func (h *OrdersHandler) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.StatusCache != nil {
		e, ok, err := h.StatusCache.OrderStatus(ctx, id)
		switch {
		case err != nil:
			zerolog.Ctx(ctx).Warn().Err(err).Str("order_id", id).Msg("status cache read failed")
		case ok:
			writeJSON(w, http.StatusOK, StatusResp{OrderID: id, Status: e.Status, UpdatedAt: e.UpdatedAt, Source: "cache"})
			return
		}
	}

	o, err := h.Engine.Get(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, StatusResp{OrderID: o.ID, Status: string(o.Status), UpdatedAt: o.UpdatedAt, Source: "store"})
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req UpdateStatusReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Engine.UpdateStatus(r.Context(), chi.URLParam(r, "id"), orders.Status(req.Status), a)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.cacheStatus(r.Context(), o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) feedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Engine.AttachFeedback(r.Context(), chi.URLParam(r, "id"), req.Rating, req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.Engine.List(r.Context(), a)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) listByEmail(w http.ResponseWriter, r *http.Request) {
	out, err := h.Engine.ListByEmail(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) listBySeller(w http.ResponseWriter, r *http.Request) {
	out, err := h.Engine.ListBySeller(r.Context(), chi.URLParam(r, "sellerID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) delete(w http.ResponseWriter, r *http.Request) {
	a, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Engine.Delete(r.Context(), chi.URLParam(r, "id"), a); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o orders.Order) {
	if h.StatusCache == nil {
		return
	}
	err := h.StatusCache.SetOrderStatus(ctx, o.ID, redisx.StatusEntry{Status: string(o.Status), UpdatedAt: o.UpdatedAt})
	if err != nil && !errors.Is(err, context.Canceled) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("order_id", o.ID).Msg("status cache write failed")
	}
}
