package httpx

import (
	"net/http"
	"strconv"

	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/ariefcatur/agri-market/internal/catalog"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type CatalogHandler struct {
	Service *catalog.Service
}

type ItemReq struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Manufacturer string          `json:"manufacturer"`
	Type         string          `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
	Status       string          `json:"status,omitempty"`
	Images       []string        `json:"images,omitempty"`
	// SellerID is honoured for admins only.
	SellerID string `json:"sellerId,omitempty"`
}

func (req ItemReq) input() catalog.Input {
	in := catalog.Input{
		Name:         req.Name,
		Description:  req.Description,
		Manufacturer: req.Manufacturer,
		Type:         catalog.Type(req.Type),
		Price:        req.Price,
		Quantity:     req.Quantity,
		Status:       catalog.Status(req.Status),
		Images:       req.Images,
	}
	if t, ok := catalog.ToType(req.Type); ok {
		in.Type = t
	}
	if s, ok := catalog.ToStatus(req.Status); ok {
		in.Status = s
	}
	return in
}

func (h *CatalogHandler) Register(r chi.Router) {
	r.Route("/inputs", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/seller/{sellerID}", h.listBySeller)
		r.Get("/type/{type}", h.listByType)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
	})
}

func (h *CatalogHandler) list(w http.ResponseWriter, r *http.Request) {
	onlyAvailable := false
	if v := r.URL.Query().Get("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, apperr.Invalid("available", "must be a boolean"))
			return
		}
		onlyAvailable = b
	}
	items, err := h.Service.List(r.Context(), onlyAvailable)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *CatalogHandler) get(w http.ResponseWriter, r *http.Request) {
	item, err := h.Service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *CatalogHandler) listBySeller(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.ListBySeller(r.Context(), chi.URLParam(r, "sellerID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *CatalogHandler) listByType(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.ListByType(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *CatalogHandler) create(w http.ResponseWriter, r *http.Request) {
	a, err := requireActor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ItemReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	item, err := h.Service.Create(r.Context(), a, req.SellerID, req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *CatalogHandler) update(w http.ResponseWriter, r *http.Request) {
	a, err := requireActor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ItemReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.SellerID != "" {
		writeError(w, r, apperr.Invalid("sellerId", "cannot be changed"))
		return
	}
	item, err := h.Service.Update(r.Context(), a, chi.URLParam(r, "id"), req.input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *CatalogHandler) delete(w http.ResponseWriter, r *http.Request) {
	a, err := requireActor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Service.Delete(r.Context(), a, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
