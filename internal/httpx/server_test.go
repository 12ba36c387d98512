package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/agri-market/internal/actor"
	"github.com/ariefcatur/agri-market/internal/catalog"
	"github.com/ariefcatur/agri-market/internal/httpx"
	"github.com/ariefcatur/agri-market/internal/metrics"
	"github.com/ariefcatur/agri-market/internal/orders"
	"github.com/ariefcatur/agri-market/internal/redisx"
	"github.com/ariefcatur/agri-market/internal/retry"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testPolicy = retry.Policy{Timeout: 200 * time.Millisecond, Attempts: 2, BaseDelay: time.Millisecond}

type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memIdempotency) ClaimIdempotency(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.keys[key]; ok {
		return id, false, nil
	}
	m.keys[key] = ""
	return "", true, nil
}

func (m *memIdempotency) CompleteIdempotency(_ context.Context, key, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = orderID
	return nil
}

func (m *memIdempotency) ReleaseIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type memStatusCache struct {
	mu      sync.Mutex
	entries map[string]redisx.StatusEntry
}

func (c *memStatusCache) OrderStatus(_ context.Context, id string) (redisx.StatusEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok, nil
}

func (c *memStatusCache) SetOrderStatus(_ context.Context, id string, e redisx.StatusEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = e
	return nil
}

func (c *memStatusCache) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

type testServer struct {
	router http.Handler
	store  *catalog.MemoryStore
	idem   *memIdempotency
	cache  *memStatusCache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := catalog.NewMemoryStore()
	ts := &testServer{
		store: store,
		idem:  &memIdempotency{keys: make(map[string]string)},
		cache: &memStatusCache{entries: make(map[string]redisx.StatusEntry)},
	}
	engine := orders.NewEngine(orders.Config{Store: testPolicy}, store, orders.NewMemoryRepository())
	ts.router = httpx.NewRouter(httpx.Deps{
		Catalog:        catalog.NewService(store, testPolicy),
		Engine:         engine,
		Idempotency:    ts.idem,
		StatusCache:    ts.cache,
		Metrics:        metrics.New(),
		Log:            zerolog.Nop(),
		RequestTimeout: time.Second,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, a actor.Actor, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !a.IsZero() {
		req.Header.Set(httpx.HeaderActorID, a.ID)
		req.Header.Set(httpx.HeaderActorRole, string(a.Role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seed(t *testing.T, sellerID string, quantity int) catalog.Item {
	t.Helper()
	it, err := ts.store.Create(t.Context(), catalog.Item{
		Name:        gofakeit.ProductName(),
		Description: gofakeit.ProductDescription(),
		Type:        catalog.TypeFertilizer,
		Price:       decimal.RequireFromString("12.50"),
		Quantity:    quantity,
		SellerID:    sellerID,
		Status:      catalog.StatusAvailable,
	})
	require.NoError(t, err)
	return it
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Available *int   `json:"available"`
}

var (
	admin  = actor.Actor{ID: "admin-1", Role: actor.RoleAdmin}
	seller = actor.Actor{ID: "seller-1", Role: actor.RoleSeller}
	buyer  = actor.Actor{ID: "buyer-1", Role: actor.RoleBuyer}
	nobody = actor.Actor{}
)

func orderBody(email string, lines ...httpx.OrderItemReq) httpx.PlaceOrderReq {
	return httpx.PlaceOrderReq{
		Items: lines,
		ShippingAddress: orders.ShippingAddress{
			City:       gofakeit.City(),
			PostalCode: gofakeit.Zip(),
			Phone:      gofakeit.Phone(),
		},
		Customer: orders.Customer{Email: email},
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nobody, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/readyz", nobody, nil).Code)

	down := httpx.NewRouter(httpx.Deps{
		Catalog: catalog.NewService(catalog.NewMemoryStore(), testPolicy),
		Engine:  orders.NewEngine(orders.Config{Store: testPolicy}, catalog.NewMemoryStore(), orders.NewMemoryRepository()),
		Log:     zerolog.Nop(),
		Ready:   func(context.Context) error { return errors.New("postgres: connection refused") },
	})
	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/v1/inputs", nobody, nil)

	rec := ts.do(t, http.MethodGet, "/metrics", nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}

func TestCatalogLifecycle(t *testing.T) {
	ts := newTestServer(t)
	body := httpx.ItemReq{
		Name:        "Hybrid maize",
		Description: "Drought tolerant",
		Type:        "Seed",
		Price:       decimal.RequireFromString("30"),
		Quantity:    40,
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/inputs", seller, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[catalog.Item](t, rec)
	assert.Equal(t, seller.ID, created.SellerID)
	assert.Equal(t, catalog.StatusAvailable, created.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/inputs/"+created.ID, nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/inputs/seller/"+seller.ID, nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]catalog.Item](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/inputs/type/Seed", nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]catalog.Item](t, rec), 1)

	other := actor.Actor{ID: "seller-2", Role: actor.RoleSeller}
	body.Quantity = 0
	rec = ts.do(t, http.MethodPut, "/api/v1/inputs/"+created.ID, other, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/inputs/"+created.ID, seller, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[catalog.Item](t, rec).Quantity)

	rec = ts.do(t, http.MethodGet, "/api/v1/inputs?available=true", nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]catalog.Item](t, rec))

	rec = ts.do(t, http.MethodDelete, "/api/v1/inputs/"+created.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/inputs/"+created.ID, nobody, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errBody](t, rec).Error)
}

func TestCatalogWritesNeedAnActor(t *testing.T) {
	ts := newTestServer(t)
	body := httpx.ItemReq{Name: "Hoe", Description: "Steel", Type: "Tool", Quantity: 1}

	tests := []struct {
		name string
		a    actor.Actor
		want int
	}{
		{name: "anonymous", a: nobody, want: http.StatusForbidden},
		{name: "buyer", a: buyer, want: http.StatusForbidden},
		{name: "admin without seller", a: admin, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/inputs", tt.a, body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRequestBodyIsStrict(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"name":"x","description":"y","type":"Tool","price":1,"quantity":1,"colour":"red"}`},
		{name: "wrong type", body: `{"name":"x","description":"y","type":"Tool","price":1,"quantity":"one"}`},
		{name: "trailing object", body: `{"name":"x","description":"y","type":"Tool","price":1,"quantity":1}{}`},
		{name: "empty", body: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/inputs", seller, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_error", decode[errBody](t, rec).Error)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/inputs?available=maybe", nobody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRoleIsRejected(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/orders", actor.Actor{ID: "x", Role: "Wizard"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceOrderErrors(t *testing.T) {
	ts := newTestServer(t)
	item := ts.seed(t, seller.ID, 3)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", nobody, orderBody("a@b.c"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "empty_order", decode[errBody](t, rec).Error)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("a@b.c", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 5}))
	require.Equal(t, http.StatusConflict, rec.Code)
	eb := decode[errBody](t, rec)
	assert.Equal(t, "insufficient_stock", eb.Error)
	require.NotNil(t, eb.Available)
	assert.Equal(t, 3, *eb.Available)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("a@b.c", httpx.OrderItemReq{CatalogItemID: "missing", Quantity: 1}))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("not-an-email", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 1}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotentPlaceOrder(t *testing.T) {
	ts := newTestServer(t)
	item := ts.seed(t, seller.ID, 10)
	body := orderBody("buyer@example.com", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 4})

	first := ts.do(t, http.MethodPost, "/api/v1/orders", nobody, body, httpx.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := ts.do(t, http.MethodPost, "/api/v1/orders", nobody, body, httpx.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, "true", second.Header().Get(httpx.HeaderReplayed))

	assert.Equal(t, decode[orders.Order](t, first).ID, decode[orders.Order](t, second).ID)
	got, err := ts.store.Get(t.Context(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Quantity)
}

func TestIdempotencyKeyInFlight(t *testing.T) {
	ts := newTestServer(t)
	item := ts.seed(t, seller.ID, 10)
	_, claimed, err := ts.idem.ClaimIdempotency(t.Context(), "k-busy")
	require.NoError(t, err)
	require.True(t, claimed)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("a@b.c", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 1}),
		httpx.HeaderIdempotencyKey, "k-busy")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "request_in_progress", decode[errBody](t, rec).Error)
}

func TestFailedAttemptReleasesKey(t *testing.T) {
	ts := newTestServer(t)
	item := ts.seed(t, seller.ID, 1)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("a@b.c", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 2}),
		httpx.HeaderIdempotencyKey, "k-retry")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("a@b.c", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 1}),
		httpx.HeaderIdempotencyKey, "k-retry")
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestOrderLifecycle(t *testing.T) {
	ts := newTestServer(t)
	item := ts.seed(t, seller.ID, 5)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("Buyer@Example.com", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 2}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o := decode[orders.Order](t, rec)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.True(t, decimal.RequireFromString("25").Equal(o.TotalAmount))

	statusPath := "/api/v1/orders/" + o.ID + "/status"
	rec = ts.do(t, http.MethodGet, statusPath, nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", decode[httpx.StatusResp](t, rec).Source)

	ts.cache.drop(o.ID)
	rec = ts.do(t, http.MethodGet, statusPath, nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sr := decode[httpx.StatusResp](t, rec)
	assert.Equal(t, "store", sr.Source)
	assert.Equal(t, string(orders.StatusPending), sr.Status)

	rec = ts.do(t, http.MethodPut, statusPath, buyer, httpx.UpdateStatusReq{Status: "Processing"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, statusPath, seller, httpx.UpdateStatusReq{Status: "Delivered"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[errBody](t, rec).Error)

	rec = ts.do(t, http.MethodPut, statusPath, seller, httpx.UpdateStatusReq{Status: "Teleported"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/feedback", nobody, httpx.FeedbackReq{Rating: 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, s := range []string{"Processing", "Shipped", "Delivered"} {
		rec = ts.do(t, http.MethodPut, statusPath, seller, httpx.UpdateStatusReq{Status: s})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodGet, statusPath, nobody, nil)
	assert.Equal(t, string(orders.StatusDelivered), decode[httpx.StatusResp](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/feedback", nobody, httpx.FeedbackReq{Rating: 6})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/feedback", nobody,
		httpx.FeedbackReq{Rating: 4, Comment: "Good germination"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	delivered := decode[orders.Order](t, rec)
	require.NotNil(t, delivered.Feedback)
	assert.Equal(t, 4, delivered.Feedback.Rating)
	assert.NotNil(t, delivered.DeliveredAt)
	assert.True(t, delivered.IsPaid)
	assert.NotNil(t, delivered.PaidAt)

	rec = ts.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/feedback", nobody, httpx.FeedbackReq{Rating: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRestocksThroughAPI(t *testing.T) {
	ts := newTestServer(t)
	item := ts.seed(t, seller.ID, 5)

	rec := ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("a@b.c", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 5}))
	require.Equal(t, http.StatusCreated, rec.Code)
	o := decode[orders.Order](t, rec)

	rec = ts.do(t, http.MethodPut, "/api/v1/orders/"+o.ID+"/status", admin, httpx.UpdateStatusReq{Status: "Cancelled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := ts.store.Get(t.Context(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)
}

func TestOrderLookups(t *testing.T) {
	ts := newTestServer(t)
	mine := ts.seed(t, seller.ID, 10)
	theirs := ts.seed(t, "seller-2", 10)

	for _, b := range []httpx.PlaceOrderReq{
		orderBody("farmer@example.com", httpx.OrderItemReq{CatalogItemID: mine.ID, Quantity: 1}),
		orderBody("farmer@example.com", httpx.OrderItemReq{CatalogItemID: theirs.ID, Quantity: 1}),
		orderBody("other@example.com", httpx.OrderItemReq{CatalogItemID: theirs.ID, Quantity: 1}),
	} {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/orders", nobody, b).Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/orders/by-email/Farmer%40Example.COM", nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]orders.Order](t, rec), 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/orders/seller/"+seller.ID, nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]orders.Order](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/orders/seller/nobody-sells", nobody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]orders.Order](t, rec))
}

func TestAdminOnlyListAndDelete(t *testing.T) {
	ts := newTestServer(t)
	item := ts.seed(t, seller.ID, 10)
	rec := ts.do(t, http.MethodPost, "/api/v1/orders", nobody,
		orderBody("a@b.c", httpx.OrderItemReq{CatalogItemID: item.ID, Quantity: 1}))
	require.Equal(t, http.StatusCreated, rec.Code)
	o := decode[orders.Order](t, rec)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/v1/orders", seller, nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/v1/orders", nobody, nil).Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/orders", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]orders.Order](t, rec), 1)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, "/api/v1/orders/"+o.ID, seller, nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/orders/"+o.ID, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/orders/"+o.ID, nobody, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/v1/orders/"+o.ID, admin, nil).Code)
}
