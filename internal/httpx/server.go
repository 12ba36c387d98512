package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/agri-market/internal/catalog"
	"github.com/ariefcatur/agri-market/internal/logging"
	"github.com/ariefcatur/agri-market/internal/metrics"
	"github.com/ariefcatur/agri-market/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Deps struct {
	Catalog *catalog.Service
	Engine  *orders.Engine

	// Both optional; without them idempotency keys are refused and status
	// reads go straight to the store.
	Idempotency IdempotencyStore
	StatusCache StatusCache

	Metrics        *metrics.Metrics
	Log            zerolog.Logger
	RequestTimeout time.Duration

	// Ready reports whether backing stores answer. Nil means always ready.
	Ready func(ctx context.Context) error
}

func NewRouter(d Deps) *chi.Mux {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, tracing(), logging.Middleware(d.Log), middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}
	r.Use(middleware.Timeout(d.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "not_ready", Message: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		(&CatalogHandler{Service: d.Catalog}).Register(r)
		(&OrdersHandler{Engine: d.Engine, Idempotency: d.Idempotency, StatusCache: d.StatusCache}).Register(r)
	})
	return r
}

// tracing continues a trace propagated by the caller, or starts one. The
// logging middleware runs inside it so request lines carry the trace id.
func tracing() func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware("http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}
