package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/agri-market/internal/config"
	kafkax "github.com/ariefcatur/agri-market/internal/kafka"
	"github.com/ariefcatur/agri-market/internal/logging"
	"github.com/ariefcatur/agri-market/internal/metrics"
	"github.com/ariefcatur/agri-market/internal/orders"
	"github.com/ariefcatur/agri-market/internal/redisx"
	"github.com/ariefcatur/agri-market/internal/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// tracker keeps the order status cache in Redis in step with the order
// event stream, so status reads can skip the database.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	name := cfg.ServiceName + "-tracker"
	log := logging.New(cfg.LogLevel, name)
	if err := run(cfg, name, log); err != nil {
		log.Fatal().Err(err).Msg("tracker exited")
	}
}

func run(cfg config.Config, name string, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := redisx.NewStore(rdb)

	m := metrics.New()
	svc := tracker.NewService(cache, name, log, m)
	topics := orders.Topics()
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.TrackerGroup, topics, cfg.TrackerWorkers, log)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := cache.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("group", cfg.TrackerGroup).Strs("topics", topics).Int("workers", cfg.TrackerWorkers).Msg("consumer started")
		if err := cons.Start(gctx, svc.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
