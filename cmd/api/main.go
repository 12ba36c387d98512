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

	"github.com/ariefcatur/agri-market/internal/catalog"
	"github.com/ariefcatur/agri-market/internal/config"
	"github.com/ariefcatur/agri-market/internal/httpx"
	kafkax "github.com/ariefcatur/agri-market/internal/kafka"
	"github.com/ariefcatur/agri-market/internal/logging"
	"github.com/ariefcatur/agri-market/internal/metrics"
	"github.com/ariefcatur/agri-market/internal/orders"
	"github.com/ariefcatur/agri-market/internal/postgres"
	"github.com/ariefcatur/agri-market/internal/redisx"
	"github.com/ariefcatur/agri-market/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api exited")
	}
}

type stores struct {
	catalog catalog.Store
	orders  orders.Repository
	ready   func(context.Context) error
	close   func()
}

func openStores(ctx context.Context, cfg config.Config, log zerolog.Logger) (stores, error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn().Msg("using in-memory stores, data is lost on restart")
		return stores{
			catalog: catalog.NewMemoryStore(),
			orders:  orders.NewMemoryRepository(),
			ready:   func(context.Context) error { return nil },
			close:   func() {},
		}, nil
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return stores{}, fmt.Errorf("db connect: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return stores{}, err
	}
	return stores{
		catalog: catalog.NewPostgresStore(db),
		orders:  orders.NewPostgresRepository(db),
		ready:   db.Ping,
		close:   db.Close,
	}, nil
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OtelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := redisx.NewStore(rdb)

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prodCtx, stopProducer := context.WithCancel(context.Background())
	prod.Start(prodCtx)

	m := metrics.New()
	engine := orders.NewEngine(orders.Config{
		Store:                cfg.StorePolicy(),
		DefaultPaymentMethod: cfg.DefaultPaymentMethod,
		ServiceName:          cfg.ServiceName,
	}, st.catalog, st.orders,
		orders.WithLogger(log),
		orders.WithRecorder(m),
		orders.WithPublisher(orders.KafkaPublisher{Producer: prod}),
	)

	// prices go out as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true

	router := httpx.NewRouter(httpx.Deps{
		Catalog:        catalog.NewService(st.catalog, cfg.StorePolicy()),
		Engine:         engine,
		Idempotency:    cache,
		StatusCache:    cache,
		Metrics:        m,
		Log:            log,
		RequestTimeout: cfg.RequestTimeout,
		Ready: func(ctx context.Context) error {
			if err := st.ready(ctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			if err := cache.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreDriver).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	// handlers are done publishing; flush what is buffered
	stopProducer()
	prod.WaitClosed()
	return err
}
