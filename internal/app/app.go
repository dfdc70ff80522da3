package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/order-cqrs/db"
	"github.com/xenking/order-cqrs/internal/broker"
	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/handler"
	"github.com/xenking/order-cqrs/internal/outbox"
	"github.com/xenking/order-cqrs/internal/projection"
	"github.com/xenking/order-cqrs/internal/query"
	"github.com/xenking/order-cqrs/internal/readmodel"
	"github.com/xenking/order-cqrs/internal/storage/memory"
	"github.com/xenking/order-cqrs/internal/storage/postgres"
	"github.com/xenking/order-cqrs/pkg/health"
	"github.com/xenking/order-cqrs/pkg/httpmiddleware"
)

// channel is the event channel between the dispatcher and the projector.
type channel interface {
	broker.Publisher
	broker.Subscriber
}

// stores groups the write store, its outbox and the read store.
type stores struct {
	orders order.Repository
	outbox interface {
		outbox.Store
		projection.EventSource
	}
	views readmodel.Store
}

// Run creates all dependencies, starts the HTTP server, the outbox dispatcher
// and the projector, and handles graceful shutdown. It is the single wiring
// point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("broker", cfg.Broker.Driver),
	)
	if cfg.GatewaySecret == "" {
		lg.Warn("Gateway secret is empty, identity headers are trusted without a signature")
	}

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Stores.
	st := stores{}
	switch cfg.Storage.Driver {
	case DriverPostgres:
		writePool, err := postgres.NewPool(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "create write pool")
		}
		defer writePool.Close()

		readPool, err := postgres.NewPool(ctx, cfg.Storage.ReadURL)
		if err != nil {
			return errors.Wrap(err, "create read pool")
		}
		defer readPool.Close()

		if cfg.Storage.Migrate {
			if err := postgres.RunMigrations(ctx, writePool, db.WriteSchema); err != nil {
				return errors.Wrap(err, "migrate write store")
			}
			if err := postgres.RunMigrations(ctx, readPool, db.ReadSchema); err != nil {
				return errors.Wrap(err, "migrate read store")
			}
		}
		healthSvc.AddReadinessCheck("write-db", 5*time.Second, health.PingCheck(writePool))
		healthSvc.AddReadinessCheck("read-db", 5*time.Second, health.PingCheck(readPool))

		ob := postgres.NewOutboxStore(writePool)
		st = stores{
			orders: postgres.NewOrderRepository(writePool),
			outbox: ob,
			views:  postgres.NewViewStore(readPool),
		}
	case DriverMemory:
		lg.Warn("Using in-memory stores, state is lost on restart")
		orders := memory.NewOrders()
		st = stores{
			orders: orders,
			outbox: orders,
			views:  memory.NewViews(),
		}
	}

	healthSvc.AddReadinessCheck("outbox-lag", 5*time.Second, health.LagCheck(
		func(ctx context.Context) (time.Time, error) {
			s, err := st.outbox.Summary(ctx)
			return s.OldestPendingAt, err
		},
		cfg.Outbox.MaxLag, nil,
	), health.Thresholds{Failure: 3, Success: 1})

	// Event channel.
	var ch channel
	switch cfg.Broker.Driver {
	case DriverKafka:
		k := broker.NewKafka(broker.KafkaConfig{
			Brokers: cfg.Broker.Brokers,
			Topic:   cfg.Broker.Topic,
			GroupID: cfg.Broker.GroupID,
		})
		defer func() {
			if err := k.Close(); err != nil {
				lg.Error("Close kafka writer", zap.Error(err))
			}
		}()
		ch = k
	case DriverMemory:
		ch = broker.NewMemory()
	}

	// Redis carries the dispatcher leader lease and shared rate limit counts.
	var (
		lease   outbox.Leaser
		limiter httpmiddleware.Limiter
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer func() { _ = rdb.Close() }()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		lease = outbox.NewRedisLease(rdb, cfg.Redis.LeaseKey, leaseOwner(), cfg.Redis.LeaseTTL)
		limiter = httpmiddleware.NewRedisLimiter(rdb, cfg.RateLimit.Prefix, cfg.RateLimit.Max, cfg.RateLimit.Window)
	}

	// Write side.
	orderService, err := order.NewService(st.orders, order.ServiceOptions{
		Timeout:        cfg.Commands.Timeout,
		MaxAttempts:    cfg.Commands.MaxAttempts,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create order service")
	}
	dispatcher, err := outbox.NewDispatcher(st.outbox, ch, outbox.DispatcherOptions{
		Interval:       cfg.Outbox.Interval,
		BatchSize:      cfg.Outbox.BatchSize,
		PublishTimeout: cfg.Outbox.PublishTimeout,
		AlertAttempts:  cfg.Outbox.AlertAttempts,
		Lease:          lease,
		MeterProvider:  m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create outbox dispatcher")
	}

	// Read side.
	projector, err := projection.New(st.views, projection.Options{
		Source:        st.outbox,
		MeterProvider: m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create projector")
	}
	queryHandler := query.NewHandler(st.views, query.Options{
		Timeout:        cfg.Queries.Timeout,
		TracerProvider: m.TracerProvider(),
	})

	// HTTP handlers.
	h := handler.NewHandler(
		handler.HandlerConfig{},
		orderService,
		queryHandler,
		handler.NewSecurityHandler([]byte(cfg.GatewaySecret)),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Commands.Timeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("orders-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				Limiter: limiter,
			}),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Background workers stop with ctx; the server stops in the shutdown
	// goroutine below.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := dispatcher.Run(zctx.With(gctx, zap.String("worker", "outbox"))); err != nil {
			return errors.Wrap(err, "outbox dispatcher")
		}
		return nil
	})
	g.Go(func() error {
		if err := ch.Subscribe(zctx.With(gctx, zap.String("worker", "projector")), projector.Handle); err != nil {
			return errors.Wrap(err, "projector")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		if ctx.Err() != nil {
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// leaseOwner identifies this process in the dispatcher lease.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orders"
	}
	return host + "-" + uuid.NewString()
}
