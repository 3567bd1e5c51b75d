package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/ministore/internal/adapter/events"
	"github.com/rl1809/ministore/internal/adapter/handler"
	"github.com/rl1809/ministore/internal/adapter/storage"
	"github.com/rl1809/ministore/internal/auth"
	"github.com/rl1809/ministore/internal/config"
	"github.com/rl1809/ministore/internal/core/service"
	"github.com/rl1809/ministore/internal/observability"
	"github.com/rl1809/ministore/internal/port"
)

type stores struct {
	catalog     port.CatalogRepository
	discounts   port.DiscountRepository
	orders      port.OrderRepository
	carts       port.CartRepository
	idempotency port.IdempotencyRepository
	checks      map[string]handler.HealthCheck
	close       func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	if cfg.SeedData {
		if err := service.SeedSampleData(ctx, st.catalog, st.discounts, time.Now()); err != nil {
			return fmt.Errorf("seed sample data: %w", err)
		}
		logger.Info("sample data seeded")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	cartService := service.NewCartService(st.catalog, st.carts, logger.Named("cart"))
	discountService := service.NewDiscountService(st.discounts, logger.Named("discount"), metrics)
	orderService := service.NewOrderService(service.OrderServiceDeps{
		Orders:             st.orders,
		Carts:              st.carts,
		Idempotency:        st.idempotency,
		Logger:             logger.Named("order"),
		Metrics:            metrics,
		MaxConflictRetries: cfg.Checkout.MaxConflictRetries,
		EventQueueSize:     cfg.Events.QueueSize,
	})

	publisher := newPublisher(cfg, logger)
	dispatcher := service.NewEventDispatcher(publisher, logger.Named("events"))
	dispatcher.Start(orderService.Events(), cfg.Events.Workers)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.LoggingInterceptor(logger.Named("grpc")),
		handler.AuthInterceptor(verifier),
	))
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(discountService, orderService, logger.Named("grpc")))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	router := handler.NewRouter(handler.RouterDeps{
		Handler:         handler.NewHTTPHandler(cartService, discountService, orderService, st.checks, logger.Named("http")),
		Verifier:        verifier,
		Logger:          logger.Named("http"),
		Metrics:         metrics,
		CheckoutLimiter: handler.NewRateLimiter(cfg.Checkout.RatePerMinute, cfg.Checkout.RateBurst),
	})
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		logger.Error("HTTP server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	orderService.Close()
	dispatcher.Wait()
	if err := publisher.Close(); err != nil {
		logger.Warn("close event publisher", zap.Error(err))
	}
	logger.Info("event workers stopped")
	return nil
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		mem := storage.NewMemoryAdapter()
		logger.Info("using in-memory storage")
		return &stores{
			catalog: mem, discounts: mem, orders: mem, carts: mem, idempotency: mem,
			checks: map[string]handler.HealthCheck{},
			close:  func() {},
		}, nil
	}

	db, err := sql.Open("mysql", cfg.Storage.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Storage.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Storage.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	logger.Info("connected to mysql")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.RedisAddr,
		Password: cfg.Storage.RedisPassword,
		PoolSize: cfg.Storage.RedisPoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("connected to redis")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	redisAdapter := storage.NewRedisAdapter(rdb, cfg.Storage.CartTTL)

	return &stores{
		catalog:     mysqlAdapter,
		discounts:   mysqlAdapter,
		orders:      mysqlAdapter,
		carts:       redisAdapter,
		idempotency: redisAdapter,
		checks: map[string]handler.HealthCheck{
			"mysql": db.PingContext,
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		close: func() {
			rdb.Close()
			db.Close()
			logger.Info("connections closed")
		},
	}, nil
}

func newPublisher(cfg config.Config, logger *zap.Logger) port.EventPublisher {
	if len(cfg.Events.KafkaBrokers) == 0 {
		logger.Info("no kafka brokers configured, logging order events")
		return events.NewLogPublisher(logger.Named("events"))
	}
	logger.Info("publishing order events to kafka",
		zap.Strings("brokers", cfg.Events.KafkaBrokers),
		zap.String("topic", cfg.Events.KafkaTopic),
	)
	return events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
}
