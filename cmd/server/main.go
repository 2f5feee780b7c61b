package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/rl1809/inventory-replenishment/internal/adapter/handler"
	"github.com/rl1809/inventory-replenishment/internal/adapter/storage"
	"github.com/rl1809/inventory-replenishment/internal/config"
	"github.com/rl1809/inventory-replenishment/internal/core/service"
	"github.com/rl1809/inventory-replenishment/internal/logger"
	"github.com/rl1809/inventory-replenishment/internal/metrics"
	"github.com/rl1809/inventory-replenishment/internal/port"
)

const serviceName = "inventory-server"

// stores bundles the ports backed by the selected store driver.
type stores struct {
	ledger    port.LedgerRepository
	sequences port.SequenceRepository
	outbox    port.OutboxRepository
	cache     port.CacheRepository
	feed      port.ChangeFeed
	publisher port.ChangePublisher
	close     func()
}

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Environment: cfg.Server.Env, ServiceName: serviceName})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zl.Sync()
	zl.Info("starting", cfg.LogFields()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("open stores", zap.Error(err))
	}
	defer st.close()

	// Initialize services
	deliveries := service.NewDeliveryService(st.ledger, zl, m, cfg.Delivery.Workers, cfg.Delivery.QueueSize)
	sequences := service.NewSequenceService(st.sequences, zl, m)
	transactions := service.NewTransactionService(st.ledger, sequences, deliveries, st.cache, zl, m)
	inventory := service.NewInventoryService(st.ledger, zl)
	notifier := service.NewNotifierService(st.feed, zl, m, service.BackoffPolicy{Initial: cfg.Backoff.Initial, Max: cfg.Backoff.Max})
	relay := service.NewRelayService(st.outbox, st.publisher, zl, m, cfg.Relay.Interval, cfg.Relay.BatchSize)
	reactor := service.NewReplenishmentService(notifier, st.ledger, transactions, zl, m)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := reactor.Run(ctx); err != nil {
			zl.Error("replenishment reactor stopped", zap.Error(err))
			stop()
		}
	}()

	deliveries.Start(ctx)
	if n, err := deliveries.Recover(ctx); err != nil {
		zl.Error("delivery recovery failed", zap.Error(err))
	} else {
		zl.Info("deliveries recovered", zap.Int("items", n))
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    cfg.Server.HeartbeatInterval,
		Timeout: cfg.Server.HeartbeatInterval,
	}))
	handler.NewGRPCHandler(transactions, inventory, notifier, zl).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		zl.Fatal("listen grpc", zap.Error(err))
	}
	go func() {
		zl.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			zl.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	mux := http.NewServeMux()
	handler.NewHTTPHandler(transactions, inventory, zl).Register(mux)
	handler.NewStreamHandler(notifier, zl, cfg.Server.HeartbeatInterval).Register(mux)
	mux.Handle("GET /metrics", m.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           logger.Middleware(zl)(m.Middleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		// streams end with the process context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		zl.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("HTTP server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	zl.Info("HTTP server stopped")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	zl.Info("gRPC server stopped")

	deliveries.Stop()
	wg.Wait()
	zl.Info("workers stopped")
}

func openStores(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		mem := storage.NewMemoryAdapter()
		for _, p := range sampleCatalog() {
			if err := mem.SeedProduct(p); err != nil {
				return nil, err
			}
		}
		stream := storage.NewMemoryStream(int(cfg.Redis.StreamMaxLen))
		zl.Info("using in-memory store", zap.Int("products", len(sampleCatalog())))
		return &stores{
			ledger: mem, sequences: mem, outbox: mem, cache: mem,
			feed: stream, publisher: stream,
			close: func() {},
		}, nil
	}

	db, err := sqlx.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	zl.Info("connected to mysql")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, err
	}
	zl.Info("connected to redis", zap.String("stream", cfg.Redis.StreamKey))

	mysqlAdapter := storage.NewMySQLAdapter(db)
	redisAdapter := storage.NewRedisAdapter(rdb, cfg.Redis.StreamKey, cfg.Redis.StreamMaxLen)
	return &stores{
		ledger: mysqlAdapter, sequences: mysqlAdapter, outbox: mysqlAdapter, cache: redisAdapter,
		feed: redisAdapter, publisher: redisAdapter,
		close: func() {
			rdb.Close()
			db.Close()
			zl.Info("connections closed")
		},
	}, nil
}
