package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/messaging"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/logger"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	shutdownTimeout = 10 * time.Second
	// per-IP rate buckets unused this long are dropped
	rateLimitIdle = 10 * time.Minute
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		zl.Fatal("failed to open mysql", zap.Error(err))
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		zl.Fatal("failed to ping mysql", zap.Error(err))
	}
	if err := storage.Migrate(ctx, db); err != nil {
		zl.Fatal("failed to migrate mysql", zap.Error(err))
	}
	zl.Info("connected to mysql")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		PoolSize: 100,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		zl.Fatal("failed to connect redis", zap.Error(err))
	}
	zl.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	redisAdapter := storage.NewRedisAdapter(rdb, cfg.CartTTL)
	mysqlAdapter := storage.NewMySQLAdapter(db)

	// Kafka is optional; without brokers expired holds are only logged.
	var events port.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher := messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, zl)
		defer publisher.Close()
		events = publisher
	}

	var locker port.Locker
	if cfg.SweepLock {
		locker = redisAdapter
	}

	rules := service.PricingRules{
		TaxRate:               cfg.TaxRate,
		FreeDeliveryThreshold: cfg.FreeDeliveryThreshold,
		DeliveryFee:           cfg.DeliveryFee,
	}
	reservations := service.NewReservationService(redisAdapter, mysqlAdapter, cfg.ReservationTimeout, zl)
	carts := service.NewCartService(redisAdapter, mysqlAdapter, reservations, rules, zl)
	checkout := service.NewCheckoutService(redisAdapter, mysqlAdapter, reservations, rules, zl)

	sweeper := service.NewSweeper(redisAdapter, events, locker, zl)
	sweeper.Start(cfg.CleanupInterval)
	defer sweeper.Stop()

	// gRPC
	grpcServer := grpc.NewServer()
	handler.RegisterReservationServiceServer(grpcServer, handler.NewGRPCHandler(reservations, zl))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		zl.Fatal("failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	// HTTP
	httpHandler := handler.NewHTTPHandler(carts, reservations, checkout, sweeper, zl)
	limiter := handler.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.NewRouter(httpHandler, limiter, zl, 30*time.Second),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		limiter.Run(gctx, time.Minute, rateLimitIdle)
		return nil
	})

	g.Go(func() error {
		zl.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		zl.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zl.Warn("HTTP shutdown", zap.Error(err))
		}
		zl.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		zl.Info("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		zl.Error("server exited with error", zap.Error(err))
	}
	zl.Info("server exited")
}
