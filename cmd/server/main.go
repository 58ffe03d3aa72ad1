package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/card-cart/internal/adapter/auth"
	"github.com/rl1809/card-cart/internal/adapter/events"
	"github.com/rl1809/card-cart/internal/adapter/handler"
	"github.com/rl1809/card-cart/internal/adapter/storage"
	"github.com/rl1809/card-cart/internal/config"
	"github.com/rl1809/card-cart/internal/core/service"
	"github.com/rl1809/card-cart/internal/logging"
)

const (
	healthProbeInterval = 10 * time.Second
	validatorTimeout    = 5 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(config.ServiceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		logger.Fatal("failed to open mysql", zap.Error(err))
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping mysql", zap.Error(err))
	}
	if err := storage.RunMigrations(db); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("connected to mysql")
	mysqlAdapter := storage.NewMySQLAdapter(db)

	opts := []service.Option{}

	// Initialize Redis
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		opts = append(opts, service.WithCache(storage.NewRedisAdapter(rdb)))
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	// Initialize Kafka
	var publisher *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaTopic, cfg.KafkaBrokers...)
		opts = append(opts, service.WithPublisher(publisher))
		logger.Info("publishing cart events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	cartService := service.NewCartService(mysqlAdapter, logger, opts...)
	validator := auth.NewValidator(
		auth.NewHTTPAuthenticator(cfg.ValidatorURL, validatorTimeout, logger),
		auth.NewClaimExtractor(cfg.UserIDClaim),
	)

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	healthHandler := handler.NewGRPCHealthHandler(mysqlAdapter, logger, healthProbeInterval)
	healthHandler.Register(grpcServer)
	go healthHandler.Run(ctx)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.GRPCPort), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(cartService, mysqlAdapter, logger, cfg.RequestTimeout)
	httpServer := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(httpHandler.Routes(validator), config.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	// Stop HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	// Stop gRPC server
	cancel()
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	// Close connections
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka writer close", zap.Error(err))
		}
	}
	if rdb != nil {
		rdb.Close()
	}
	db.Close()
	logger.Info("connections closed")
}
