package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	httpadapter "github.com/tlcfem/motion-base-go/internal/adapter/http"
	"github.com/tlcfem/motion-base-go/internal/auth"
	"github.com/tlcfem/motion-base-go/internal/blob"
	"github.com/tlcfem/motion-base-go/internal/broker"
	"github.com/tlcfem/motion-base-go/internal/config"
	"github.com/tlcfem/motion-base-go/internal/httpapi"
	"github.com/tlcfem/motion-base-go/internal/observability"
	"github.com/tlcfem/motion-base-go/internal/searchindex"
	"github.com/tlcfem/motion-base-go/internal/store"
	"github.com/tlcfem/motion-base-go/internal/tasks"
)

// The worker process consumes parse_archive and process_record jobs from
// the broker queue without serving any HTTP traffic itself, so deployments
// can scale archive ingestion and signal processing independently of the
// request-facing replicas.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelConnect()

	mongoClient, db, err := connectMongo(connectCtx, cfg)
	if err != nil {
		logger.Error("failed to connect to mongo", "error", err)
		os.Exit(1)
	}

	recordStore := store.New(db, metrics)

	index, err := searchindex.Connect(connectCtx, cfg.ElasticHost, metrics)
	if err != nil {
		logger.Error("failed to connect to elasticsearch", "error", err)
		os.Exit(1)
	}

	taskRegistry := tasks.New(db)
	users := auth.NewUsers(db)
	tokens := auth.NewTokenIssuer(cfg.SecretKey, cfg.Algorithm, cfg.AccessTokenExpiresIn)

	b, err := broker.Connect(cfg.RabbitMQURL, "motion-base-jobs", cfg.RabbitMQPrefetch, taskRegistry, metrics, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}

	blobStore := blob.New(cfg.FilesystemRoot, cfg.MainSite)

	server := &httpapi.Server{
		Store:    recordStore,
		Index:    index,
		Tasks:    taskRegistry,
		Broker:   b,
		Blob:     blobStore,
		Users:    users,
		Tokens:   tokens,
		Metrics:  metrics,
		Logger:   logger,
		MainSite: cfg.MainSite,
	}
	server.RegisterJobHandlers()

	healthServer := httpadapter.NewServer(cfg.HealthAddr, readinessChecker{mongoClient: mongoClient}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("worker consuming", "queue", "motion-base-jobs")
		if err := b.Consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("broker consume error", "error", err)
		}
	}()

	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := b.Close(); err != nil {
		logger.Error("broker close error", "error", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", "error", err)
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		logger.Error("mongo disconnect error", "error", err)
	}

	logger.Info("shutdown complete")
}

// readinessChecker reports the worker ready once mongo answers a ping.
type readinessChecker struct {
	mongoClient *mongo.Client
}

func (r readinessChecker) CheckReadiness(ctx context.Context) error {
	return r.mongoClient.Ping(ctx, nil)
}

func connectMongo(ctx context.Context, cfg *config.Config) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, client.Database(cfg.MongoDatabase), nil
}
