package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/seat-allocation/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/seat-allocation/internal/adapters/mongo"
	"github.com/robertarktes/seat-allocation/internal/adapters/payment"
	redisadapter "github.com/robertarktes/seat-allocation/internal/adapters/redis"
	"github.com/robertarktes/seat-allocation/internal/authorize"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/config"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"github.com/robertarktes/seat-allocation/internal/placeorder"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "seat-allocation-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	locks := redisadapter.NewStockRepository(redisClient)

	clk := clock.NewSystem()

	// Only the release path of the authorizer runs here.
	releaser := authorize.NewService(authorize.Deps{
		Transactions: repo,
		Actions:      repo,
		Tasks:        repo,
		Locks:        locks,
		RateLimits:   redisadapter.NewRateLimitRepository(redisClient),
		Gateway:      payment.NewOfflineGateway(),
		Audit:        audit,
	}, clk, authorize.WithLogger(logger), authorize.WithTaskTries(cfg.TaskMaxTries))

	svc := placeorder.NewService(placeorder.Deps{
		Transactions: repo,
		Actions:      repo,
		Tasks:        repo,
		Locks:        locks,
		Releaser:     releaser,
	}, clk, placeorder.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go run(ctx, svc, cfg.ExpiryInterval, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

func run(ctx context.Context, svc *placeorder.Service, interval time.Duration, logger observability.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Expire(ctx)
			if err != nil {
				logger.WithError(err).Error("failed to expire transactions")
			}
			if n > 0 {
				logger.WithField("count", n).Info("expired transactions")
			}
		}
	}
}
