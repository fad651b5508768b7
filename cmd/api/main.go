package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/seat-allocation/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/seat-allocation/internal/adapters/mongo"
	"github.com/robertarktes/seat-allocation/internal/adapters/passport"
	"github.com/robertarktes/seat-allocation/internal/adapters/payment"
	redisadapter "github.com/robertarktes/seat-allocation/internal/adapters/redis"
	"github.com/robertarktes/seat-allocation/internal/authorize"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/config"
	httphandler "github.com/robertarktes/seat-allocation/internal/http"
	"github.com/robertarktes/seat-allocation/internal/idempotency"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"github.com/robertarktes/seat-allocation/internal/placeorder"
	"github.com/robertarktes/seat-allocation/internal/rateLimit"
	"github.com/robertarktes/seat-allocation/internal/stock"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "seat-allocation-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

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
	mongoDB := mongoClient.Database(cfg.MongoDB)
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	sellers := mongoadapter.NewSellerRepository(mongoDB)
	if err := sellers.EnsureIndexes(context.Background()); err != nil {
		log.Fatalf("failed to create seller indexes: %v", err)
	}
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	cache := redisadapter.NewCache(redisClient)
	locks := redisadapter.NewStockRepository(redisClient)
	sequences := redisadapter.NewSequenceRepository(redisClient, cfg.OrderNumberPrefix)

	clk := clock.NewSystem()

	authorizer := authorize.NewService(authorize.Deps{
		Transactions: repo,
		Actions:      repo,
		Tasks:        repo,
		Catalog:      redisadapter.NewCatalogCache(cache, catalog, cfg.CatalogCacheTTL),
		Inventory:    stock.NewInventory(locks, repo),
		Locks:        locks,
		RateLimits:   redisadapter.NewRateLimitRepository(redisClient),
		PaymentNos:   sequences,
		Gateway:      payment.NewOfflineGateway(),
		Audit:        audit,
	}, clk,
		authorize.WithLogger(logger),
		authorize.WithBufferSize(cfg.WheelchairBufferSeats),
		authorize.WithRateLimitUnit(cfg.WheelchairRateLimitUnit),
		authorize.WithLockGrace(cfg.SeatLockGrace),
		authorize.WithTaskTries(cfg.TaskMaxTries),
		authorize.WithLocation(cfg.BusinessTimezone),
	)

	deps := placeorder.Deps{
		Transactions: repo,
		Actions:      repo,
		Tasks:        repo,
		Sellers:      sellers,
		OrderNumbers: sequences,
		Locks:        locks,
		Releaser:     authorizer,
		Audit:        audit,
	}
	if cfg.WaiterSecret != "" {
		deps.Passports = passport.NewVerifier(cfg.WaiterSecret, cfg.WaiterPassportIssuer)
	}
	placeOrder := placeorder.NewService(deps, clk,
		placeorder.WithLogger(logger),
		placeorder.WithTransactionTTL(cfg.TransactionTTL),
		placeorder.WithLockGrace(cfg.SeatLockGrace),
		placeorder.WithLockRetention(cfg.ConfirmedLockRetention),
		placeorder.WithTaskTries(cfg.TaskMaxTries),
		placeorder.WithLocation(cfg.BusinessTimezone),
	)

	handlers := httphandler.NewHandlers(placeOrder, authorizer, cache,
		httphandler.Check{Name: "crdb", Ping: repo.Ping},
		httphandler.Check{Name: "redis", Ping: cache.Ping},
		httphandler.Check{Name: "mongo", Ping: func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }},
	)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(cache)

	r := httphandler.SetupRouter(handlers, logger, rl, idemp, httphandler.RouterConfig{
		RatePerAgent: cfg.RatePerAgent,
		RatePerIP:    cfg.RatePerIP,
		RateWindow:   cfg.RateWindow,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()
	logger.WithField("addr", cfg.HTTPAddr).Info("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
