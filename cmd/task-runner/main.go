package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/seat-allocation/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/seat-allocation/internal/adapters/mongo"
	"github.com/robertarktes/seat-allocation/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/seat-allocation/internal/adapters/redis"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/config"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"github.com/robertarktes/seat-allocation/internal/seating"
	"github.com/robertarktes/seat-allocation/internal/stock"
	"github.com/robertarktes/seat-allocation/internal/task"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const queue = "tro.task-runs"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "seat-allocation-task-runner")
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
	mongoDB := mongoClient.Database(cfg.MongoDB)
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	cache := redisadapter.NewCache(redisClient)
	locks := redisadapter.NewStockRepository(redisClient)

	clk := clock.NewSystem()
	aggregator := task.NewAggregator(
		redisadapter.NewCatalogCache(cache, catalog, cfg.CatalogCacheTTL),
		stock.NewInventory(locks, repo),
		cache,
		seating.NewPolicy(cfg.WheelchairBufferSeats),
		clk,
		logger,
	)
	runner := task.NewRunner(repo, clk, logger).
		Register(domain.TaskAggregateEventReservations, aggregator).
		Register(domain.TaskSendOrder, task.NewOrderSender(audit))

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, queue, runner.Names()...)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}
	go runner.Run(ctx, deliveries)
	logger.Info("Task runner started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown task runner")
}
