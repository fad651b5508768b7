package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/seat-allocation/internal/adapters/crdb"
	"github.com/robertarktes/seat-allocation/internal/adapters/rabbit"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/config"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"github.com/robertarktes/seat-allocation/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "seat-allocation-task-dispatcher")
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	pub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer pub.Close()

	dispatcher := task.NewDispatcher(repo, pub, clock.NewSystem(),
		task.WithLogger(logger),
		task.WithBatch(cfg.DispatchBatch),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx, cfg.DispatchInterval)
	logger.Info("Task dispatcher started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown task dispatcher")
}
