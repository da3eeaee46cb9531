package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kumbupay/ledger-service/internal/config"
	"github.com/kumbupay/ledger-service/internal/jobs"
	"github.com/kumbupay/ledger-service/internal/ledger"
	"github.com/kumbupay/ledger-service/internal/logger"
	"github.com/kumbupay/ledger-service/internal/notify"
	"github.com/kumbupay/ledger-service/internal/rateio"
	"github.com/kumbupay/ledger-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// The worker owns everything deferred: publishing outbox events to Kafka and
// running due jobs (scheduled rateio batches).
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	eventWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.EventTopic,
		Balancer: &kafka.LeastBytes{},
	}
	notifyWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.NotifyTopic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, eventWriter, log)
	dispatcher := notify.NewKafkaDispatcher(notifyWriter, log)
	queue := jobs.NewRedisQueue(rdb, log)

	engine := ledger.NewEngine(repository, dispatcher, log)
	splits := rateio.NewCoordinator(repository, engine, queue, dispatcher, log)
	queue.Register(jobs.JobRateioProcess, splits.HandleJob)

	interval := time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("ledger-worker started")
	for range ticker.C {
		ctx := context.Background()

		if err := queue.RunDue(ctx); err != nil {
			log.Errorf("run due jobs: %v", err)
		}

		events, err := repository.PollOutbox(ctx, cfg.Worker.OutboxBatch)
		if err != nil {
			log.Errorf("poll outbox: %v", err)
			continue
		}
		for _, evt := range events {
			if err := repository.PublishEvent(ctx, evt); err != nil {
				log.Errorf("publish id=%d: %v", evt.ID, err)
				continue
			}
			if err := repository.MarkOutboxProcessed(ctx, evt.ID); err != nil {
				log.Errorf("mark processed id=%d: %v", evt.ID, err)
			} else {
				log.Infof("event %d sent", evt.ID)
			}
		}
	}
}
