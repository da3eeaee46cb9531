package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kumbupay/ledger-service/internal/config"
	"github.com/kumbupay/ledger-service/internal/jobs"
	"github.com/kumbupay/ledger-service/internal/ledger"
	"github.com/kumbupay/ledger-service/internal/logger"
	"github.com/kumbupay/ledger-service/internal/model"
	"github.com/kumbupay/ledger-service/internal/notify"
	"github.com/kumbupay/ledger-service/internal/payreq"
	"github.com/kumbupay/ledger-service/internal/rateio"
	"github.com/kumbupay/ledger-service/internal/repo"
	httptransport "github.com/kumbupay/ledger-service/internal/transport/http"
	"github.com/kumbupay/ledger-service/internal/wallet"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.User{}, &model.Wallet{}, &model.WalletBalance{},
		&model.Transaction{}, &model.RateioRecipient{},
		&model.PaymentRequest{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writers: outbox events + user notifications
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

	// 6. repo, collaborators, services
	repository := repo.NewRepository(gdb, rdb, eventWriter, log)
	dispatcher := notify.NewKafkaDispatcher(notifyWriter, log)
	queue := jobs.NewRedisQueue(rdb, log)

	engine := ledger.NewEngine(repository, dispatcher, log)
	wallets := wallet.NewService(repository, log)
	splits := rateio.NewCoordinator(repository, engine, queue, dispatcher, log)
	requests := payreq.NewService(repository, engine, dispatcher, log)

	// 7. gin router
	router := httptransport.NewRouter(httptransport.Services{
		Engine:   engine,
		Wallets:  wallets,
		Rateio:   splits,
		Requests: requests,
		Repo:     repository,
	}, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("ledger-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
