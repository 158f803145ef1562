package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"docgate/internal/app"
	"docgate/internal/cache"
	"docgate/internal/config"
	"docgate/internal/model"
	"docgate/internal/pkg/logger"
	mysqlClient "docgate/internal/platform/mysql"
	rabbitmqClient "docgate/internal/platform/rabbitmq"
	redisClient "docgate/internal/platform/redis"
	"docgate/internal/ragclient"
	"docgate/internal/repository"
	"docgate/internal/worker"
)

type App struct {
	Config *config.Config
	Logger *zap.Logger
	MySQL  *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection
	RAG    *ragclient.Client

	AuthService     *app.AuthService
	DocumentService *app.DocumentService
	ChatService     *app.ChatService
	StatusWorker    *worker.StatusSyncWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		FilePath:   cfg.Log.FilePath,
		Production: cfg.IsProduction(),
	})

	a := &App{Config: cfg, Logger: log, StartedAt: time.Now()}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN(), !cfg.IsProduction())
	if err != nil {
		return err
	}
	a.MySQL = mysqlDB
	if err := mysqlDB.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, redisClient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	a.Redis = redisCli

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.App.Name)
	if err != nil {
		return err
	}
	a.MQConn = mqConn

	a.RAG = ragclient.NewClient(ragclient.Config{
		BaseURL:        cfg.RAG.BaseURL,
		APIKey:         cfg.RAG.APIKey,
		RequestTimeout: time.Duration(cfg.RAG.RequestTimeoutSeconds) * time.Second,
	})

	userRepo := repository.NewUserRepository(mysqlDB)
	docRepo := repository.NewDocumentRepository(mysqlDB)
	sessionRepo := repository.NewChatSessionRepository(mysqlDB)
	messageRepo := repository.NewChatMessageRepository(mysqlDB)

	historyCache := cache.NewHistoryCache(
		redisCli,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	syncPublisher := rabbitmqClient.NewStatusSyncPublisher(mqConn, cfg.RabbitMQ.StatusSyncQueue)

	a.AuthService = app.NewAuthService(
		userRepo,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)
	a.DocumentService = app.NewDocumentService(docRepo, a.RAG, historyCache, syncPublisher, app.UploadPolicy{
		MaxBytes:            cfg.Upload.MaxBytes,
		AllowedContentTypes: cfg.Upload.AllowedContentTypes,
	}, a.Logger.Named("documents"))
	a.ChatService = app.NewChatService(docRepo, sessionRepo, messageRepo, a.RAG, historyCache, a.Logger.Named("chat"))

	a.StatusWorker = worker.NewStatusSyncWorker(mqConn, a.DocumentService, syncPublisher, worker.StatusSyncOptions{
		QueueName:   cfg.RabbitMQ.StatusSyncQueue,
		Interval:    time.Duration(cfg.RabbitMQ.StatusSyncIntervalMS) * time.Millisecond,
		MaxAttempts: cfg.RabbitMQ.StatusSyncMaxAttempt,
	}, a.Logger.Named("status_sync"))
	if err := a.StatusWorker.Start(ctx); err != nil {
		return fmt.Errorf("start status sync worker failed: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	var closeErr error
	if a.StatusWorker != nil {
		a.StatusWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return closeErr
}
