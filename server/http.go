package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"convert-gateway/config"
	"convert-gateway/constant"
	"convert-gateway/converter"
	jobHandler "convert-gateway/handler"
	"convert-gateway/pkg/rabbitmq"
	"convert-gateway/queue"
	"convert-gateway/repository"
	"convert-gateway/service"
	"convert-gateway/storage"
	"convert-gateway/worker"
)

func RunHttp(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().
		Str("env", cfg.App.Environment).
		Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).
		Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	repo := newRepo(ctx, cfg)
	store := newStore(ctx, cfg)

	q := queue.New(cfg.Limits.QueueDepth, cfg.Limits.LeaseTTL, worker.RequeueOnExpire(repo, cfg.Limits.MaxRetries))
	go q.Run(ctx)

	var publish service.PublishFunc
	if cfg.Queue != nil {
		conn, err := config.NewRabbitMQConn(ctx, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Fatal().Err(err).Msg("NewRabbitMQConn")
		}
		publisher := rabbitmq.NewPublisher(conn, cfg.Queue)
		publish = publisher.Publish

		consumer := rabbitmq.NewConsumer(conn, cfg.Queue, cfg.Server.Workers, jobHandler.JobDeliveryHandler)
		go func() {
			err := consumer.Consume(ctx, jobHandler.QueueDependencies{Queue: q})
			if err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("job dispatch consumer error")
			}
		}()
	}

	orchestrator := service.NewService(repo, store, q, publish, cfg.Limits)

	pool := worker.NewPool(worker.PoolConfig{
		Workers: cfg.Server.Workers,
		Queue:   q,
		Repo:    repo,
		Store:   store,
		Converters: []converter.Converter{
			converter.NewTranscriber(cfg.Capability.TranscribeURL, cfg.Capability.APIKey),
			converter.NewSynthesizer(cfg.Capability.SynthesizeURL, cfg.Capability.APIKey),
		},
		ConvertTimeout: cfg.Limits.ConvertTimeout,
		LeaseTTL:       cfg.Limits.LeaseTTL,
		MaxRetries:     cfg.Limits.MaxRetries,
	})
	go pool.Run(ctx)

	sweeper := storage.NewSweeper(store, repo, cfg.Limits.SweepInterval, cfg.Limits.ArtifactTTL)
	go sweeper.Run(ctx)

	r := gin.Default()
	addHealth(r)
	jobHandler.New(orchestrator, cfg.Limits.MaxUploadBytes).Register(r)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts inherit the root logger this way.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

func newRepo(ctx context.Context, cfg *config.Config) repository.JobRepository {
	if cfg.DB != nil {
		return repository.NewRepo(cfg.DB)
	}
	zerolog.Ctx(ctx).Warn().Msg("no postgres configured, using in-memory job registry")
	return repository.NewMemoryRepo()
}

func newStore(ctx context.Context, cfg *config.Config) storage.Store {
	if cfg.Storage != nil {
		return storage.NewMinioStore(cfg.Storage, cfg.MinIOBucket)
	}
	zerolog.Ctx(ctx).Warn().Msg("no minio configured, using in-memory artifact store")
	return storage.NewMemoryStore()
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
