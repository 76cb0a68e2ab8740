package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/imagemeta/internal/filter"
	"github.com/your-org/imagemeta/pkg/config"
	"github.com/your-org/imagemeta/pkg/logger"
	"github.com/your-org/imagemeta/pkg/queue/transport"
	"github.com/your-org/imagemeta/pkg/storage/objectstore"
	"github.com/your-org/imagemeta/pkg/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(logger.Options{
		Level:       cfg.App.LogLevel,
		Service:     cfg.App.Name,
		Role:        string(config.RoleFilter),
		Environment: cfg.App.Environment,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := cfg.Validate(config.RoleFilter); err != nil {
		logr.Fatal("invalid configuration", zap.Error(err))
	}

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  tracing.ParseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name + "-filter",
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	publisher, err := transport.NewPublisher(ctx, cfg.Queue.URL, transport.Options{
		Region:     cfg.Storage.Region,
		MaxDeliver: cfg.Consumer.MaxDeliver,
		Kafka: transport.KafkaOptions{
			Retries:      cfg.Kafka.Retries,
			Compression:  cfg.Kafka.CompressionCodec,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		},
		Logger: logr,
	})
	if err != nil {
		logr.Fatal("init queue publisher", zap.Error(err))
	}

	f := filter.New(filter.Params{
		Publisher: publisher,
		Logger:    logr,
	})
	defer func() {
		if err := f.Close(); err != nil {
			logr.Error("publisher shutdown failed", zap.Error(err))
		}
	}()

	switch cfg.Notify.Source {
	case "listen":
		runListener(ctx, cfg, f, logr)
	default:
		runWebhook(ctx, cfg, f, logr)
	}
}

func runWebhook(ctx context.Context, cfg *config.Config, f *filter.Filter, logr *zap.Logger) {
	handler := filter.NewHTTPHandler(f, logr, cfg.Notify.AuthToken, cfg.HTTP.MaxBodyBytes)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("filter webhook starting", zap.String("addr", cfg.HTTP.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Fatal("http server failed", zap.Error(err))
	}
}

func runListener(ctx context.Context, cfg *config.Config, f *filter.Filter, logr *zap.Logger) {
	client, err := objectstore.NewMinioSDK(objectstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init minio client", zap.Error(err))
	}

	listener := filter.NewListener(client, f, cfg.Notify.Bucket, cfg.Notify.Prefix, logr)
	if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Fatal("bucket listener stopped", zap.Error(err))
	}
}
