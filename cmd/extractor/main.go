package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/your-org/imagemeta/internal/extractor"
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
		Role:        string(config.RoleExtractor),
		Environment: cfg.App.Environment,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := cfg.Validate(config.RoleExtractor); err != nil {
		logr.Fatal("invalid configuration", zap.Error(err))
	}

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  tracing.ParseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name + "-extractor",
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	store, err := objectstore.New(ctx, objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		PathStyle: cfg.Storage.PathStyle,
	})
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	receiver, err := transport.NewReceiver(ctx, cfg.Queue.URL, transport.Options{
		Group:      cfg.Consumer.Group,
		BatchSize:  cfg.Consumer.BatchSize,
		MaxDeliver: cfg.Consumer.MaxDeliver,
		Wait:       cfg.Consumer.Wait,
		Region:     cfg.Storage.Region,
		Logger:     logr,
	})
	if err != nil {
		logr.Fatal("init queue receiver", zap.Error(err))
	}

	runner := extractor.NewRunner(extractor.RunnerParams{
		Receiver: receiver,
		Extractor: extractor.New(extractor.Params{
			Store:        store,
			OutputPrefix: cfg.Output.Prefix,
			Logger:       logr,
		}),
		Logger:       logr,
		BatchSize:    cfg.Consumer.BatchSize,
		Wait:         cfg.Consumer.Wait,
		FailureMode:  extractor.FailureMode(cfg.Consumer.FailureMode),
		RedriveDelay: cfg.Consumer.RedriveDelay,
	})
	defer func() {
		if err := runner.Close(); err != nil {
			logr.Error("receiver shutdown failed", zap.Error(err))
		}
	}()

	if err := runner.Run(ctx); err != nil {
		logr.Error("runner stopped", zap.Error(err))
	}
	logr.Info("extractor stopped")
}
