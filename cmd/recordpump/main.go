// Package main runs the governed queue consumer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/entityworks/recordpump/internal/config"
	"github.com/entityworks/recordpump/internal/consumer"
	"github.com/entityworks/recordpump/internal/engine"
	"github.com/entityworks/recordpump/internal/governor"
	"github.com/entityworks/recordpump/internal/logging"
	"github.com/entityworks/recordpump/internal/metrics"
	"github.com/entityworks/recordpump/internal/ops"
	"github.com/entityworks/recordpump/internal/pool"
	"github.com/entityworks/recordpump/internal/publisher"
	pubsubpublisher "github.com/entityworks/recordpump/internal/publisher/pubsub"
	queueamqp "github.com/entityworks/recordpump/internal/queue/amqp"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	queueURL := flag.String("url", "", "Queue transport URL (overrides config)")
	queueName := flag.String("queue", "", "Queue name (overrides config)")
	withInfo := flag.Bool("info", false, "Request info payloads from the engine")
	debugTrace := flag.Bool("debug-trace", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *queueURL != "" {
		cfg.Queue.URL = *queueURL
	}
	if *queueName != "" {
		cfg.Queue.Name = *queueName
	}
	if *withInfo {
		cfg.Consumer.WithInfo = true
	}
	if *debugTrace {
		cfg.Consumer.DebugTrace = true
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Consumer.DebugTrace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("consumer exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gov, err := governor.New(ctx, governor.Config{
		HighWatermark:     cfg.Governor.HighWatermark,
		LowWatermark:      cfg.Governor.LowWatermark,
		CheckInterval:     cfg.Governor.CheckInterval,
		CheckTimeInterval: time.Duration(cfg.Governor.CheckTimeIntervalSeconds) * time.Second,
		LogInterval:       time.Duration(cfg.Governor.LogIntervalSeconds) * time.Second,
		Hint:              cfg.Governor.Hint,
	}, cfg.Governor.DatabaseURLs, cfg.Governor.ListSeparator, logger.Named("governor"), nil)
	if err != nil {
		return fmt.Errorf("init governor: %w", err)
	}
	defer gov.Close()

	eng, err := engine.NewHTTPEngine(engine.HTTPConfig{
		BaseURL: cfg.Engine.URL,
		Timeout: cfg.EngineTimeout(),
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer func() {
		_ = eng.Close()
	}()

	workers := pool.New(cfg.Consumer.Workers)

	broker, err := queueamqp.Dial(queueamqp.Config{
		URL:      cfg.Queue.URL,
		Queue:    cfg.Queue.Name,
		Prefetch: workers.Capacity(),
	}, logger.Named("queue"))
	if err != nil {
		workers.Close(time.Second)
		return fmt.Errorf("connect to queue: %w", err)
	}

	var pub publisher.Publisher
	switch cfg.Publisher.Mode {
	case "pubsub":
		pub, err = pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			workers.Close(time.Second)
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
	default:
		pub = publisher.NewWriter(os.Stdout)
	}
	defer func() {
		_ = pub.Close()
	}()

	if cfg.Ops.Port > 0 {
		opsServer := ops.NewServer(logger.Named("ops"), func(ctx context.Context) error {
			_, err := eng.Stats(ctx)
			return err
		})
		go func() {
			if err := opsServer.Serve(ctx, cfg.Ops.Port); err != nil {
				logger.Error("ops server failed", zap.Error(err))
			}
		}()
	}

	c := consumer.New(broker, workers, gov, eng, pub, consumer.Config{
		WithInfo:      cfg.Consumer.WithInfo,
		PollTimeout:   cfg.PollTimeout(),
		LongRunning:   cfg.LongRunning(),
		RateInterval:  int64(cfg.Consumer.RateInterval),
		StatsInterval: int64(cfg.Consumer.StatsInterval),
	}, logger.Named("consumer"), nil)

	return c.Run(ctx)
}
