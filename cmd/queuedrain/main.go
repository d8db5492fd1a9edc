// Package main drains a queue to a local file, one message per line, and
// optionally archives the result to a GCS bucket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/entityworks/recordpump/internal/config"
	"github.com/entityworks/recordpump/internal/drain"
	"github.com/entityworks/recordpump/internal/logging"
	queueamqp "github.com/entityworks/recordpump/internal/queue/amqp"
	"github.com/entityworks/recordpump/internal/storage/gcs"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	queueURL := flag.String("url", "", "Queue transport URL (overrides config)")
	queueName := flag.String("queue", "", "Queue name (overrides config)")
	output := flag.String("output", "", "Output file to append to (default <queue>-<timestamp>.jsonl)")
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

	logger, err := logging.New(cfg.Logging.Development, *debugTrace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, *output, logger); err != nil {
		logger.Error("drain failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, output string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := queueamqp.Dial(queueamqp.Config{
		URL:   cfg.Queue.URL,
		Queue: cfg.Queue.Name,
	}, logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("connect to queue: %w", err)
	}
	defer func() {
		_ = broker.Close()
	}()

	if output == "" {
		output = fmt.Sprintf("%s-%s.jsonl", cfg.Queue.Name, time.Now().UTC().Format("20060102T150405Z"))
	}
	out, err := drain.OpenOutput(output)
	if err != nil {
		return err
	}

	d := drain.New(broker, drain.Config{
		InactivityTimeout: time.Duration(cfg.Drain.InactivityTimeoutSeconds) * time.Second,
		RateInterval:      int64(cfg.Drain.RateInterval),
	}, logger.Named("drain"), nil)

	count, err := d.Run(ctx, out)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close output file: %w", closeErr)
	}
	if err != nil {
		return err
	}
	logger.Info("drain complete", zap.Int64("messages", count), zap.String("output", output))

	if cfg.Storage.GCSBucket != "" && count > 0 {
		uri, err := archive(ctx, cfg, output)
		if err != nil {
			return fmt.Errorf("archive drained output: %w", err)
		}
		logger.Info("drain archived", zap.String("uri", uri))
	}
	return nil
}

func archive(ctx context.Context, cfg config.Config, output string) (string, error) {
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("init storage client: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	if err != nil {
		return "", err
	}
	return drain.Archive(ctx, store, output, cfg.Storage.Prefix, cfg.Storage.ContentType)
}
