package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/baldanca/backups3/config"
	"github.com/baldanca/backups3/ingestor"
	"github.com/baldanca/backups3/metrics"
	"github.com/baldanca/backups3/sink"
	"github.com/baldanca/backups3/source"
	"github.com/baldanca/backups3/transformer"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := config.LoadDotEnv(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load .env")
	}

	app := &cli.App{
		Name:   "backups3",
		Usage:  "Download S3 objects announced on an SQS queue, with their metadata and tags",
		Flags:  config.Flags(),
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func start(c *cli.Context) error {
	cfg := config.FromCLI(c)
	if err := cfg.Validate(); err != nil {
		return err
	}
	config.SetupLogging(cfg, os.Stderr)

	// SIGTERM is what docker and kubernetes send
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := config.LoadAWS(ctx, cfg)
	if err != nil {
		return err
	}
	if cfg.AssumeRoleARN != "" {
		log.Info().Str("role_arn", cfg.AssumeRoleARN).Msg("Using assumed role credentials")
	}

	queue := source.NewWithConfig(config.NewSQSClient(awsCfg, cfg), cfg.QueueURL, cfg.SQS())
	depth, err := queue.QueueDepth(ctx)
	if err != nil {
		return fmt.Errorf("queue %s is not reachable: %w", cfg.QueueURL, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	m.MessagesWaiting.Set(float64(depth))

	store := sink.New(config.NewS3Client(awsCfg, cfg), cfg.DownloadPath, cfg.MetadataPath, sink.WithMetrics(m))

	proc, err := ingestor.NewProcessor(queue, store, transformer.S3Notifications{}, m)
	if err != nil {
		return err
	}
	proc.SetRetryPolicy(cfg.Retry())
	proc.SetAckRetryPolicy(cfg.Retry())

	ing, err := ingestor.NewIngestor(cfg.Ingestor(), queue, proc, m)
	if err != nil {
		return err
	}

	// The metrics endpoint stays up until in-flight messages have drained.
	srvCtx, stopSrv := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSrv()
	srvDone := make(chan struct{})
	if cfg.MetricsAddr != "" {
		l, err := metrics.Listen(cfg.MetricsAddr)
		if err != nil {
			return err
		}
		go func() {
			defer close(srvDone)
			if err := metrics.ServeListener(srvCtx, l, reg); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
	} else {
		close(srvDone)
	}

	log.Info().
		Str("queue_url", cfg.QueueURL).
		Int("messages_waiting", depth).
		Str("download_path", cfg.DownloadPath).
		Str("metadata_path", cfg.MetadataPath).
		Msg("Starting backup processor")

	runErr := ing.Run(ctx)

	stopSrv()
	<-srvDone

	if runErr != nil {
		return runErr
	}
	log.Info().Msg("Shutdown complete")
	return nil
}
