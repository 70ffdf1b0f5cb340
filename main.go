package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bidaskflow/config"
	"bidaskflow/internal/channel"
	"bidaskflow/internal/metrics"
	"bidaskflow/internal/ops"
	"bidaskflow/logger"
	"bidaskflow/processor"
	"bidaskflow/reader/figure"
	"bidaskflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bidaskflow.Name,
		"version": cfg.Bidaskflow.Version,
	}).Info("starting bidaskflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	collector := metrics.NewCollector(cfg, log)
	if url := cfg.Metrics.Alerts.WebhookURL; url != "" {
		collector.SetAlerter(metrics.NewWebhookAlerter(url))
	}
	if cfg.Metrics.CloudWatch.Enabled {
		publisher, err := metrics.NewCloudWatchPublisher(ctx, cfg.Metrics.CloudWatch, log)
		if err != nil {
			log.WithError(err).Error("failed to create cloudwatch publisher")
			os.Exit(1)
		}
		collector.SetPublisher(publisher)
	}

	channels := channel.NewChannels(cfg.Channels.RecordBuffer)

	var stores []writer.Store
	if cfg.Storage.Postgres.Enabled {
		store, err := writer.NewPostgresStore(ctx, cfg.Storage.Postgres, collector)
		if err != nil {
			log.WithError(err).Error("failed to create postgres store")
			os.Exit(1)
		}
		stores = append(stores, store)
	}
	if cfg.Storage.S3.Enabled {
		store, err := writer.NewArchiveStore(ctx, cfg, collector)
		if err != nil {
			log.WithError(err).Error("failed to create archive store")
			os.Exit(1)
		}
		stores = append(stores, store)
	}
	if len(stores) == 0 {
		log.WithComponent("main").Warn("no stores enabled; records will be drained and discarded")
	}

	registry := figure.NewChannelRegistry()
	proc := processor.NewProcessor(cfg, channels, registry, collector)
	streamReader := figure.NewReader(cfg, proc, registry, collector)
	recordWriter := writer.NewWriter(channels, stores...)

	// The ops shutdown route and OS signals converge on the same stop
	// channel so both trigger one orderly teardown.
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() { stopOnce.Do(func() { close(stopCh) }) }

	opsServer := ops.NewServer(cfg.Ops, collector, channels, streamReader, requestStop)

	if err := recordWriter.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start record writer")
		os.Exit(1)
	}
	if err := streamReader.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start reader")
		os.Exit(1)
	}

	opsDone := make(chan struct{})
	go func() {
		defer close(opsDone)
		if err := opsServer.Run(ctx); err != nil {
			log.WithError(err).Error("ops server failed")
		}
	}()

	collector.Start(ctx)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-stopCh:
		log.Info("shutdown requested over ops endpoint")
	}

	log.Info("starting graceful shutdown")

	// Stop the producer first so nothing new enters the queue, close the
	// queue, then let the writer drain what is buffered before the stores
	// close. Cancellation comes last so in-flight store writes finish.
	log.Info("stopping reader")
	streamReader.Stop()

	channels.CloseRecords()

	log.Info("stopping record writer")
	recordWriter.Stop()

	cancel()

	select {
	case <-opsDone:
	case <-time.After(10 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bidaskflow stopped")
}
