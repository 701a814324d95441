// telemetryd ingests machine readings from the broker into the
// time-partitioned store and serves the query, analysis and login surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"diagnet/internal/analysis"
	"diagnet/internal/api"
	"diagnet/internal/auth"
	"diagnet/internal/cache"
	"diagnet/internal/config"
	"diagnet/internal/ingest"
	"diagnet/internal/logging"
	"diagnet/internal/model"
	"diagnet/internal/retention"
	"diagnet/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	configMgr, err := config.NewManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	cfg := configMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("opening store", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), cfg.Storage.StartupTimeout)
	defer cancelInit()
	if err := store.Init(initCtx); err != nil {
		logger.Error("initializing store", "err", err)
		os.Exit(1)
	}
	if p, ok := store.(interface {
		SetPolicies(ctx context.Context, compressAfterDays, retainDays int) error
	}); ok {
		if err := p.SetPolicies(initCtx, cfg.Compression.AgeDays, cfg.Retention.Days); err != nil {
			logger.Warn("installing store policies", "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buffer := make(chan model.Reading, cfg.Ingest.BufferCapacity)
	validator := ingest.NewValidator(cfg.Ingest)
	pipeline := ingest.NewPipeline(validator, buffer, logger)
	persister := ingest.NewPersister(store, buffer, cfg.Ingest, logger)
	subscriber := ingest.NewSubscriber(cfg.MQTT, pipeline, logger)

	analyzer := analysis.New(store, cfg.Analysis, logger)
	results := cache.New(cfg.Cache, logger)
	defer results.Close()

	tokens := auth.NewTokens(cfg.Auth)
	users := auth.NewStaticUsers(cfg.Auth.Users)
	server := api.NewServer(store, analyzer, results, users, tokens, validator, cfg, logger)
	sweeper := retention.NewSweeper(store, cfg.Retention.Days, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		subscriber.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		persister.Run(ctx)
	}()

	if cfg.Ingest.Kafka.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ingest.StartKafka(ctx, cfg.Ingest.Kafka, pipeline, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	logger.Info("telemetryd started",
		"broker", cfg.MQTT.BrokerURL,
		"storage_driver", cfg.Storage.Driver,
		"api_addr", cfg.API.Addr)

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("http server failed", "err", err)
		stop()
		wg.Wait()
		os.Exit(1)
	}

	wg.Wait()
	logger.Info("telemetryd stopped")
}
