package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/buoy-tracker/mesh-ingester/internal/alerts"
	"github.com/buoy-tracker/mesh-ingester/internal/config"
	trackerhttp "github.com/buoy-tracker/mesh-ingester/internal/http"
	"github.com/buoy-tracker/mesh-ingester/internal/ingest"
	"github.com/buoy-tracker/mesh-ingester/internal/mesh"
	"github.com/buoy-tracker/mesh-ingester/internal/metrics"
	"github.com/buoy-tracker/mesh-ingester/internal/mqtt"
	"github.com/buoy-tracker/mesh-ingester/internal/persist"
	"github.com/buoy-tracker/mesh-ingester/internal/state"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: mesh-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the ingestion service")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting mesh-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("broker", cfg.MQTT.Broker),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	specials, err := cfg.ParseSpecialNodes()
	if err != nil {
		logger.Fatal("invalid special node configuration", zap.Error(err))
	}

	codec, err := mesh.NewCodec(cfg.MQTT.EncryptionKey)
	if err != nil {
		logger.Fatal("invalid channel encryption key", zap.Error(err))
	}

	store := state.NewStore(state.Options{
		SpecialNodes:     specials,
		HistoryHours:     cfg.Specials.HistoryHours,
		ArchiveDays:      cfg.Ingest.ArchiveDays,
		DataLimitHours:   cfg.Specials.DataLimitTime,
		ShowAllNodes:     cfg.Features.ShowAllNodes,
		ShowOffline:      cfg.Specials.ShowOffline,
		StatusBlueSecs:   cfg.Specials.StaleAfterHours * 3600 / 2,
		StatusOrangeSecs: cfg.Specials.StaleAfterHours * 3600,
	})

	// Restore the previous run's special-node state before any packet lands.
	persister := persist.NewManager(cfg.Specials.PersistPath, store, specials,
		cfg.Specials.MovementThresholdMeters, cfg.Ingest.ArchiveDays, logger.Named("persist"))
	persister.Load()

	var sender alerts.Sender
	if cfg.Alerts.Enabled {
		sender = alerts.NewSMTPSender(cfg.Alerts)
	}
	dispatcher := alerts.NewDispatcher(
		cfg.Alerts.Enabled,
		time.Duration(cfg.Alerts.CooldownHours*float64(time.Hour)),
		cfg.Alerts.TrackerURL,
		specials,
		sender,
		logger.Named("alerts"),
	)

	processor := ingest.NewProcessor(ingest.Config{
		MovementThresholdM: cfg.Specials.MovementThresholdMeters,
		LowBatteryPercent:  cfg.Battery.LowBatteryThreshold,
		StoreRawBytes:      cfg.Ingest.StoreRawBytes,
		CompressRaw:        cfg.Ingest.CompressRaw,
		QueueSize:          cfg.Ingest.QueueSize,
		RecentBufferSize:   cfg.Ingest.RecentBufferSize,
	}, codec, store, dispatcher, persister, logger.Named("ingest"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); processor.Run(ctx) }()
	go func() { defer wg.Done(); persister.Run(ctx) }()

	client := mqtt.NewClient(cfg.MQTT, cfg.Features.ShowAllNodes, processor, logger.Named("mqtt"))
	if err := client.Connect(); err != nil {
		logger.Fatal("broker connection failed", zap.Error(err))
	}
	defer client.Close()

	httpServer := trackerhttp.NewServer(cfg.Service.HTTPListen, store, client, processor, cfg.Features, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("ingestion pipeline and HTTP server started",
		zap.String("topic", cfg.MQTT.Topic()),
		zap.Int("special_nodes", len(specials)),
	)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic and broker messages first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	client.Close()

	// Cancel to drain the processor queue and flush the final snapshot.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// the drain may have mutated state after the persister's final
		// write; capture it
		if err := persister.Save(); err != nil {
			logger.Warn("post-drain snapshot failed", zap.Error(err))
		}
		logger.Info("pipeline drained and snapshot flushed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("mesh-ingester stopped")
}
