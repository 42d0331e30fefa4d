package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marmos91/canbridge/internal/bridge"
	"github.com/marmos91/canbridge/internal/config"
	"github.com/marmos91/canbridge/internal/ingest"
	"github.com/marmos91/canbridge/internal/logger"
	"github.com/marmos91/canbridge/internal/metrics"
	"github.com/marmos91/canbridge/internal/session"
	"github.com/marmos91/canbridge/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long: `Run the bridge: open every configured bus, listen for TCP clients,
and fan out frames between them until interrupted.

Examples:
  canbridged serve
  canbridged serve --config /etc/canbridge/config.yaml
  CANBRIDGE_LOGGING_LEVEL=DEBUG canbridged serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "canbridge",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "canbridge",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.Init()
	}
	bridgeMetrics := metrics.NewBridgeMetrics()
	ingestMetrics := metrics.NewIngestMetrics()

	logger.Info("configuration loaded", "source", configSource(cfgFile))
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint)
	} else {
		logger.Info("telemetry disabled")
	}
	if metrics.IsEnabled() {
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr)
	} else {
		logger.Info("metrics disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("profiling disabled")
	}

	var pipeline *ingest.Pipeline
	if cfg.Ingest.Enabled {
		pipeline, err = ingest.NewPipeline(ingest.Config{
			DSN:                        cfg.Ingest.DSN,
			FunctionName:               cfg.Ingest.FunctionName,
			BatchSize:                  cfg.Ingest.BatchSize,
			FlushInterval:              cfg.Ingest.FlushInterval(),
			QueueCapacity:              cfg.Ingest.QueueCapacity,
			QueueFlushThresholdPercent: cfg.Ingest.QueueFlushThresholdPercent,
			SpillPath:                  cfg.Ingest.SpillPath,
			SpillMaxBytes:              cfg.Ingest.SpillMaxBytes(),
			StatsInterval:              cfg.Ingest.StatsInterval(),
		})
		if err != nil {
			return fmt.Errorf("initialize ingest pipeline: %w", err)
		}
		go pipeline.Run(ctx)
		logger.Info("ingest pipeline enabled", "dsn_host", redactDSN(cfg.Ingest.DSN), "batch_size", cfg.Ingest.BatchSize)
	} else {
		logger.Info("ingest pipeline disabled")
	}

	registry := session.NewRegistry()

	buses := make([]bridge.BusConfig, len(cfg.Bus.Interfaces))
	for i, iface := range cfg.Bus.Interfaces {
		buses[i] = bridge.BusConfig{
			Name:       iface.Name,
			FDMode:     cfg.Bus.FDMode,
			ListenOnly: iface.ListenOnly,
			BitRateBPS: iface.BitRateBPS,
		}
	}

	// nil means "no filter, log every bus" (internal/config.IngestConfig's
	// documented default); an empty-but-non-nil map would instead reject
	// every frame, so only allocate it when interfaces were actually listed.
	var includeBuses map[int]bool
	if len(cfg.Ingest.IncludeBuses) > 0 {
		includeBuses = make(map[int]bool, len(cfg.Ingest.IncludeBuses))
		for _, b := range cfg.Ingest.IncludeBuses {
			includeBuses[b] = true
		}
	}

	br, err := bridge.New(bridge.Config{
		ListenAddr:         cfg.Listen.Addr(),
		BusOffset:          cfg.Bus.BusOffset,
		Buses:              buses,
		Registry:           registry,
		Ingest:             pipeline,
		IngestIncludeBuses: includeBuses,
		ShutdownTimeout:    cfg.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("initialize bridge: %w", err)
	}

	stopMetricsTicker := func() {}
	if bridgeMetrics != nil || ingestMetrics != nil {
		stopMetricsTicker = metrics.StartTicker(func() time.Duration { return time.Second }, func() {
			if bridgeMetrics != nil {
				stats := br.Stats()
				bridgeMetrics.SetActiveSessions(stats.ActiveSessions)
				bridgeMetrics.SetDroppedInjects(stats.DroppedInjects)
				for i, down := range stats.BusDown {
					bridgeMetrics.SetBusState(fmt.Sprintf("%d", cfg.Bus.BusOffset+i), down, stats.BusErrorCounts[i])
				}
			}
			if ingestMetrics != nil && pipeline != nil {
				s := pipeline.Stats()
				ingestMetrics.Observe(metrics.IngestStats{
					Enqueued:      s.Enqueued,
					Written:       s.Written,
					Dropped:       s.Dropped,
					Spilled:       s.Spilled,
					Recovered:     s.Recovered,
					QueueDepth:    s.QueueDepth,
					QueueCapacity: s.QueueCapacity,
					SQLConnected:  s.SQLConnected,
				})
			}
		})
	}
	defer stopMetricsTicker()

	stopWatch := watchHotReload(cfg, cfgFile)
	defer stopWatch()

	var debugShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		debugShutdown = startDebugServer(cfg.Metrics.Addr, br, pipeline)
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- br.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("canbridged running", "listen", cfg.Listen.Addr(), "buses", len(buses))

	var runErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received")
		cancel()
		runErr = <-serverDone
	case runErr = <-serverDone:
		signal.Stop(sigChan)
	}

	if debugShutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = debugShutdown(shutdownCtx)
		shutdownCancel()
	}

	if pipeline != nil {
		pipeline.Wait()
		if err := pipeline.Close(); err != nil {
			logger.Warn("ingest pipeline close error", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("bridge stopped with error", "error", runErr)
		return runErr
	}
	logger.Info("canbridged stopped gracefully")
	return nil
}

// watchHotReload wires fsnotify's file-change notifications into
// config.ApplyHotReload, restricted to the narrow allow-list of settings
// that can change without a restart.
func watchHotReload(cfg *config.Config, configPath string) (stop func()) {
	if configPath == "" {
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("hot-reload watcher unavailable", "error", err)
		return func() {}
	}
	if err := watcher.Add(configPath); err != nil {
		logger.Warn("hot-reload watch failed", "error", err, "path", configPath)
		_ = watcher.Close()
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := config.Load(configPath)
				if err != nil {
					logger.Warn("hot-reload: failed to reload config", "error", err)
					continue
				}
				if changed := config.ApplyHotReload(cfg, next); len(changed) > 0 {
					logger.Info("hot-reload applied", "keys", changed)
					logger.SetLevel(cfg.Logging.Level)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("hot-reload watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}
}

func configSource(path string) string {
	if path != "" {
		return path
	}
	return "defaults"
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	return "(configured)"
}
