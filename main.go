// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"vmkintr/internal/config"
	"vmkintr/internal/intrack"
	"vmkintr/internal/logger"
	"vmkintr/internal/vmkstats"
)

var (
	version = "0.1.0"
)

func main() {
	var (
		listenAddress  = flag.String("web.listen-address", "localhost:9287", "Address to listen on for web interface and telemetry.")
		metricsPath    = flag.String("web.telemetry-path", "/metrics", "Path under which to expose metrics.")
		configPath     = flag.String("config", "", "Path to configuration file (optional).")
		generateConfig = flag.String("config.generate", "", "Write an example configuration file to the given path and exit.")
	)
	flag.Parse()

	if *generateConfig != "" {
		if err := config.GenerateExampleConfig(*generateConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *generateConfig)
		return
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Configure loggers based on configuration
	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	// Override with command line flags if provided
	if flag.Lookup("web.listen-address").Value.String() != "localhost:9287" {
		cfg.Server.ListenAddress = *listenAddress
	}
	if flag.Lookup("web.telemetry-path").Value.String() != "/metrics" {
		cfg.Server.MetricsPath = *metricsPath
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("❌ Invalid configuration")
	}

	log.Info().
		Str("version", version).
		Str("routing_policy", cfg.Tracker.RoutingPolicy).
		Uint32("rebalance_period_ms", cfg.Tracker.RebalancePeriodMS).
		Bool("sampler_enabled", cfg.Sampler.Enabled).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Msg("Starting vmkintr")

	if cfg.Server.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof HTTP server on :6060")
			http.ListenAndServe("localhost:6060", nil)
		}()
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	// Interrupt tracker against the userspace platform seams
	usage, err := newProcfsUsage()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to open procfs")
	}
	tracker := intrack.NewTracker(intrack.OptionsFromConfig(cfg.Tracker, runtime.NumCPU()), newSoftRouter(), usage)
	defer tracker.StopAllFakes()
	log.Debug().Int("num_pcpus", tracker.NumPCPUs()).Msg("- Interrupt tracker created")

	// Statistical profiler
	sampler, err := vmkstats.NewSampler(vmkstats.Options{
		NumCPUs:      tracker.NumPCPUs(),
		Memory:       nullMemory{},
		Perf:         newSoftPerf(),
		DefaultEvent: cfg.Sampler.DefaultEvent,
		StackBounds:  nullStackBounds,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to create sampler")
	}
	defer sampler.Close()
	if cfg.Sampler.DefaultPeriod != 0 {
		if err := sampler.Configure(cfg.Sampler.DefaultEvent, cfg.Sampler.DefaultPeriod); err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to configure sampler")
		}
	}
	log.Debug().Msg("- Sampler created")

	// Register collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(intrack.NewCollector(tracker))
	if cfg.Sampler.Enabled {
		registry.MustRegister(vmkstats.NewCollector(sampler))
	}
	log.Debug().Msg("- Metrics registered")

	// Reload tracker tunables when the config file changes on disk
	if *configPath != "" {
		err := config.WatchFile(ctx, *configPath, func(updated *config.AppConfig) {
			opts := intrack.OptionsFromConfig(updated.Tracker, runtime.NumCPU())
			if err := tracker.ApplyOptions(opts); err != nil {
				log.Warn().Err(err).Msg("Rejected reloaded tracker settings")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config file watching disabled")
		}
	}

	// Start the rebalance loop
	tracker.Start(ctx)
	log.Debug().Msg("Rebalance loop started")

	// Set up HTTP server for metrics and the admin surface
	log.Debug().Str("metrics_path", cfg.Server.MetricsPath).Msg("🌐 Setting up HTTP handlers")
	mux := newServeMux(cfg, tracker, sampler, registry)

	log.Info().Str("address", cfg.Server.ListenAddress).Msg("🌐 Starting HTTP server")
	srv := &http.Server{Addr: cfg.Server.ListenAddress, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("❌ Failed to start HTTP server")
		}
	}()

	log.Info().Msg("vmkintr is ready")

	// Wait for context cancellation
	<-ctx.Done()
	log.Info().Msg("🛑 Received shutdown signal, shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
	} else {
		log.Debug().Msg("HTTP server shut down cleanly")
	}

	log.Info().Msg("vmkintr stopped gracefully")
}
