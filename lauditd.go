package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lauditd/lauditd/admin"
	"github.com/lauditd/lauditd/cfg"
	"github.com/lauditd/lauditd/changelog"
	"github.com/lauditd/lauditd/exporter"
	"github.com/lauditd/lauditd/exporter/sink"
	"github.com/lauditd/lauditd/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Process exit codes
const (
	exitOK              = 0
	exitUsage           = 1
	exitMissingArgument = 2
	exitSetup           = 3
	exitRuntime         = 4
)

func main() {
	os.Exit(run(os.Args[0], os.Args[1:]))
}

func run(name string, args []string) int {
	if err := cfg.ParseArgs(name, args); err != nil {
		setupLogging("")
		switch {
		case errors.Is(err, cfg.ErrMissingArgument):
			log.Error().Err(err).Msg("Missing required argument")
			return exitMissingArgument
		case errors.Is(err, cfg.ErrUsage):
			log.Error().Err(err).Msg("Invalid command line")
			return exitUsage
		default:
			log.Error().Err(err).Msg("Failed to load configuration")
			return exitSetup
		}
	}

	setupLogging(cfg.Config.Device)

	// A reader going away must surface as EPIPE on write, not kill the process
	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("consumer", cfg.Config.Consumer).
		Str("fifo", cfg.Config.FifoPath).
		Int("batch_size", cfg.Config.BatchSize).
		Msg("lauditd - changelog to named pipe exporter")

	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	store, err := changelog.NewLog(cfg.Config.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open changelog")
		return exitSetup
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close changelog")
		}
	}()

	filter, err := exporter.ParseTypeList(cfg.Config.Exclude)
	if err != nil {
		log.Error().Err(err).Msg("Invalid exclusion list")
		return exitUsage
	}

	fifo := sink.NewFifoSink(cfg.Config.FifoPath, time.Duration(cfg.Config.FifoPollMS)*time.Millisecond)
	if err := fifo.Prepare(); err != nil {
		log.Error().Err(err).Str("path", fifo.Path()).Msg("Failed to prepare named pipe")
		return exitSetup
	}

	exp, err := exporter.NewExporter(exporter.Config{
		Device:          cfg.Config.Device,
		Consumer:        cfg.Config.Consumer,
		Source:          store,
		Sink:            fifo,
		Filter:          filter,
		Formatter:       exporter.NewFormatter(cfg.Config.Device, cfg.Config.MaxLineBytes),
		BatchSize:       cfg.Config.BatchSize,
		BackoffInterval: time.Duration(cfg.Config.BackoffMS) * time.Millisecond,
		ReconnectMax:    time.Duration(cfg.Config.ReconnectMaxMS) * time.Millisecond,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create exporter")
		return exitSetup
	}

	if err := exp.Preflight(ctx); err != nil {
		log.Error().Err(err).Msg("Changelog preflight failed")
		return exitSetup
	}

	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(store, cfg.Config.Device,
			time.Duration(cfg.Config.Prometheus.CollectIntervalS)*time.Second)
		collector.Start()
		defer collector.Stop()
	}

	if cfg.Config.Admin.Enabled {
		adminServer := admin.NewServer(admin.NewAdminHandlers(store, exp))
		if err := adminServer.Start(cfg.Config.Admin.Address, cfg.Config.Admin.Port); err != nil {
			log.Error().Err(err).Msg("Failed to start admin server")
			return exitSetup
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := adminServer.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown error")
			}
		}()
	}

	if err := exp.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Exporter stopped")
		return exitRuntime
	}

	log.Info().Msg("Shutdown complete")
	return exitOK
}

func setupLogging(device string) {
	var writer io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stderr
	}
	ctx := zerolog.New(writer).With().Timestamp()
	if device != "" {
		ctx = ctx.Str("mdt", device)
	}
	gLog := ctx.Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
