package cfg

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/lauditd/lauditd/changelog"
	"github.com/rs/zerolog/log"
)

// Startup error classes, mapped to distinct exit codes by the daemon
var (
	ErrUsage           = errors.New("usage error")
	ErrMissingArgument = errors.New("missing required argument")
)

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled          bool `toml:"enabled"`
	CollectIntervalS int  `toml:"collect_interval_seconds"` // Changelog backlog sampling period
}

// AdminConfiguration for the admin HTTP server
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Pre-shared key for mutating endpoints, empty disables auth
}

// Configuration is the main configuration structure
type Configuration struct {
	Device   string `toml:"device"`   // Changelog device (MDT name)
	Consumer string `toml:"consumer"` // Registered changelog consumer id
	FifoPath string `toml:"fifo"`     // Named pipe lines are written to
	DataDir  string `toml:"data_dir"` // Changelog store location

	BatchSize      int    `toml:"batch_size"`       // Records per cursor session
	Exclude        string `toml:"exclude"`          // Comma-separated record types never exported
	BackoffMS      int    `toml:"backoff_ms"`       // Sleep after upstream failure or empty changelog
	MaxLineBytes   int    `toml:"max_line_bytes"`   // Bound for a formatted line
	FifoPollMS     int    `toml:"fifo_poll_ms"`     // Poll interval while waiting for a reader
	ReconnectMaxMS int    `toml:"reconnect_max_ms"` // Cap for the sink reopen delay

	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Default returns the default configuration
func Default() *Configuration {
	return &Configuration{
		DataDir: "./lauditd-data",

		BatchSize:      1,
		BackoffMS:      1000,
		MaxLineBytes:   4096, // PIPE_BUF
		FifoPollMS:     200,
		ReconnectMaxMS: 5000,

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled:          false,
			CollectIntervalS: 15,
		},

		Admin: AdminConfiguration{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    9410,
		},
	}
}

// Config is the active configuration
var Config = Default()

// ParseArgs parses the command line into Config:
//
//	lauditd [-config file] -u <consumer> -f <fifo> [-b batch] [-x TYPE,...] <mdtname>
//
// Flags override the config file. Errors wrap ErrUsage or
// ErrMissingArgument when the command line is at fault.
func ParseArgs(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] -u <consumer> -f <fifo> <mdtname>\n", name)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "", "Path to configuration file")
	consumer := fs.String("u", "", "Changelog consumer id, e.g. cl1 (required)")
	fifo := fs.String("f", "", "Named pipe to write records to (required)")
	batch := fs.Int("b", 0, "Records per batch (overrides config, default 1)")
	exclude := fs.String("x", "", "Comma-separated record types to exclude, e.g. OPEN,CLOSE")
	dataDir := fs.String("data-dir", "", "Changelog store directory (overrides config)")
	verbose := fs.Bool("v", false, "Verbose logging")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return fmt.Errorf("%w: unexpected arguments %v", ErrUsage, fs.Args()[1:])
	}

	if err := Load(*configPath); err != nil {
		return err
	}

	// Apply CLI overrides
	if *consumer != "" {
		Config.Consumer = *consumer
	}
	if *fifo != "" {
		Config.FifoPath = *fifo
	}
	if *batch != 0 {
		Config.BatchSize = *batch
	}
	if *exclude != "" {
		Config.Exclude = *exclude
	}
	if *dataDir != "" {
		Config.DataDir = *dataDir
	}
	if *verbose {
		Config.Logging.Verbose = true
	}
	if fs.NArg() == 1 {
		Config.Device = fs.Arg(0)
	}

	var missing []string
	if Config.Consumer == "" {
		missing = append(missing, "consumer (-u)")
	}
	if Config.FifoPath == "" {
		missing = append(missing, "pipe path (-f)")
	}
	if Config.Device == "" {
		missing = append(missing, "mdtname")
	}
	if len(missing) > 0 {
		fs.Usage()
		return fmt.Errorf("%w: %s", ErrMissingArgument, strings.Join(missing, ", "))
	}

	if err := Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	return nil
}

// Load loads configuration from file if it exists
func Load(configPath string) error {
	if configPath == "" {
		return nil
	}

	if _, err := os.Stat(configPath); err == nil {
		log.Info().Str("path", configPath).Msg("Loading configuration")
		if _, err := toml.DecodeFile(configPath, Config); err != nil {
			return fmt.Errorf("failed to decode config: %w", err)
		}
	} else {
		log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
	}

	return nil
}

// Validate checks the active configuration
func Validate() error {
	if strings.ContainsAny(Config.Device, "/\x00") {
		return fmt.Errorf("invalid device name: %q", Config.Device)
	}

	if Config.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1")
	}

	if Config.BackoffMS < 1 {
		return fmt.Errorf("backoff must be >= 1ms")
	}

	if Config.MaxLineBytes < 0 {
		return fmt.Errorf("max line bytes must be >= 0")
	}

	if Config.FifoPollMS < 1 {
		return fmt.Errorf("fifo poll interval must be >= 1ms")
	}

	if Config.ReconnectMaxMS < 1 {
		return fmt.Errorf("reconnect max must be >= 1ms")
	}

	for _, name := range strings.Split(Config.Exclude, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, err := changelog.ParseEventType(name); err != nil {
			return err
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalS < 1 {
		return fmt.Errorf("metrics collect interval must be >= 1 second")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	// /metrics is mounted on the admin server
	if Config.Prometheus.Enabled && !Config.Admin.Enabled {
		log.Warn().Msg("Prometheus metrics are enabled but the admin server is not, nothing will serve /metrics")
	}

	return nil
}
