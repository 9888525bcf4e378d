// Package config holds the courier configuration: command line flags with
// an optional YAML file overlay.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/telemetry-tools/event-courier/internal/transport"
)

// version is set at build time via ldflags
var version = "dev"

// Config holds the application configuration.
type Config struct {
	// Ingest settings
	IngestListenAddr string

	// Stats/health endpoint settings
	StatsAddr string

	// Store settings
	DatabasePath string

	// Endpoint settings
	EndpointURL      string
	EndpointPath     string
	EndpointInsecure bool
	UploadTimeout    time.Duration
	AuthBearerToken  string
	Compression      string

	// Tuning defaults (server values override these at runtime)
	MaxTotalDBSize   int64
	MaxBatchSize     int64
	MinBatchInterval time.Duration
	MaxWait          time.Duration

	// Scheduling settings
	BatchDelay                  time.Duration
	RegionBatchDelay            time.Duration
	BackgroundReportingInterval time.Duration

	// Pipeline settings
	CommandQueueSize int

	// Memory limit settings
	MemoryLimitRatio float64

	// Logging
	Debug bool

	// Flags
	ShowHelp    bool
	ShowVersion bool
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		IngestListenAddr:            ":8126",
		StatsAddr:                   ":9090",
		DatabasePath:                "./events.db",
		EndpointURL:                 "localhost:8080",
		EndpointPath:                "/v1/events",
		EndpointInsecure:            true,
		UploadTimeout:               30 * time.Second,
		Compression:                 "none",
		MaxTotalDBSize:              5 * 1024 * 1024,
		MaxBatchSize:                500 * 1024,
		MinBatchInterval:            time.Minute,
		MaxWait:                     10 * time.Minute,
		BatchDelay:                  10 * time.Second,
		RegionBatchDelay:            time.Second,
		BackgroundReportingInterval: 15 * time.Minute,
		CommandQueueSize:            1024,
		MemoryLimitRatio:            0.9,
	}
}

// ParseFlags parses command line flags, applying an optional YAML config
// file first so that explicitly set flags win over file values.
func ParseFlags() *Config {
	cfg := DefaultConfig()

	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to YAML configuration file")

	flag.StringVar(&cfg.IngestListenAddr, "ingest-listen", cfg.IngestListenAddr, "HTTP ingest listen address")
	flag.StringVar(&cfg.StatsAddr, "stats-listen", cfg.StatsAddr, "Metrics and health listen address")
	flag.StringVar(&cfg.DatabasePath, "db-path", cfg.DatabasePath, "Path to the event database file")

	flag.StringVar(&cfg.EndpointURL, "endpoint", cfg.EndpointURL, "Collection endpoint (host:port or URL)")
	flag.StringVar(&cfg.EndpointPath, "endpoint-path", cfg.EndpointPath, "Default path when endpoint has no path")
	flag.BoolVar(&cfg.EndpointInsecure, "endpoint-insecure", cfg.EndpointInsecure, "Use plain HTTP (no TLS) for the collection endpoint")
	flag.DurationVar(&cfg.UploadTimeout, "upload-timeout", cfg.UploadTimeout, "Upload request timeout")
	flag.StringVar(&cfg.AuthBearerToken, "auth-bearer-token", cfg.AuthBearerToken, "Bearer token for endpoint authentication")
	flag.StringVar(&cfg.Compression, "compression", cfg.Compression, "Upload body compression: none, gzip, zstd")

	flag.Int64Var(&cfg.MaxTotalDBSize, "max-total-db-size", cfg.MaxTotalDBSize, "Storage budget in bytes before oldest-session eviction")
	flag.Int64Var(&cfg.MaxBatchSize, "max-batch-size", cfg.MaxBatchSize, "Upload batch budget in bytes")
	flag.DurationVar(&cfg.MinBatchInterval, "min-batch-interval", cfg.MinBatchInterval, "Minimum pacing interval between uploads")
	flag.DurationVar(&cfg.MaxWait, "max-wait", cfg.MaxWait, "Backoff cap")

	flag.DurationVar(&cfg.BatchDelay, "batch-delay", cfg.BatchDelay, "Minimum coalescing window for normal events")
	flag.DurationVar(&cfg.RegionBatchDelay, "region-batch-delay", cfg.RegionBatchDelay, "Fixed upload delay for region events")
	flag.DurationVar(&cfg.BackgroundReportingInterval, "background-reporting-interval", cfg.BackgroundReportingInterval, "Reporting cadence for location events while backgrounded")

	flag.IntVar(&cfg.CommandQueueSize, "command-queue-size", cfg.CommandQueueSize, "Pipeline command queue capacity")
	flag.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Ratio of container memory used for GOMEMLIMIT")

	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show usage")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version")

	flag.Parse()

	if configFile != "" {
		// Record explicitly set flags before the file overlay so they win
		// over file values.
		set := make(map[string]string)
		flag.Visit(func(f *flag.Flag) {
			set[f.Name] = f.Value.String()
		})

		if err := ApplyYAMLFile(cfg, configFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(2)
		}

		for name, value := range set {
			_ = flag.Set(name, value)
		}
	}

	return cfg
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("db-path must not be empty")
	}
	if c.MaxTotalDBSize <= 0 {
		return fmt.Errorf("max-total-db-size must be positive, got %d", c.MaxTotalDBSize)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max-batch-size must be positive, got %d", c.MaxBatchSize)
	}
	if c.MinBatchInterval <= 0 {
		return fmt.Errorf("min-batch-interval must be positive, got %s", c.MinBatchInterval)
	}
	if c.MaxWait < c.MinBatchInterval {
		return fmt.Errorf("max-wait (%s) must not be below min-batch-interval (%s)", c.MaxWait, c.MinBatchInterval)
	}
	if c.MemoryLimitRatio <= 0 || c.MemoryLimitRatio > 1 {
		return fmt.Errorf("memory-limit-ratio must be in (0, 1], got %g", c.MemoryLimitRatio)
	}
	if _, err := transport.ParseCompression(c.Compression); err != nil {
		return err
	}
	return nil
}

// PrintUsage prints flag usage.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, "Usage of event-courier:\n")
	flag.PrintDefaults()
}

// PrintVersion prints the build version.
func PrintVersion() {
	fmt.Printf("event-courier %s\n", version)
}
