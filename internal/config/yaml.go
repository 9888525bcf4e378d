package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// YAMLConfig represents the YAML configuration file structure. Pointer and
// zero-value semantics: absent fields leave the current value untouched.
type YAMLConfig struct {
	Ingest struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"ingest"`

	Stats struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"stats"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Endpoint struct {
		URL         string   `yaml:"url"`
		Path        string   `yaml:"path"`
		Insecure    *bool    `yaml:"insecure"`
		Timeout     Duration `yaml:"timeout"`
		BearerToken string   `yaml:"bearer_token"`
		Compression string   `yaml:"compression"`
	} `yaml:"endpoint"`

	Tuning struct {
		MaxTotalDBSize   int64    `yaml:"max_total_db_size"`
		MaxBatchSize     int64    `yaml:"max_batch_size"`
		MinBatchInterval Duration `yaml:"min_batch_interval"`
		MaxWait          Duration `yaml:"max_wait"`
	} `yaml:"tuning"`

	Scheduler struct {
		BatchDelay                  Duration `yaml:"batch_delay"`
		RegionBatchDelay            Duration `yaml:"region_batch_delay"`
		BackgroundReportingInterval Duration `yaml:"background_reporting_interval"`
	} `yaml:"scheduler"`

	Pipeline struct {
		CommandQueueSize int `yaml:"command_queue_size"`
	} `yaml:"pipeline"`

	Memory struct {
		LimitRatio float64 `yaml:"limit_ratio"`
	} `yaml:"memory"`

	Debug *bool `yaml:"debug"`
}

// ApplyYAMLFile loads path and overlays its values onto cfg.
func ApplyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ApplyYAML(cfg, data)
}

// ApplyYAML overlays YAML data onto cfg. Absent fields keep their values.
func ApplyYAML(cfg *Config, data []byte) error {
	var yc YAMLConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if yc.Ingest.ListenAddr != "" {
		cfg.IngestListenAddr = yc.Ingest.ListenAddr
	}
	if yc.Stats.ListenAddr != "" {
		cfg.StatsAddr = yc.Stats.ListenAddr
	}
	if yc.Store.Path != "" {
		cfg.DatabasePath = yc.Store.Path
	}

	if yc.Endpoint.URL != "" {
		cfg.EndpointURL = yc.Endpoint.URL
	}
	if yc.Endpoint.Path != "" {
		cfg.EndpointPath = yc.Endpoint.Path
	}
	if yc.Endpoint.Insecure != nil {
		cfg.EndpointInsecure = *yc.Endpoint.Insecure
	}
	if yc.Endpoint.Timeout != 0 {
		cfg.UploadTimeout = time.Duration(yc.Endpoint.Timeout)
	}
	if yc.Endpoint.BearerToken != "" {
		cfg.AuthBearerToken = yc.Endpoint.BearerToken
	}
	if yc.Endpoint.Compression != "" {
		cfg.Compression = yc.Endpoint.Compression
	}

	if yc.Tuning.MaxTotalDBSize != 0 {
		cfg.MaxTotalDBSize = yc.Tuning.MaxTotalDBSize
	}
	if yc.Tuning.MaxBatchSize != 0 {
		cfg.MaxBatchSize = yc.Tuning.MaxBatchSize
	}
	if yc.Tuning.MinBatchInterval != 0 {
		cfg.MinBatchInterval = time.Duration(yc.Tuning.MinBatchInterval)
	}
	if yc.Tuning.MaxWait != 0 {
		cfg.MaxWait = time.Duration(yc.Tuning.MaxWait)
	}

	if yc.Scheduler.BatchDelay != 0 {
		cfg.BatchDelay = time.Duration(yc.Scheduler.BatchDelay)
	}
	if yc.Scheduler.RegionBatchDelay != 0 {
		cfg.RegionBatchDelay = time.Duration(yc.Scheduler.RegionBatchDelay)
	}
	if yc.Scheduler.BackgroundReportingInterval != 0 {
		cfg.BackgroundReportingInterval = time.Duration(yc.Scheduler.BackgroundReportingInterval)
	}

	if yc.Pipeline.CommandQueueSize != 0 {
		cfg.CommandQueueSize = yc.Pipeline.CommandQueueSize
	}
	if yc.Memory.LimitRatio != 0 {
		cfg.MemoryLimitRatio = yc.Memory.LimitRatio
	}
	if yc.Debug != nil {
		cfg.Debug = *yc.Debug
	}

	return nil
}
