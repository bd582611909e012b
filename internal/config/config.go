// Package config loads the YAML configuration tree recognized by newsvault
// (§6.4). Defaults are filled in post-unmarshal; the embedder and reranker
// batch sizes and the executor worker count log a message when their
// default kicks in.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"newsvault/internal/logging"
)

type EmbedderConfig struct {
	Host      string `yaml:"host"`
	ModelID   string `yaml:"model_id"`
	BatchSize int    `yaml:"batch_size"`
}

type RerankerConfig struct {
	Host      string `yaml:"host"`
	ModelID   string `yaml:"model_id"`
	BatchSize int    `yaml:"batch_size"`
}

type LLMConfig struct {
	Endpoint string `yaml:"endpoint"`
	ModelID  string `yaml:"model_id"`
	TimeoutS int    `yaml:"timeout_s"`
	APIKey   string `yaml:"api_key,omitempty"`
}

func (c LLMConfig) Timeout() time.Duration { return time.Duration(c.TimeoutS) * time.Second }

type VectorStoreConfig struct {
	Root                   string  `yaml:"root"`
	CompactThresholdRatio  float64 `yaml:"compact_threshold_ratio"`
	CompactThresholdCount  int     `yaml:"compact_threshold_count"`
	LRUCapacity            int     `yaml:"lru_capacity"`
}

type FetcherConfig struct {
	UserAgent  string  `yaml:"user_agent"`
	PerHostRPS float64 `yaml:"per_host_rps"`
	TimeoutS   int     `yaml:"timeout_s"`
	Proxies    []string `yaml:"proxies,omitempty"`
}

func (c FetcherConfig) Timeout() time.Duration { return time.Duration(c.TimeoutS) * time.Second }

type SchedulerConfig struct {
	RSSDefaultCadenceS int    `yaml:"rss_default_cadence_s"`
	WebSweepHour       int    `yaml:"web_sweep_hour"`
	MaintenanceDOW     string `yaml:"maintenance_day_of_week"`
}

type ExecutorConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

type SearchConfig struct {
	DefaultLimit                 int     `yaml:"default_limit"`
	ExternalTriggerThreshold     float64 `yaml:"external_trigger_threshold"`
	ExternalTriggerMinResults    int     `yaml:"external_trigger_min_results"`
}

type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type DatabaseConfig struct {
	ConnectionString string `yaml:"connection_string"`
	PoolSize         int    `yaml:"pool_size"`
}

type WebFallbackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// TelemetryConfig controls OpenTelemetry settings and mirrors
// internal/telemetry.Config field-for-field.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Database     DatabaseConfig    `yaml:"database"`
	Embedder     EmbedderConfig    `yaml:"embedder"`
	Reranker     RerankerConfig    `yaml:"reranker"`
	LLM          LLMConfig         `yaml:"llm"`
	VectorStore  VectorStoreConfig `yaml:"vector_store"`
	Fetcher      FetcherConfig     `yaml:"fetcher"`
	Scheduler    SchedulerConfig   `yaml:"scheduler"`
	Executor     ExecutorConfig    `yaml:"executor"`
	Search       SearchConfig      `yaml:"search"`
	Upload       UploadConfig      `yaml:"upload"`
	WebFallback  WebFallbackConfig `yaml:"web_fallback"`
	OTel         TelemetryConfig   `yaml:"otel"`
}

// LoadConfig reads the configuration from a YAML file, unmarshals it into a
// Config struct, and fills in defaults for anything left unset.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	logging.Log.Info().Str("file", filename).Msg("configuration loaded")
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 8
	}
	if cfg.Embedder.BatchSize <= 0 {
		cfg.Embedder.BatchSize = 32
		logging.Log.Info().Msg("no embedder.batch_size specified, using default (32)")
	}
	if cfg.Reranker.BatchSize <= 0 {
		cfg.Reranker.BatchSize = 16
		logging.Log.Info().Msg("no reranker.batch_size specified, using default (16)")
	}
	if cfg.LLM.TimeoutS <= 0 {
		cfg.LLM.TimeoutS = 120
	}
	if cfg.VectorStore.Root == "" {
		cfg.VectorStore.Root = "./data/vectors"
	}
	if cfg.VectorStore.CompactThresholdRatio <= 0 {
		cfg.VectorStore.CompactThresholdRatio = 0.2
	}
	if cfg.VectorStore.CompactThresholdCount <= 0 {
		cfg.VectorStore.CompactThresholdCount = 1000
	}
	if cfg.VectorStore.LRUCapacity <= 0 {
		cfg.VectorStore.LRUCapacity = 32
	}
	if cfg.Fetcher.UserAgent == "" {
		cfg.Fetcher.UserAgent = "newsvault-fetcher/1.0"
	}
	if cfg.Fetcher.PerHostRPS <= 0 {
		cfg.Fetcher.PerHostRPS = 1
	}
	if cfg.Fetcher.TimeoutS <= 0 {
		cfg.Fetcher.TimeoutS = 30
	}
	if cfg.Scheduler.RSSDefaultCadenceS <= 0 {
		cfg.Scheduler.RSSDefaultCadenceS = 1800
	}
	if cfg.Executor.Workers <= 0 {
		cfg.Executor.Workers = 4
		logging.Log.Info().Msg("no executor.workers specified, using default (4)")
	}
	if cfg.Executor.QueueCapacity <= 0 {
		cfg.Executor.QueueCapacity = 256
	}
	if cfg.Search.DefaultLimit <= 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.ExternalTriggerThreshold <= 0 {
		cfg.Search.ExternalTriggerThreshold = 0.35
	}
	if cfg.Search.ExternalTriggerMinResults <= 0 {
		cfg.Search.ExternalTriggerMinResults = 3
	}
	if cfg.Upload.MaxBytes <= 0 {
		cfg.Upload.MaxBytes = 16 << 20
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "newsvault"
	}
}
