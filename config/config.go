// Package config defines and loads the Stormline configuration.
package config

// Config represents the core Stormline configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Vision   VisionConfig   `mapstructure:"vision"`
	Weather  WeatherConfig  `mapstructure:"weather"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the Stormline HTTP API server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// QueueConfig configures the job queue and worker pool (core infrastructure)
type QueueConfig struct {
	// Workers is the number of jobs a single worker process executes concurrently
	Workers int `mapstructure:"workers"`

	// PollIntervalSeconds is how often the pool polls for claimable jobs
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// LeaseSeconds bounds how long a worker may hold a claimed job before
	// the reaper makes it eligible for another worker
	LeaseSeconds int `mapstructure:"lease_seconds"`

	// MaxAttempts is the default dispatch attempt budget per job
	MaxAttempts int `mapstructure:"max_attempts"`

	// ReaperIntervalSeconds is how often expired leases are swept
	ReaperIntervalSeconds int `mapstructure:"reaper_interval_seconds"`

	// Retry backoff: delay = min(max, base * 2^attempts) with jitter
	BackoffBaseMillis int `mapstructure:"backoff_base_ms"`
	BackoffMaxSeconds int `mapstructure:"backoff_max_seconds"`
}

// VisionConfig configures the damage-analysis vision model API
type VisionConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	MaxCallsPerMinute int    `mapstructure:"max_calls_per_minute"`
}

// WeatherConfig configures the weather data provider
type WeatherConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`

	// Regions to ingest on the recurring schedule
	Regions []string `mapstructure:"regions"`

	// IngestIntervalSeconds is the recurring ingest cadence per region
	IngestIntervalSeconds int `mapstructure:"ingest_interval_seconds"`
}
