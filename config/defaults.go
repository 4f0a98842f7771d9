package config

import "github.com/spf13/viper"

// Default configuration values. The queue numbers are operational defaults,
// tunable per deployment via stormline.toml or STORMLINE_* env vars.
const (
	DefaultServerPort = 8720

	DefaultWorkers               = 4
	DefaultPollIntervalSeconds   = 5
	DefaultLeaseSeconds          = 60
	DefaultMaxAttempts           = 3
	DefaultReaperIntervalSeconds = 30
	DefaultBackoffBaseMillis     = 500
	DefaultBackoffMaxSeconds     = 300
)

// SetDefaults registers default values on a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "stormline.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("queue.workers", DefaultWorkers)
	v.SetDefault("queue.poll_interval_seconds", DefaultPollIntervalSeconds)
	v.SetDefault("queue.lease_seconds", DefaultLeaseSeconds)
	v.SetDefault("queue.max_attempts", DefaultMaxAttempts)
	v.SetDefault("queue.reaper_interval_seconds", DefaultReaperIntervalSeconds)
	v.SetDefault("queue.backoff_base_ms", DefaultBackoffBaseMillis)
	v.SetDefault("queue.backoff_max_seconds", DefaultBackoffMaxSeconds)

	v.SetDefault("vision.timeout_seconds", 120)
	v.SetDefault("vision.max_calls_per_minute", 30)

	v.SetDefault("weather.regions", []string{})
	v.SetDefault("weather.ingest_interval_seconds", 3600)
}
