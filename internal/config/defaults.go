package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			ReplicationCount: 1,
			VolumeSelector:   "round_robin",
			DeleteBatchSize:  1000,
			PurgeAge:         Duration(7 * 24 * time.Hour),
			PurgeInterval:    Duration(time.Hour),
			CleanerMinAge:    Duration(24 * time.Hour),
			CleanerInterval:  Duration(24 * time.Hour),
			CapacityInterval: Duration(time.Minute),
		},
		Retention: RetentionConfig{
			Interval: Duration(10 * time.Minute),
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/streamstore/meta.db",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
