package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "/var/lib/motion-lake/catalog.db",
		},
		Storage: StorageConfig{
			Backend: BackendFileSystem,
			FileSystem: FileSystemConfig{
				Root: "/var/lib/motion-lake/storage",
			},
		},
		Compression: CompressionConfig{
			Codec: "gzip",
			Level: 9,
		},
		Query: QueryConfig{
			Workers: 4,
		},
		Reclaim: ReclaimConfig{
			Enabled:  true,
			Interval: Duration(5 * time.Minute),
			Grace:    Duration(15 * time.Minute),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
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
			},
		},
	}
}
