package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Addr:                   ":8080",
			ShutdownTimeoutSeconds: 15,
			MetricsEnabled:         true,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    ":8090",
			Path:    "/ws",
		},
		Storage: StorageConfig{
			DBPath: "~/.chatgate/chatgate.db",
		},
		Engine: EngineConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			HistoryTurns:   20,
			TimeoutSeconds: 120,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 20,
			Burst:     40,
		},
		Security: SecurityConfig{
			PairingTTLMinutes:    15,
			SweepIntervalSeconds: 300,
		},
	}
}
