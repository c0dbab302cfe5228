package config

import "time"

// Default 返回默认配置。
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Addr:        "127.0.0.1:6379",
			Prefix:      "btt-sync:",
			DialTimeout: 5 * time.Second,
			Retry: RetryConfig{
				InitialInterval: time.Second,
				MaxInterval:     10 * time.Second,
				MaxTries:        3,
			},
			StreamMaxLen: 1000,
		},
		Root:        "/config-center",
		ServersPath: "/servers",
		Node: NodeConfig{
			RegistrationTTL: 15 * time.Second,
		},
		Resources: ResourcesConfig{
			Dir:             "./config",
			Suffix:          ".properties",
			DefaultPrefix:   "config",
			AlwaysImmediate: "flowdefine",
			Debounce:        100 * time.Millisecond,
			Restart: RestartConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				AlertAfter:      5,
				StableAfter:     30 * time.Second,
			},
		},
		Sync: SyncConfig{
			Strategy:       "children",
			LocalDir:       "./config",
			ResyncInterval: time.Minute,
			BlockTimeout:   5 * time.Second,
		},
		Publish: PublishConfig{
			SourceDir:       "./config-center",
			DefaultListener: "/listener",
			LockTTL:         10 * time.Second,
			LockWait:        5 * time.Second,
		},
		Admin: AdminConfig{
			Addr: ":8080",
		},
		Shutdown: ShutdownConfig{
			CloseDelay: 2 * time.Second,
		},
	}
}
