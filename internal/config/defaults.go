package config

import (
	"os"
	"path/filepath"

	"github.com/aegis-sign/localsigner/internal/infra/engineclient"
)

const (
	// DefaultPort 是能力 URL 使用的固定端口。
	DefaultPort = 18340
	// DefaultHost 只监听回环地址。
	DefaultHost = "127.0.0.1"

	userConfigDir  = ".localsigner"
	userConfigFile = "config.yaml"
)

// DefaultDataDir 返回 ~/.localsigner，取不到 home 时退回当前目录。
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return userConfigDir
	}
	return filepath.Join(home, userConfigDir)
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	pool := engineclient.DefaultConfig()
	return Config{
		DataDir: DefaultDataDir(),
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			MaxBodyBytes: 16 << 20,
			Metrics:      true,
		},
		Dispatch: DispatchConfig{
			Workers:   8,
			MaxQueue:  256,
			RateBurst: 1,
		},
		Engine: EngineConfig{
			Pool: EnginePoolConfig{
				MinConns:       pool.MinConns,
				MaxConns:       pool.MaxConns,
				AcquireTimeout: pool.AcquireTimeout,
				DialTimeout:    pool.DialTimeout,
				HealthInterval: pool.HealthCheckInterval,
			},
		},
		Identity: IdentityConfig{
			ScryptLogN:       15,
			BackupWorkFactor: 18,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
