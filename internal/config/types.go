package config

import "time"

// Config 是完整的进程配置。
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Server   ServerConfig   `yaml:"server"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Engine   EngineConfig   `yaml:"engine"`
	Identity IdentityConfig `yaml:"identity"`
	Logging  LoggingConfig  `yaml:"logging"`
	Update   UpdateConfig   `yaml:"update"`
}

// ServerConfig 控制本地监听。
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Metrics 为 true 时在同一监听上暴露 /metrics 与 /debug/dispatch。
	Metrics bool `yaml:"metrics"`
}

// DispatchConfig 对应 worker 池参数。
type DispatchConfig struct {
	Workers   int     `yaml:"workers"`
	MaxQueue  int     `yaml:"max_queue"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// EngineConfig 描述外部钱包引擎。Targets 为空时使用未配置的占位引擎。
type EngineConfig struct {
	// Targets 形如 id=endpoint，endpoint 支持 host:port、unix:// 与 vsock://cid:port。
	Targets     []string      `yaml:"targets"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// Proxy 是引擎访问网络时使用的出站代理，支持 http、https、socks5 与 socks5h，为空表示直连。
	Proxy string           `yaml:"proxy"`
	Pool  EnginePoolConfig `yaml:"pool"`
}

// EnginePoolConfig 是每个引擎目标的 gRPC 连接池参数。
type EnginePoolConfig struct {
	MinConns       int           `yaml:"min_conns"`
	MaxConns       int           `yaml:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// IdentityConfig 控制身份记录加密参数。
type IdentityConfig struct {
	ScryptLogN       int `yaml:"scrypt_log_n"`
	BackupWorkFactor int `yaml:"backup_work_factor"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UpdateConfig 控制版本提示。
type UpdateConfig struct {
	ReleaseURL string `yaml:"release_url"`
	// Headless 为 true 时不弹出系统对话框。
	Headless bool `yaml:"headless"`
}

// ValidationError 描述单个配置问题。
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return e.Path + ": " + e.Message
}
