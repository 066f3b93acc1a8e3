package dispatch

import "log/slog"

// Config 控制 Dispatcher 行为。
type Config struct {
	MaxQueue  int
	Workers   int
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
