package engineclient

import (
	"errors"
	"fmt"
	"time"
)

// Config 控制引擎连接池行为。
type Config struct {
	MinConns            int
	MaxConns            int
	AcquireTimeout      time.Duration
	DialTimeout         time.Duration
	KeepaliveTime       time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	// ServiceName 是健康检查使用的服务名，为空时检查整个进程。
	ServiceName string
	Redial      RedialConfig
}

// RedialConfig 是连接进入 TransientFailure 后的重拨节奏。
type RedialConfig struct {
	Base   time.Duration
	Cap    time.Duration
	Spread float64
}

// DefaultConfig 返回本机引擎进程适用的默认值。
func DefaultConfig() Config {
	return Config{
		MinConns:            1,
		MaxConns:            4,
		AcquireTimeout:      2 * time.Second,
		DialTimeout:         time.Second,
		KeepaliveTime:       30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		ServiceName:         ServiceName,
		Redial: RedialConfig{
			Base:   50 * time.Millisecond,
			Cap:    2 * time.Second,
			Spread: 0.2,
		},
	}
}

// Validate 汇总全部不合法的参数。
func (cfg Config) Validate() error {
	var errs []error
	if cfg.MinConns < 0 {
		errs = append(errs, fmt.Errorf("min conns must not be negative, got %d", cfg.MinConns))
	}
	if cfg.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("max conns must be at least 1, got %d", cfg.MaxConns))
	} else if cfg.MaxConns < cfg.MinConns {
		errs = append(errs, fmt.Errorf("max conns %d below min conns %d", cfg.MaxConns, cfg.MinConns))
	}
	for name, d := range map[string]time.Duration{
		"acquire timeout": cfg.AcquireTimeout,
		"dial timeout":    cfg.DialTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if cfg.Redial.Spread < 0 || cfg.Redial.Spread >= 1 {
		errs = append(errs, fmt.Errorf("redial spread must be in [0,1), got %g", cfg.Redial.Spread))
	}
	return errors.Join(errs...)
}

// withDefaults 用默认值补齐零值字段。
func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.Redial.Base <= 0 {
		cfg.Redial.Base = def.Redial.Base
	}
	if cfg.Redial.Cap < cfg.Redial.Base {
		cfg.Redial.Cap = max(def.Redial.Cap, cfg.Redial.Base)
	}
	return cfg
}
