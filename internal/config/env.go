package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix 是所有环境变量的前缀。
const EnvPrefix = "LOCALSIGNER_"

// LookupFunc 与 os.LookupEnv 同形，便于测试注入。
type LookupFunc func(key string) (string, bool)

// ApplyEnv 用环境变量覆盖 cfg。
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []string
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}

	str("DATA_DIR", &cfg.DataDir)
	str("HOST", &cfg.Server.Host)
	integer("PORT", &cfg.Server.Port)
	list("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	integer("WORKERS", &cfg.Dispatch.Workers)
	integer("MAX_QUEUE", &cfg.Dispatch.MaxQueue)
	list("ENGINE_TARGETS", &cfg.Engine.Targets)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("RELEASE_URL", &cfg.Update.ReleaseURL)

	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sRATE_LIMIT: %v", EnvPrefix, err))
		} else {
			cfg.Dispatch.RateLimit = f
		}
	}
	duration("ENGINE_CALL_TIMEOUT", &cfg.Engine.CallTimeout)
	str("ENGINE_PROXY", &cfg.Engine.Proxy)
	integer("ENGINE_POOL_MIN", &cfg.Engine.Pool.MinConns)
	integer("ENGINE_POOL_MAX", &cfg.Engine.Pool.MaxConns)
	duration("ENGINE_POOL_ACQUIRE_TIMEOUT", &cfg.Engine.Pool.AcquireTimeout)
	duration("ENGINE_POOL_DIAL_TIMEOUT", &cfg.Engine.Pool.DialTimeout)
	duration("ENGINE_POOL_HEALTH_INTERVAL", &cfg.Engine.Pool.HealthInterval)
	if v, ok := lookup(EnvPrefix + "HEADLESS"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sHEADLESS: %v", EnvPrefix, err))
		} else {
			cfg.Update.Headless = b
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
