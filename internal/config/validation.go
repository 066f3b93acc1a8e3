package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/aegis-sign/localsigner/internal/capability"
	"github.com/aegis-sign/localsigner/internal/infra/engineclient"
)

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json"}
)

// Validate 返回配置中的全部问题。
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateDispatch()...)
	errs = append(errs, c.validateEngine()...)
	errs = append(errs, c.validateIdentity()...)
	errs = append(errs, c.validateLogging()...)
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, ValidationError{Path: "data_dir", Message: "must not be empty"})
	}
	return errs
}

func (c *Config) validateServer() []ValidationError {
	var errs []ValidationError
	if c.Server.Host != capability.LoopbackHost {
		errs = append(errs, ValidationError{Path: "server.host", Message: fmt.Sprintf("must be %s, the host every capability URL points at, got '%s'", capability.LoopbackHost, c.Server.Host)})
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{Path: "server.port", Message: fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port)})
	}
	if c.Server.MaxBodyBytes < 1024 {
		errs = append(errs, ValidationError{Path: "server.max_body_bytes", Message: fmt.Sprintf("must be at least 1024, got %d", c.Server.MaxBodyBytes)})
	}
	return errs
}

func (c *Config) validateDispatch() []ValidationError {
	var errs []ValidationError
	if c.Dispatch.Workers < 1 {
		errs = append(errs, ValidationError{Path: "dispatch.workers", Message: fmt.Sprintf("must be at least 1, got %d", c.Dispatch.Workers)})
	}
	if c.Dispatch.MaxQueue < 1 {
		errs = append(errs, ValidationError{Path: "dispatch.max_queue", Message: fmt.Sprintf("must be at least 1, got %d", c.Dispatch.MaxQueue)})
	}
	if c.Dispatch.RateLimit < 0 {
		errs = append(errs, ValidationError{Path: "dispatch.rate_limit", Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateEngine() []ValidationError {
	if _, err := c.EngineTargets(); err != nil {
		return []ValidationError{{Path: "engine.targets", Message: err.Error()}}
	}
	if c.Engine.CallTimeout < 0 {
		return []ValidationError{{Path: "engine.call_timeout", Message: "must not be negative"}}
	}
	if err := validateProxy(c.Engine.Proxy); err != nil {
		return []ValidationError{{Path: "engine.proxy", Message: err.Error()}}
	}
	if err := c.EnginePool().Validate(); err != nil {
		return []ValidationError{{Path: "engine.pool", Message: err.Error()}}
	}
	return nil
}

var proxySchemes = []string{"http", "https", "socks5", "socks5h"}

func validateProxy(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(proxySchemes, u.Scheme) {
		return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(proxySchemes, ", "), u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return fmt.Errorf("must include host and port, got %q", raw)
	}
	return nil
}

func (c *Config) validateIdentity() []ValidationError {
	var errs []ValidationError
	if c.Identity.ScryptLogN < 10 || c.Identity.ScryptLogN > 22 {
		errs = append(errs, ValidationError{Path: "identity.scrypt_log_n", Message: fmt.Sprintf("must be between 10 and 22, got %d", c.Identity.ScryptLogN)})
	}
	if c.Identity.BackupWorkFactor < 10 || c.Identity.BackupWorkFactor > 22 {
		errs = append(errs, ValidationError{Path: "identity.backup_work_factor", Message: fmt.Sprintf("must be between 10 and 22, got %d", c.Identity.BackupWorkFactor)})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(validLevels, c.Logging.Level) {
		errs = append(errs, ValidationError{Path: "logging.level", Message: fmt.Sprintf("must be one of %v, got '%s'", validLevels, c.Logging.Level)})
	}
	if !slices.Contains(validFormats, c.Logging.Format) {
		errs = append(errs, ValidationError{Path: "logging.format", Message: fmt.Sprintf("must be one of %v, got '%s'", validFormats, c.Logging.Format)})
	}
	return errs
}

// EngineTargets 解析 engine.targets。
func (c *Config) EngineTargets() ([]engineclient.Target, error) {
	targets := make([]engineclient.Target, 0, len(c.Engine.Targets))
	seen := make(map[string]struct{}, len(c.Engine.Targets))
	for _, entry := range c.Engine.Targets {
		id, endpoint, found := strings.Cut(strings.TrimSpace(entry), "=")
		id, endpoint = strings.TrimSpace(id), strings.TrimSpace(endpoint)
		if !found || id == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid engine entry '%s' (format id=endpoint)", entry)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate engine id '%s'", id)
		}
		seen[id] = struct{}{}
		targets = append(targets, engineclient.Target{ID: id, Endpoint: endpoint})
	}
	return targets, nil
}

// EnginePool 把 engine.pool 转换为连接池配置，其余字段沿用连接池默认值。
func (c *Config) EnginePool() engineclient.Config {
	pool := engineclient.DefaultConfig()
	pool.MinConns = c.Engine.Pool.MinConns
	pool.MaxConns = c.Engine.Pool.MaxConns
	pool.AcquireTimeout = c.Engine.Pool.AcquireTimeout
	pool.DialTimeout = c.Engine.Pool.DialTimeout
	if c.Engine.Pool.HealthInterval > 0 {
		pool.HealthCheckInterval = c.Engine.Pool.HealthInterval
	}
	return pool
}
