// Package config 按 默认值 < YAML 文件 < LOCALSIGNER_* 环境变量 的顺序合并配置。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// UserConfigPath 返回默认配置文件路径。
func UserConfigPath() string {
	return filepath.Join(DefaultDataDir(), userConfigFile)
}

// Load 读取配置。path 为空时使用 UserConfigPath，且文件不存在不算错误。
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = UserConfigPath()
	}
	if err := mergeFile(&cfg, path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return cfg, fmt.Errorf("invalid config: %s", formatValidationErrors(problems))
	}
	return cfg, nil
}

// mergeFile 把 YAML 中出现的字段覆盖到 cfg 上，未出现的字段保持原值。
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func formatValidationErrors(errs []ValidationError) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d problems: %s", len(errs), strings.Join(parts, "; "))
}
