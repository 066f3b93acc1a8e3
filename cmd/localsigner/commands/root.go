// Package commands 实现 localsigner 命令行。
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegis-sign/localsigner/internal/config"
)

var (
	configPath string
	flagDir    string
	flagHost   string
	flagPort   int
	flagLevel  string
	flagFormat string

	cfg    config.Config
	logger *slog.Logger
)

// Execute 运行根命令。
func Execute() error {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "localsigner",
		Short:         "Local JSON-RPC signing service reachable through a capability URL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(loaded.DataDir, 0o700); err != nil {
				return err
			}
			cfg = loaded
			logger = config.NewLogger(cfg.Logging, os.Stderr)
			slog.SetDefault(logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, serveOptions{})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.localsigner/config.yaml)")
	pf.StringVar(&flagDir, "data-dir", "", "data dir (default ~/.localsigner)")
	pf.StringVar(&flagHost, "host", config.DefaultHost, "listen host; only 127.0.0.1 is accepted")
	pf.IntVar(&flagPort, "port", config.DefaultPort, "listen port")
	pf.StringVar(&flagLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&flagFormat, "log-format", "text", "log format: text, json")

	root.AddCommand(serveCmd(), urlCmd(), fingerprintCmd(), statusCmd(), passwordCmd(), identityCmd(), versionCmd())
	return root
}

// resolveConfig 读取配置文件与环境变量，再叠加命令行显式给出的参数。
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	loaded, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		loaded.DataDir = flagDir
	}
	if flags.Changed("host") {
		loaded.Server.Host = flagHost
	}
	if flags.Changed("port") {
		loaded.Server.Port = flagPort
	}
	if flags.Changed("log-level") {
		loaded.Logging.Level = flagLevel
	}
	if flags.Changed("log-format") {
		loaded.Logging.Format = flagFormat
	}
	if problems := loaded.Validate(); len(problems) > 0 {
		return config.Config{}, fmt.Errorf("invalid configuration: %v", problems)
	}
	return loaded, nil
}
