package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegis-sign/localsigner/internal/capability"
	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/lifecycle"
)

// currentURL 优先返回运行实例实际监听的地址，没有实例时按配置端口拼出。
func currentURL(cmd *cobra.Command) (string, error) {
	reply, running, err := askInstance(lifecycle.Handoff{Command: commandStatus})
	if err != nil {
		return "", err
	}
	if running && reply.URL != "" {
		return reply.URL, nil
	}
	var out string
	err = withIdentity(cmd.Context(), func(_ *identity.Store, id identity.Identity) error {
		out = capability.Build(id.Fingerprint.String(), cfg.Server.Port)
		return nil
	})
	return out, err
}

func urlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url",
		Short: "Print the capability URL to paste into a trusted client",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := currentURL(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := currentURL(cmd)
			if err != nil {
				return err
			}
			capab, err := capability.Parse(u)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", capab.Fingerprint)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a server is running and whether it is locked",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, running, err := askInstance(lifecycle.Handoff{Command: commandStatus})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !running {
				fmt.Fprintln(out, "Not running.")
				return nil
			}
			state := "unlocked"
			switch {
			case !reply.HasPassword:
				state = "no password"
			case reply.Locked:
				state = "locked"
			}
			fmt.Fprintf(out, "Running: %s\nIdentity: %s\n", reply.URL, state)
			return nil
		},
	}
}
