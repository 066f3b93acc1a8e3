package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegis-sign/localsigner/internal/identity"
	"github.com/aegis-sign/localsigner/internal/lifecycle"
)

func passwordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage the password protecting the identity",
	}
	cmd.AddCommand(passwordSetCmd(), passwordCheckCmd(), passwordUnlockCmd())
	return cmd
}

func passwordSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Set or change the identity password",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, running, err := askInstance(lifecycle.Handoff{Command: commandStatus})
			if err != nil {
				return err
			}
			if running {
				old, next, err := readPasswordChange(cmd, status.HasPassword)
				if err != nil {
					return err
				}
				defer clear(old)
				defer clear(next)
				if _, _, err := askInstance(lifecycle.Handoff{Command: commandSetPassword, Secret: old, NewSecret: next}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password updated.")
				return nil
			}
			return withIdentity(cmd.Context(), func(store *identity.Store, _ identity.Identity) error {
				old, next, err := readPasswordChange(cmd, store.HasPassword())
				if err != nil {
					return err
				}
				defer clear(old)
				defer clear(next)
				if err := store.SetPassword(old, next); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password updated.")
				return nil
			})
		},
	}
}

func readPasswordChange(cmd *cobra.Command, hasPassword bool) (old, next []byte, err error) {
	out := cmd.ErrOrStderr()
	if hasPassword {
		if old, err = readPassword(out, "Current password: "); err != nil {
			return nil, nil, err
		}
	}
	if next, err = readNewPassword(out); err != nil {
		clear(old)
		return nil, nil, err
	}
	return old, next, nil
}

func passwordCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check a password without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, running, err := askInstance(lifecycle.Handoff{Command: commandStatus})
			if err != nil {
				return err
			}
			if running {
				if !status.HasPassword {
					fmt.Fprintln(cmd.OutOrStdout(), "No password set.")
					return nil
				}
				pw, err := readPassword(cmd.ErrOrStderr(), "Password: ")
				if err != nil {
					return err
				}
				defer clear(pw)
				if _, _, err := askInstance(lifecycle.Handoff{Command: commandCheck, Secret: pw}); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password OK.")
				return nil
			}
			return withIdentity(cmd.Context(), func(store *identity.Store, _ identity.Identity) error {
				if !store.HasPassword() {
					fmt.Fprintln(cmd.OutOrStdout(), "No password set.")
					return nil
				}
				pw, err := readPassword(cmd.ErrOrStderr(), "Password: ")
				if err != nil {
					return err
				}
				defer clear(pw)
				ok, err := store.TryPassword(pw)
				if err != nil {
					return err
				}
				if !ok {
					return identity.ErrWrongPassword
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Password OK.")
				return nil
			})
		},
	}
}

var errNotRunning = errors.New("localsigner is not running; start it with `localsigner serve`")

func passwordUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the identity held by the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, running, err := askInstance(lifecycle.Handoff{Command: commandStatus})
			if err != nil {
				return err
			}
			if !running {
				return errNotRunning
			}
			if !status.Locked {
				fmt.Fprintln(cmd.OutOrStdout(), "Already unlocked.")
				return nil
			}
			pw, err := readPassword(cmd.ErrOrStderr(), "Password: ")
			if err != nil {
				return err
			}
			defer clear(pw)
			if _, _, err := askInstance(lifecycle.Handoff{Command: commandUnlock, Secret: pw}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Unlocked.")
			return nil
		},
	}
}
