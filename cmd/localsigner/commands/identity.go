package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegis-sign/localsigner/internal/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Back up, restore or regenerate the identity keypair",
	}
	cmd.AddCommand(identityResetCmd(), identityExportCmd(), identityImportCmd())
	return cmd
}

// unlockForCommand 在已设置口令时读取并输入口令。
func unlockForCommand(cmd *cobra.Command, store *identity.Store) error {
	if !store.HasPassword() {
		return nil
	}
	pw, err := readPassword(cmd.ErrOrStderr(), "Password: ")
	if err != nil {
		return err
	}
	return store.InputPassword(pw)
}

func identityResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Replace the keypair; previously issued capability URLs stop working",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset invalidates every capability URL; pass --yes to confirm")
			}
			return withIdentity(cmd.Context(), func(store *identity.Store, _ identity.Identity) error {
				if err := unlockForCommand(cmd, store); err != nil {
					return err
				}
				id, err := store.Reset(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "New fingerprint: %s\n", id.Fingerprint)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func identityExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an age-encrypted backup of the identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(store *identity.Store, _ identity.Identity) error {
				if err := unlockForCommand(cmd, store); err != nil {
					return err
				}
				passphrase, err := readPassword(cmd.ErrOrStderr(), "Backup passphrase: ")
				if err != nil {
					return err
				}
				f, err := os.OpenFile(out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
				if err != nil {
					return err
				}
				if err := store.Export(f, string(passphrase)); err != nil {
					_ = f.Close()
					_ = os.Remove(out)
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "localsigner-identity.age", "backup file")
	return cmd
}

func identityImportCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore the identity from an age-encrypted backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIdentity(cmd.Context(), func(store *identity.Store, _ identity.Identity) error {
				if err := unlockForCommand(cmd, store); err != nil {
					return err
				}
				passphrase, err := readPassword(cmd.ErrOrStderr(), "Backup passphrase: ")
				if err != nil {
					return err
				}
				f, err := os.Open(in)
				if err != nil {
					return err
				}
				defer f.Close()
				id, err := store.Import(f, string(passphrase))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored fingerprint: %s\n", id.Fingerprint)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "localsigner-identity.age", "backup file")
	return cmd
}
