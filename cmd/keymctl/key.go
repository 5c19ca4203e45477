package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage encryption keys",
	}
	cmd.AddCommand(newKeyGenerateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyStatusCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	return cmd
}

func newKeyGenerateCmd() *cobra.Command {
	var expirationDays int

	cmd := &cobra.Command{
		Use:   "generate <key-id>",
		Short: "Generate a new encryption key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			key, err := svcs.keys.GenerateKey(cmd.Context(), args[0], types.AlgorithmAES256GCM, expirationDays)
			if err != nil {
				return err
			}
			return printJSON(key.Metadata())
		},
	}
	cmd.Flags().IntVar(&expirationDays, "expires-in", 0, "days until the key expires (0 for no expiry)")
	return cmd
}

func newKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalogued keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			metas, err := svcs.keys.ListKeys(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(metas)
		},
	}
}

func newKeyRotateCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Rotate a key immediately, re-encrypting dependent data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			result, err := svcs.scheduler.RotateKey(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the rotation")
	return cmd
}

func newKeyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <key-id>",
		Short: "Show rotation status for a key family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			status, err := svcs.scheduler.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Immediately revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			if err := svcs.keys.RevokeKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
