package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create and restore encrypted backups",
	}
	cmd.AddCommand(newBackupCreateCmd())
	cmd.AddCommand(newBackupRestoreCmd())
	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <path>",
		Short: "Create a compressed, checksummed, encrypted backup of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			outPath, err := svcs.files.CreateEncryptedBackup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outPath)
			return nil
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "restore <container>",
		Short: "Restore a file from an encrypted backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			result, err := svcs.files.RestoreFromEncryptedBackup(cmd.Context(), args[0], output)
			if err != nil {
				return err
			}
			if result.ChecksumMismatch {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: restored data does not match the recorded checksum")
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: container path without .backup.enc)")
	return cmd
}
