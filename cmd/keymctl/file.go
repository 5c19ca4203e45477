package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

func newFileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Encrypt and decrypt files",
	}
	cmd.AddCommand(newFileEncryptCmd())
	cmd.AddCommand(newFileDecryptCmd())
	return cmd
}

func newFileEncryptCmd() *cobra.Command {
	var opts types.FileEncryptOptions

	cmd := &cobra.Command{
		Use:   "encrypt <path>",
		Short: "Encrypt a file into a self-describing container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			outPath, err := svcs.files.EncryptFile(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.KeyId, "key", "", "key family to encrypt under (default: shared file key)")
	cmd.Flags().BoolVar(&opts.Compress, "compress", false, "gzip the plaintext before encryption")
	cmd.Flags().BoolVar(&opts.DeleteOriginal, "delete-original", false, "remove the source file after encryption")
	return cmd
}

func newFileDecryptCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "decrypt <container>",
		Short: "Decrypt an encrypted container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svcs, err := buildServices(cmd.Context())
			if err != nil {
				return err
			}
			outPath, err := svcs.files.DecryptFile(cmd.Context(), args[0], output)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: container path without .enc)")
	return cmd
}
