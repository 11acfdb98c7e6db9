package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newActivationCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "activation",
		Short: "Print the device activation secret",
		Long: `Activation prints the 8-hex-digit device secret used to decrypt the
proprietary audio container. The secret is fetched once and cached on the
session; --force refetches it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.requireSession(); err != nil {
				return err
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			secret, err := client.ActivationBytes(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Refetch the secret even if one is cached")
	return cmd
}
