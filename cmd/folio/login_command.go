package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"folio/internal/register"
)

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var locale string
	var withUsername bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Register this machine as a playback device",
		Long: `Login opens a browser-assisted sign-in flow. Complete the login in your
browser; the final page will fail to load, which is expected. Paste its
full URL back here to finish registration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
				return err
			}
			sessions, err := ctx.sessionManager()
			if err != nil {
				return err
			}

			req, err := register.NewRequest(strings.ToLower(locale), withUsername)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this URL in your browser and sign in:")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  "+req.SignInURL())
			fmt.Fprintln(out)
			fmt.Fprint(out, "Paste the URL of the page you land on: ")

			reader := bufio.NewReader(cmd.InOrStdin())
			redirect, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read redirect url: %w", err)
			}
			code, err := register.CodeFromRedirect(redirect)
			if err != nil {
				return err
			}

			exchanger := register.NewExchanger()
			record, err := exchanger.Exchange(cmd.Context(), req, code)
			if err != nil {
				return err
			}
			if err := sessions.Replace(record); err != nil {
				return err
			}

			ctx.log().Info("device registered", "locale", record.LocaleCode)
			fmt.Fprintf(out, "Logged in (locale %s).\n", record.LocaleCode)
			return nil
		},
	}

	cmd.Flags().StringVar(&locale, "locale", "us", "Marketplace country code (us, uk, de, ...)")
	cmd.Flags().BoolVar(&withUsername, "username", false, "Sign in with an Audible username instead of an Amazon account")
	return cmd
}

func newLogoutCommand(ctx *commandContext) *cobra.Command {
	var deregister bool
	var all bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the local session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := ctx.requireSession()
			if err != nil {
				return err
			}
			if deregister || all {
				client, err := ctx.apiClient()
				if err != nil {
					return err
				}
				if err := client.Deregister(cmd.Context(), all); err != nil {
					return fmt.Errorf("deregister device: %w", err)
				}
			}
			if err := sessions.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&deregister, "deregister", false, "Also deregister this device server side")
	cmd.Flags().BoolVar(&all, "all", false, "Deregister every device on the account")
	return cmd
}
