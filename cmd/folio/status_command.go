package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"folio/internal/librarydb"
	"folio/internal/services/ffmpeg"
	"folio/internal/session"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, cache, and tool state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			rows := [][]string{
				{"Config", ctx.cfgPath},
				{"Library dir", cfg.Paths.LibraryDir},
			}

			sessions, err := ctx.sessionManager()
			if err != nil {
				return err
			}
			record, err := sessions.Snapshot()
			switch {
			case errors.Is(err, session.ErrMissing):
				rows = append(rows, []string{"Session", "not logged in"})
			case err != nil:
				return err
			default:
				expiry := time.Unix(record.ExpiresAt, 0)
				state := "valid until " + expiry.Format(time.RFC3339)
				if record.Expired(time.Now()) {
					state = "expired (will refresh on next use)"
				}
				rows = append(rows,
					[]string{"Session", "locale " + record.LocaleCode},
					[]string{"Access token", state},
				)
				activation := "not fetched"
				if record.ActivationBytes != "" {
					activation = "cached"
				}
				rows = append(rows, []string{"Activation secret", activation})
			}

			if store, err := librarydb.Open(cfg.LibraryDBPath()); err == nil {
				if count, err := store.Count(cmd.Context()); err == nil {
					rows = append(rows, []string{"Library cache", fmt.Sprintf("%d items", count)})
				}
				store.Close()
			}

			resolver := ffmpeg.NewResolver(cfg.Merge.FFmpegPath, cfg.ToolDir(), false)
			if tool, err := resolver.Ensure(cmd.Context(), nil); err == nil {
				rows = append(rows, []string{"ffmpeg", tool.FFmpeg})
			} else {
				rows = append(rows, []string{"ffmpeg", "not found (downloaded on first merge)"})
			}

			fmt.Fprintln(out, renderTable(
				[]string{"Item", "State"},
				rows,
				[]columnAlignment{alignLeft, alignLeft},
			))
			return nil
		},
	}
}
