package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"folio/internal/codec"
	"folio/internal/merge"
	"folio/internal/progress"
	"folio/internal/services/ffmpeg"
)

func newMergeCommand(ctx *commandContext) *cobra.Command {
	var outPath string
	var title string
	var author string

	cmd := &cobra.Command{
		Use:   "merge DIR",
		Short: "Assemble already-decrypted segments into one audiobook",
		Long: `Merge joins the decrypted segment files in DIR into a single m4b with a
continuous chapter table. Segments are found by the "Part N" token in
their filenames and joined in numeric order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			dir := args[0]
			inputs, err := merge.DiscoverParts(dir)
			if err != nil {
				return err
			}
			if title == "" {
				title = filepath.Base(dir)
			}
			if outPath == "" {
				outPath = filepath.Join(dir, title+".m4b")
			}

			resolver := ffmpeg.NewResolver(
				cfg.Merge.FFmpegPath,
				cfg.ToolDir(),
				cfg.Merge.AllowToolDownload,
				ffmpeg.WithResolverLogger(ctx.log()),
			)
			tool, err := resolver.Ensure(cmd.Context(), nil)
			if err != nil {
				return err
			}
			ff := ffmpeg.NewClient(tool.FFmpeg, tool.FFprobe, ffmpeg.WithLogger(ctx.log()))

			registry := progress.NewRegistry()
			key := filepath.Base(outPath)
			watchCtx, stopWatch := context.WithCancel(cmd.Context())
			defer stopWatch()
			go watchProgress(watchCtx, registry, key, cmd.OutOrStdout())

			orchestrator := merge.New(ff, ff, registry, merge.WithLogger(ctx.log()))
			result, err := orchestrator.Merge(cmd.Context(), key, inputs, codec.Metadata{
				Title:  title,
				Artist: author,
				Album:  title,
			}, outPath)
			stopWatch()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Done: %s (%d chapters)\n", result.OutputPath, len(result.Chapters))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (defaults to DIR/<title>.m4b)")
	cmd.Flags().StringVar(&title, "title", "", "Book title for the container tags")
	cmd.Flags().StringVar(&author, "author", "", "Author for the container tags")
	return cmd
}
