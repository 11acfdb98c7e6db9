package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"folio/internal/audible"
	"folio/internal/codec"
	"folio/internal/config"
	"folio/internal/download"
	"folio/internal/merge"
	"folio/internal/progress"
	"folio/internal/services/ffmpeg"
)

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var codecName string
	var keepIntermediate bool
	var skipMerge bool

	cmd := &cobra.Command{
		Use:   "download ASIN",
		Short: "Download, decrypt, and assemble one audiobook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if _, err := ctx.requireSession(); err != nil {
				return err
			}
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}

			asin := strings.TrimSpace(args[0])
			item, err := client.Details(cmd.Context(), asin)
			if err != nil {
				return err
			}

			if codecName == "" {
				codecName = cfg.API.Codec
			}

			registry := progress.NewRegistry()
			watchCtx, stopWatch := context.WithCancel(cmd.Context())
			defer stopWatch()
			go watchProgress(watchCtx, registry, item.ASIN, cmd.OutOrStdout())

			pipeline := &downloadPipeline{
				ctx:      ctx,
				cfg:      cfg,
				client:   client,
				registry: registry,
			}
			outputPath, err := pipeline.run(cmd, item, codecName, keepIntermediate, skipMerge)
			stopWatch()
			if err != nil {
				if download.IsRetryable(err) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Delivery failure looks transient; rerun the command to retry.")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Done: %s\n", outputPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&codecName, "codec", "", "Audio codec to request (defaults to the configured one)")
	cmd.Flags().BoolVar(&keepIntermediate, "keep", false, "Keep the encrypted and per-segment files")
	cmd.Flags().BoolVar(&skipMerge, "no-merge", false, "Stop after decryption, leaving one file per segment")
	return cmd
}

type downloadPipeline struct {
	ctx      *commandContext
	cfg      *config.Config
	client   *audible.Client
	registry *progress.Registry
}

func (p *downloadPipeline) run(cmd *cobra.Command, item *audible.Item, codecName string, keepIntermediate, skipMerge bool) (string, error) {
	runCtx := cmd.Context()
	key := item.ASIN

	secret, err := p.client.ActivationBytes(runCtx, false)
	if err != nil {
		return "", fmt.Errorf("activation secret: %w", err)
	}

	tool, err := p.resolveTool(runCtx, key)
	if err != nil {
		p.fail(key, err)
		return "", err
	}
	ff := ffmpeg.NewClient(tool.FFmpeg, tool.FFprobe, ffmpeg.WithLogger(p.ctx.log()))

	bookDir := p.bookDir(item)
	encrypted, err := p.fetchSegments(runCtx, item, codecName, bookDir)
	if err != nil {
		return "", err
	}

	decrypted, err := p.decryptSegments(runCtx, key, ff, secret, encrypted)
	if err != nil {
		p.fail(key, err)
		return "", err
	}
	if !keepIntermediate {
		removeAll(encrypted)
	}
	if skipMerge {
		p.registry.Update(key, progress.Delta{Phase: progress.PhaseCompleted, Fraction: progress.Fraction(1)})
		return bookDir, nil
	}

	meta := bookMetadata(item)
	outputPath := filepath.Join(bookDir, audible.SafeFileName(item.Title)+".m4b")
	orchestrator := merge.New(ff, ff, p.registry, merge.WithLogger(p.ctx.log()))
	result, err := orchestrator.Merge(runCtx, key, decrypted, meta, outputPath)
	if err != nil {
		return "", err
	}
	if !keepIntermediate {
		removeAll(decrypted)
	}
	return result.OutputPath, nil
}

func (p *downloadPipeline) resolveTool(runCtx context.Context, key string) (*ffmpeg.Tool, error) {
	resolver := ffmpeg.NewResolver(
		p.cfg.Merge.FFmpegPath,
		p.cfg.ToolDir(),
		p.cfg.Merge.AllowToolDownload,
		ffmpeg.WithResolverLogger(p.ctx.log()),
	)
	onProgress := func(frac float64) {
		p.registry.Update(key, progress.Delta{
			Phase:    progress.PhaseDownloadingTool,
			Fraction: progress.Fraction(frac),
		})
	}
	return resolver.Ensure(runCtx, onProgress)
}

func (p *downloadPipeline) fetchSegments(runCtx context.Context, item *audible.Item, codecName, bookDir string) ([]string, error) {
	timeout := time.Duration(p.cfg.Download.TimeoutSeconds) * time.Second
	downloader := download.New(p.client, p.registry,
		download.WithLogger(p.ctx.log()),
		download.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	return downloader.Item(runCtx, item, codecName, bookDir)
}

func (p *downloadPipeline) decryptSegments(runCtx context.Context, key string, dec codec.Decryptor, secret string, encrypted []string) ([]string, error) {
	total := float64(len(encrypted))
	decrypted := make([]string, 0, len(encrypted))
	for i, src := range encrypted {
		dst := strings.TrimSuffix(src, ".aax") + ".m4a"
		base := float64(i) / total
		onProgress := func(frac float64) {
			p.registry.Update(key, progress.Delta{
				Phase:    progress.PhaseDecrypting,
				Fraction: progress.Fraction(base + frac/total),
				Message:  progress.Message(filepath.Base(dst)),
			})
		}
		p.registry.Update(key, progress.Delta{Phase: progress.PhaseDecrypting, Fraction: progress.Fraction(base)})
		if err := dec.Decrypt(runCtx, src, dst, secret, onProgress); err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", filepath.Base(src), err)
		}
		decrypted = append(decrypted, dst)
	}
	return decrypted, nil
}

func (p *downloadPipeline) bookDir(item *audible.Item) string {
	author := "Unknown Author"
	if names := item.AuthorNames(); len(names) > 0 {
		author = names[0]
	}
	return filepath.Join(
		p.cfg.Paths.LibraryDir,
		audible.SafeFileName(author),
		audible.SafeFileName(item.Title),
	)
}

func (p *downloadPipeline) fail(key string, err error) {
	p.registry.Update(key, progress.Delta{
		Phase:   progress.PhaseFailed,
		Message: progress.Message(err.Error()),
	})
}

func bookMetadata(item *audible.Item) codec.Metadata {
	return codec.Metadata{
		Title:     item.FullTitle(),
		Artist:    strings.Join(item.AuthorNames(), ", "),
		Album:     item.Title,
		Date:      item.ReleaseDate,
		Narrator:  strings.Join(item.NarratorNames(), ", "),
		Publisher: item.PublisherName,
		Comment:   item.Summary,
		ASIN:      item.ASIN,
	}
}

func removeAll(paths []string) {
	for _, path := range paths {
		os.Remove(path)
	}
}
