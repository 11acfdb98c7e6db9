package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"folio/internal/audible"
	"folio/internal/librarydb"
)

func newLibraryCommand(ctx *commandContext) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "library",
		Short: "List the account library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := librarydb.Open(cfg.LibraryDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			count, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			if refresh || count == 0 {
				if _, err := ctx.requireSession(); err != nil {
					return err
				}
				client, err := ctx.apiClient()
				if err != nil {
					return err
				}
				items, err := client.ListAll(cmd.Context(), cfg.API.PageSize)
				if err != nil {
					return err
				}
				if err := store.ReplaceAll(cmd.Context(), items); err != nil {
					return err
				}
				ctx.log().Info("library cache refreshed", "items", len(items))
			}

			items, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Library is empty.")
				return nil
			}

			sort.SliceStable(items, func(a, b int) bool { return items[a].SortKey() < items[b].SortKey() })
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{
					item.ASIN,
					item.FullTitle(),
					strings.Join(item.AuthorNames(), ", "),
					formatRuntime(item.RuntimeMinutes),
					formatSeries(item.Series),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ASIN", "Title", "Author", "Length", "Series"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch the library from the API instead of the local cache")
	return cmd
}

func formatRuntime(minutes int) string {
	if minutes <= 0 {
		return ""
	}
	return fmt.Sprintf("%dh %02dm", minutes/60, minutes%60)
}

func formatSeries(series []audible.Series) string {
	parts := make([]string, 0, len(series))
	for _, s := range series {
		label := s.Title
		if s.Sequence != "" {
			label = fmt.Sprintf("%s #%s", s.Title, s.Sequence)
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, "; ")
}
