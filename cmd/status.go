package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the row counts of the crawl store",
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			counts, err := appInstance.Store().Counts(ctx)
			if err != nil {
				return fmt.Errorf("read store counts: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(counts); err != nil {
					return fmt.Errorf("encode counts: %w", err)
				}
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "artists\t%d\n", counts.Artists)
			fmt.Fprintf(w, "releases\t%d\n", counts.Releases)
			fmt.Fprintf(w, "release metadata\t%d\n", counts.ReleaseMetadata)
			fmt.Fprintf(w, "users\t%d\n", counts.Users)
			fmt.Fprintf(w, "supports\t%d\n", counts.Supports)
			fmt.Fprintf(w, "crawl log\t%d\n", counts.LogTotal)
			fmt.Fprintf(w, "pending\t%d\n", counts.LogPending)
			if err := w.Flush(); err != nil {
				return fmt.Errorf("write counts: %w", err)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print counts as JSON")
	return cmd
}
