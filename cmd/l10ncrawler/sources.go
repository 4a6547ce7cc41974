package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

func (c *cli) newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tLANGUAGE\tCADENCE\tBATCH\tCAPABILITIES")
			for _, e := range c.app.Catalog.Entries() {
				cadence := "manual"
				if e.Cadence > 0 {
					cadence = e.Cadence.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.Key, e.Language, cadence, e.Budget.BatchSize, capabilityList(e.Source.Capabilities()))
			}
			return tw.Flush()
		},
	}
}

func capabilityList(c crawler.Capabilities) string {
	var caps []string
	if c.HasChangeFeed {
		caps = append(caps, "change_feed")
	}
	if c.HasNearestRedirect {
		caps = append(caps, "nearest_redirect")
	}
	if c.HasSingleListing {
		caps = append(caps, "single_listing")
	}
	if len(caps) == 0 {
		return "-"
	}
	return strings.Join(caps, ",")
}

func (c *cli) newProgressCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Print the stored progress of a source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := c.app.Catalog.Get(source); err != nil {
				return err
			}
			p, ok, err := c.app.Progress.Get(cmd.Context(), source)
			if err != nil {
				return fmt.Errorf("load progress: %w", err)
			}
			if !ok {
				p = crawler.NewProgress(source)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "catalog key of the source")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}
