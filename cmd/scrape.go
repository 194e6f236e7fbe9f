package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape <profile-url>",
		Short: "Scrapes one profile and prints the snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runScrape,
	}
}

func runScrape(cmd *cobra.Command, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	url := args[0]
	if err := tracker.ValidateProfileURL(url, rt.cfg.Scraper.ProfileURLPrefix); err != nil {
		return err
	}

	snap, err := buildScraper(rt.cfg, rt.logger).ScrapeOne(cmd.Context(), url)
	if err != nil {
		return fmt.Errorf("scrape %s: %w", url, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
