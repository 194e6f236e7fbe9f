package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rankwatch/rematch-tracker/internal/players"
	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

type playersOutput struct {
	Targets    []tracker.Target        `json:"targets"`
	Snapshots  []tracker.StatsSnapshot `json:"snapshots"`
	MostActive *tracker.StatsSnapshot  `json:"most_active,omitempty"`
}

func newPlayersCmd() *cobra.Command {
	var leaderboard bool
	cmd := &cobra.Command{
		Use:   "players",
		Short: "Prints the persisted player store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			store := players.Load(cmd.Context(), players.Config{
				Path:             rt.cfg.Store.Path,
				ProfileURLPrefix: rt.cfg.Scraper.ProfileURLPrefix,
			}, players.Deps{Logger: rt.logger.Named("players")})

			out := playersOutput{Targets: store.Targets(), Snapshots: store.GetAll()}
			if leaderboard {
				out.Snapshots = store.Leaderboard()
			}
			if snap, ok := store.MostActive(); ok {
				out.MostActive = &snap
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write players: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&leaderboard, "leaderboard", false, "order snapshots best rank first")
	return cmd
}
