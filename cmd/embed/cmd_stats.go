package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show vector store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()

			st, err := newStore(cmd.Context(), log)
			if err != nil {
				return fmt.Errorf("stats: connecting to store: %w", err)
			}
			defer st.Close()

			stats, err := st.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}
