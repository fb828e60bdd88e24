package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raaihank/embedkit/internal/vector"
)

func searchCmd() *cobra.Command {
	var (
		limit         int
		minSimilarity float32
		anyModel      bool
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Find stored texts most similar to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()
			ctx := cmd.Context()

			svc := newService(ctx, log)
			defer svc.Close()

			vectors, err := svc.Embed(ctx, args[:1])
			if err != nil {
				return fmt.Errorf("search: embedding query: %w", err)
			}

			st, err := newStore(ctx, log)
			if err != nil {
				return fmt.Errorf("search: connecting to store: %w", err)
			}
			defer st.Close()

			options := &vector.SearchOptions{Limit: limit, MinSimilarity: minSimilarity}
			if !anyModel {
				options.Model = svc.ModelName()
			}
			results, err := st.FindSimilar(ctx, vectors[0], options)
			if err != nil {
				return fmt.Errorf("search: querying store: %w", err)
			}

			// Vectors are noise in terminal output.
			for _, r := range results {
				r.Record.Embedding = nil
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "max results")
	cmd.Flags().Float32Var(&minSimilarity, "min-similarity", 0, "minimum cosine similarity")
	cmd.Flags().BoolVar(&anyModel, "all-models", false, "include vectors produced by other models")
	return cmd
}
