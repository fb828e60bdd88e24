package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raaihank/embedkit/internal/cache"
	"github.com/raaihank/embedkit/internal/logger"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the Redis embedding cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache hit rate, key count and memory usage",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				log := newLogger()
				defer log.Sync()

				c, err := newCache(log)
				if err != nil {
					return fmt.Errorf("cache stats: %w", err)
				}
				defer c.Close()

				stats, err := c.GetStats(cmd.Context())
				if err != nil {
					return fmt.Errorf("cache stats: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), stats)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every cached embedding under the key prefix",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				log := newLogger()
				defer log.Sync()

				c, err := newCache(log)
				if err != nil {
					return fmt.Errorf("cache clear: %w", err)
				}
				defer c.Close()

				deleted, err := c.Clear(cmd.Context())
				if err != nil {
					return fmt.Errorf("cache clear: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"deleted_keys": deleted})
			},
		},
	)
	return cmd
}

// newCache connects even when the cache is disabled for generation.
func newCache(log *logger.Logger) (*cache.EmbeddingCache, error) {
	return cache.NewEmbeddingCache(&cfg.Cache, log.WithComponent("cache").Logger)
}
