package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/embedkit/internal/ingest"
)

func ingestCmd() *cobra.Command {
	var (
		input      string
		batchSize  int
		textColumn string
		noIndex    bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Embed a csv, parquet or jsonl dataset into the vector store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()
			ctx := cmd.Context()

			svc := newService(ctx, log)
			defer svc.Close()
			if !svc.Ready() {
				return fmt.Errorf("ingest: model %s is not loaded", cfg.Model.ModelName)
			}

			st, err := newStore(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: connecting to store: %w", err)
			}
			defer st.Close()

			ingestConfig := cfg.Ingest
			if cmd.Flags().Changed("batch-size") {
				ingestConfig.BatchSize = batchSize
			}
			if cmd.Flags().Changed("text-column") {
				ingestConfig.TextColumn = textColumn
			}
			if noIndex {
				ingestConfig.CreateIndex = false
			}

			pipeline := ingest.NewPipeline(svc, st, &ingestConfig, log.WithComponent("ingest").Logger)
			result, err := pipeline.ProcessFile(ctx, input)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			log.Info("Ingest finished",
				zap.Int64("records", result.TotalRecords),
				zap.Int64("inserted", result.Inserted),
				zap.Int64("failed", result.ProcessedFailed),
			)
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "dataset file (.csv, .parquet, .jsonl)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 256, "records embedded per batch")
	cmd.Flags().StringVar(&textColumn, "text-column", "text", "column holding the text")
	cmd.Flags().BoolVar(&noIndex, "no-index", false, "skip vector index creation")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
