package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/nyx/internal/database"
	"github.com/jordanhubbard/nyx/internal/feedback"
	"github.com/jordanhubbard/nyx/pkg/models"
)

func newReplayCommand() *cobra.Command {
	var (
		configPath string
		save       bool
		diff       bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild confidence weights from the feedback log",
		Long: `replay folds every stored feedback record, oldest first, into a fresh
weight table using the configured step and bound. The result is printed as
JSON; --save replaces the stored table with it.`,
		Example: `  nyx replay
  nyx replay --diff
  nyx replay --config /etc/nyx/nyx.yaml --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			store, err := database.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
			}
			defer store.Close()

			records, err := store.ListFeedback(ctx, 0)
			if err != nil {
				return fmt.Errorf("failed to read feedback log: %w", err)
			}
			tuning := feedback.Tuning{Step: cfg.Arbiter.WeightStep, Bound: cfg.Arbiter.WeightBound}
			rebuilt := feedback.Replay(records, tuning)

			out := map[string]interface{}{
				"records": len(records),
				"weights": rebuilt,
				"step":    tuning.Step,
				"bound":   tuning.Bound,
			}
			if diff {
				stored, err := store.LoadWeights(ctx)
				if err != nil {
					return fmt.Errorf("failed to read stored weights: %w", err)
				}
				out["changes"] = weightChanges(stored, rebuilt)
			}
			if save {
				if err := store.SaveWeights(ctx, rebuilt); err != nil {
					return fmt.Errorf("failed to save weights: %w", err)
				}
				out["saved"] = true
			}

			data, err := json.Marshal(out)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML configuration file")
	cmd.Flags().BoolVar(&save, "save", false, "Replace the stored weight table with the rebuilt one")
	cmd.Flags().BoolVar(&diff, "diff", false, "Include the differences from the stored weight table")
	return cmd
}

// WeightChange is one entry whose stored and rebuilt adjustments differ.
type WeightChange struct {
	ModuleName string `json:"moduleName"`
	PatternKey string `json:"patternKey"`
	Stored     int    `json:"stored"`
	Rebuilt    int    `json:"rebuilt"`
}

func weightChanges(stored, rebuilt []models.ConfidenceWeight) []WeightChange {
	type key struct{ module, pattern string }
	merged := make(map[key]*WeightChange)
	entry := func(cw models.ConfidenceWeight) *WeightChange {
		k := key{cw.ModuleName, cw.PatternKey}
		c, ok := merged[k]
		if !ok {
			c = &WeightChange{ModuleName: cw.ModuleName, PatternKey: cw.PatternKey}
			merged[k] = c
		}
		return c
	}
	for _, cw := range stored {
		entry(cw).Stored = cw.Adjustment
	}
	for _, cw := range rebuilt {
		entry(cw).Rebuilt = cw.Adjustment
	}

	changes := make([]WeightChange, 0)
	for _, c := range merged {
		if c.Stored != c.Rebuilt {
			changes = append(changes, *c)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].ModuleName != changes[j].ModuleName {
			return changes[i].ModuleName < changes[j].ModuleName
		}
		return changes[i].PatternKey < changes[j].PatternKey
	})
	return changes
}
