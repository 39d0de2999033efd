package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/config"
	"github.com/sells-group/research-engine/internal/engine"
	"github.com/sells-group/research-engine/internal/strategy"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "research-engine",
	Short: "Entity research orchestration and synthesis engine",
	Long:  "Plans and executes pluggable collection strategies against external sources, reconciles their outputs into canonical entity records with provenance and confidence scoring.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// initEngine builds the engine with strategies from the configured fixture
// file, or an empty registry when none is configured.
func initEngine(cmd *cobra.Command) (*engine.Engine, error) {
	reg := strategy.NewRegistry()
	if cfg.Strategies.FixturePath != "" {
		strategies, err := strategy.LoadFixtures(cfg.Strategies.FixturePath)
		if err != nil {
			return nil, err
		}
		for _, s := range strategies {
			reg.Register(s)
		}
		zap.L().Info("fixture strategies loaded",
			zap.String("path", cfg.Strategies.FixturePath),
			zap.Int("count", len(strategies)))
	}
	return engine.New(cmd.Context(), cfg, reg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
