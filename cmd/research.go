package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
)

var (
	researchType       string
	researchStrategies []string
)

var researchCmd = &cobra.Command{
	Use:   "research <entity name>",
	Short: "Run a research job for a single entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := initEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		typ := model.TargetType(researchType)
		if typ != model.TargetTypeCompany && typ != model.TargetTypeInvestor {
			return eris.Errorf("unknown target type %q", researchType)
		}

		job, err := eng.StartJob(cmd.Context(), args[0], typ, researchStrategies)
		if err != nil {
			return eris.Wrap(err, "run job")
		}

		zap.L().Info("research complete",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("strategies_tried", job.Summary.StrategiesTried),
			zap.Int("entities_found", job.Summary.EntitiesFound),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchType, "type", "company", "target type: company or investor")
	researchCmd.Flags().StringSliceVar(&researchStrategies, "strategies", nil, "override the planner with an explicit strategy order")
	rootCmd.AddCommand(researchCmd)
}
