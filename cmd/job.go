package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	jobShowReasoning bool
	jobShowAttempts  bool
)

var jobCmd = &cobra.Command{
	Use:   "job <job id>",
	Short: "Inspect a research job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := initEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		job, err := eng.GetJob(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrapf(err, "get job %s", args[0])
		}

		if jobShowReasoning {
			for _, entry := range job.Reasoning {
				fmt.Printf("%s  %-16s %s", entry.At.Format("15:04:05.000"), entry.Kind, entry.Detail)
				if entry.Outcome != "" {
					fmt.Printf("  -> %s", entry.Outcome)
				}
				fmt.Println()
			}
			return nil
		}

		if jobShowAttempts {
			attempts, err := eng.GetAttempts(cmd.Context(), args[0])
			if err != nil {
				return eris.Wrap(err, "get attempts")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(attempts)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	jobCmd.Flags().BoolVar(&jobShowReasoning, "reasoning", false, "print the decision log instead of the job record")
	jobCmd.Flags().BoolVar(&jobShowAttempts, "attempts", false, "print the strategy attempt history")
	rootCmd.AddCommand(jobCmd)
}
