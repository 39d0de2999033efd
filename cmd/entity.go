package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var entityCmd = &cobra.Command{
	Use:   "entity <name>",
	Short: "Look up a merged entity by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := initEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		entity, err := eng.GetMergedEntity(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrapf(err, "get entity %q", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entity)
	},
}

func init() {
	rootCmd.AddCommand(entityCmd)
}
