package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <process-id>",
	Short: "Print the stored state of a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.engine.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if res.Version == 0 {
				return fmt.Errorf("process %q does not exist", args[0])
			}

			data, err := json.MarshalIndent(struct {
				ProcessID string `json:"processId"`
				Version   int64  `json:"version"`
				State     any    `json:"state"`
			}{res.ProcessID, res.Version, res.State}, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal state: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
