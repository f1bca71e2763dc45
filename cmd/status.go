package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job snapshot: stage, counts, rate, ETA, recent errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		for {
			snap, err := env.Orch.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if err := enc.Encode(snap); err != nil {
				return err
			}
			if !statusWatch || snap.Status.Terminal() {
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "refresh until the job reaches a terminal state")
	rootCmd.AddCommand(statusCmd)
}
