package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/plan"
)

var (
	startPlanPath string
	startName     string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a job from a plan and run it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, err := plan.Load(startPlanPath)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobID, err := env.Orch.StartJob(ctx, p, startName)
		if err != nil {
			return err
		}
		fmt.Println(jobID)
		zap.L().Info("job created", zap.String("job", jobID), zap.Int("segments", len(p.Segments)))

		return env.Orch.Run(ctx, jobID)
	},
}

func init() {
	startCmd.Flags().StringVar(&startPlanPath, "plan", "", "plan file (required)")
	startCmd.Flags().StringVar(&startName, "name", "", "job name")
	_ = startCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(startCmd)
}
