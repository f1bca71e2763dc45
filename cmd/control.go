package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/model"
	"github.com/sells-group/harvest-cli/internal/orchestrator"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a running job at the next batch boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlJob(cmd, args[0], orchestrator.ActionPause)
	},
}

// resume clears the control flag and re-runs the job in this process.
var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused, stopped, or errored job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orch.Control(ctx, args[0], orchestrator.ActionResume); err != nil {
			return err
		}
		return env.Orch.Run(ctx, args[0])
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Stop a job; it stays resumable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlJob(cmd, args[0], orchestrator.ActionStop)
	},
}

var restartStage string

var restartStageCmd = &cobra.Command{
	Use:   "restart-stage <job-id>",
	Short: "Reset a stage's failed units and rewind the job to that stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orch.RestartStage(ctx, args[0], model.Stage(restartStage)); err != nil {
			return err
		}
		zap.L().Info("stage restarted", zap.String("job", args[0]), zap.String("stage", restartStage))
		return env.Orch.Run(ctx, args[0])
	},
}

func controlJob(cmd *cobra.Command, jobID string, action orchestrator.Action) error {
	ctx := cmd.Context()

	env, err := initEngine(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.Orch.Control(ctx, jobID, action); err != nil {
		return err
	}
	zap.L().Info("control applied", zap.String("job", jobID), zap.String("action", string(action)))
	return nil
}

func init() {
	restartStageCmd.Flags().StringVar(&restartStage, "stage", "", "stage to restart (segment, resolve, financial)")
	_ = restartStageCmd.MarkFlagRequired("stage")

	rootCmd.AddCommand(pauseCmd, resumeCmd, stopCmd, restartStageCmd)
}
