package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/review"
	"github.com/sells-group/harvest-cli/pkg/notion"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manual review queue operations",
}

var reviewPushJob string

var reviewPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a job's failed units into the Notion review database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p := review.New(st, notion.NewClient(cfg.Notion.Token), cfg.Notion)
		report, err := p.Push(ctx, reviewPushJob)
		if err != nil {
			return err
		}

		zap.L().Info("review push complete",
			zap.String("job", reviewPushJob),
			zap.Int("created", report.Created),
			zap.Int("updated", report.Updated))
		return nil
	},
}

func init() {
	reviewPushCmd.Flags().StringVar(&reviewPushJob, "job", "", "job whose failed units to push (required)")
	_ = reviewPushCmd.MarkFlagRequired("job")

	reviewCmd.AddCommand(reviewPushCmd)
	rootCmd.AddCommand(reviewCmd)
}
