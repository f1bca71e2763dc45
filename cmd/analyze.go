package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/harvest-cli/internal/analysis"
	"github.com/sells-group/harvest-cli/pkg/anthropic"
)

var analyzeOrg string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Summarize a company's stored financial series with Claude",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s := analysis.New(st, anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic)
		summary, err := s.Summarize(ctx, analyzeOrg)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeOrg, "org", "", "org number (required)")
	_ = analyzeCmd.MarkFlagRequired("org")
	rootCmd.AddCommand(analyzeCmd)
}
