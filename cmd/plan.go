package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Segment plan tooling",
}

var (
	planInitName      string
	planInitSources   []string
	planInitRegions   []string
	planInitMaxPages  int
	planInitYearFrom  int
	planInitYearTo    int
	planInitCharset   string
	planInitDelimiter string
	planInitOut       string
)

var planInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a segment plan from registry taxonomy files",
	Long:  "Downloads taxonomy sources (xlsx, csv, xml, json, or zip over http/ftp or local paths), extracts the industry codes, and crosses them with the requested regions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var delim rune
		if planInitDelimiter != "" {
			delim = []rune(planInitDelimiter)[0]
		}

		p, err := plan.Init(cmd.Context(), plan.InitOptions{
			Name:      planInitName,
			Sources:   planInitSources,
			Regions:   planInitRegions,
			MaxPages:  planInitMaxPages,
			YearFrom:  planInitYearFrom,
			YearTo:    planInitYearTo,
			Charset:   planInitCharset,
			Delimiter: delim,
		})
		if err != nil {
			return err
		}
		if err := p.Validate(cfg.Plan); err != nil {
			return eris.Wrap(err, "generated plan invalid")
		}
		if err := p.Save(planInitOut); err != nil {
			return err
		}

		zap.L().Info("plan written",
			zap.String("path", planInitOut),
			zap.Int("segments", len(p.Segments)))
		return nil
	},
}

func init() {
	planInitCmd.Flags().StringVar(&planInitName, "name", "", "plan name")
	planInitCmd.Flags().StringSliceVar(&planInitSources, "source", nil, "taxonomy source (repeatable; required)")
	planInitCmd.Flags().StringSliceVar(&planInitRegions, "region", nil, "region code (repeatable; required)")
	planInitCmd.Flags().IntVar(&planInitMaxPages, "max-pages", 100, "per-segment page cap")
	planInitCmd.Flags().IntVar(&planInitYearFrom, "year-from", 2020, "first fiscal year")
	planInitCmd.Flags().IntVar(&planInitYearTo, "year-to", 2024, "last fiscal year")
	planInitCmd.Flags().StringVar(&planInitCharset, "charset", "", "CSV source charset, e.g. iso-8859-1")
	planInitCmd.Flags().StringVar(&planInitDelimiter, "delimiter", "", "CSV delimiter (default comma)")
	planInitCmd.Flags().StringVar(&planInitOut, "out", "plan.yaml", "output path")
	_ = planInitCmd.MarkFlagRequired("source")
	_ = planInitCmd.MarkFlagRequired("region")

	planCmd.AddCommand(planInitCmd)
	rootCmd.AddCommand(planCmd)
}
