package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/harvest-cli/internal/export"
)

var (
	exportJob string
	exportOrg string
	exportOut string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write harvested financials to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if (exportJob == "") == (exportOrg == "") {
			return eris.New("exactly one of --job or --org is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		e := export.New(st)
		var report *export.Report
		if exportJob != "" {
			report, err = e.Job(ctx, exportJob, exportOut)
		} else {
			report, err = e.Company(ctx, exportOrg, exportOut)
		}
		if err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.String("path", report.Path),
			zap.Int("companies", report.Companies),
			zap.Int("rows", report.Rows))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportJob, "job", "", "export every company of this job's plan")
	exportCmd.Flags().StringVar(&exportOrg, "org", "", "export a single org number")
	exportCmd.Flags().StringVar(&exportOut, "out", "financials.xlsx", "output path")
	rootCmd.AddCommand(exportCmd)
}
