package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/moniteurlabs/moniteur/pkg/app"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/report"
)

var (
	reportUser   string
	reportDate   string
	reportExport string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate one daily report and print it",
	Long: `Generate the daily report for a single user outside the scheduler.
Useful for backfilling a failed day or inspecting output locally.

Example:
  moniteur report --mock --user demo --date 2026-08-24`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		ctx := cmd.Context()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		user, err := a.Store.GetUser(ctx, reportUser)
		if err != nil {
			return fmt.Errorf("load user %q: %w", reportUser, err)
		}
		date := reportDate
		if date == "" {
			date = ln.ReportDate(time.Now())
		}

		rep, err := a.Generator.Generate(ctx, *user, date)
		if err != nil {
			return err
		}
		if reportExport != "" {
			exp := report.Exporter{Dir: reportExport}
			path, err := exp.Export(ctx, rep)
			if err != nil {
				return err
			}
			log.Info("report exported", "path", path)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportUser, "user", "demo", "User id to report on")
	reportCmd.Flags().StringVar(&reportDate, "date", "", "Report date (YYYY-MM-DD, default today UTC)")
	reportCmd.Flags().StringVar(&reportExport, "export", "", "Also write the report JSON to this directory")
}
