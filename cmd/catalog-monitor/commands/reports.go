package commands

import (
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maltedev/catalog-monitor/internal/storage"
)

var reportsLimit int

func init() {
	reportsCmd.Flags().IntVarP(&reportsLimit, "limit", "n", 10, "number of reports to show")
	rootCmd.AddCommand(reportsCmd)
}

var reportsCmd = &cobra.Command{
	Use:   "reports [-n limit]",
	Short: "Summarizes the most recent monitoring reports.",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := storage.NewReportStore(cfg.Storage.ResultDir).List()
		if err != nil {
			return err
		}
		if reportsLimit > 0 && len(paths) > reportsLimit {
			paths = paths[len(paths)-reportsLimit:]
		}

		t := newTable()
		t.SetTitle("Reports")
		t.AppendHeader(table.Row{"File", "Scan time", "Total", "New", "Matched"})
		for _, path := range paths {
			report, err := storage.ReadReport(path)
			if err != nil {
				log.Warn("skipping unreadable report", "path", path, "error", err)
				continue
			}
			t.AppendRow(table.Row{
				filepath.Base(path),
				formatTime(report.ScanTime),
				report.TotalProducts,
				report.NewProducts,
				report.MatchedProducts,
			})
		}
		t.Render()
		return nil
	},
}
