package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maltedev/catalog-monitor/internal/catalog"
	"github.com/maltedev/catalog-monitor/internal/notify"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

var watchlistCheck bool

func init() {
	watchlistCmd.Flags().BoolVar(&watchlistCheck, "check", false, "match the rules against the latest saved report")
	rootCmd.AddCommand(watchlistCmd)
}

var watchlistCmd = &cobra.Command{
	Use:   "watchlist [--check]",
	Short: "Lists the configured watchlist rules.",
	RunE: func(cmd *cobra.Command, args []string) error {
		watchlist, err := catalog.NewWatchlist(cfg.Watchlist.Products)
		if err != nil {
			return err
		}

		currency := cfg.Monitoring.DefaultCurrency
		t := newTable()
		t.SetTitle("Watchlist")
		t.AppendHeader(table.Row{"Name contains", "Min", "Max"})
		for _, rule := range watchlist.Rules() {
			t.AppendRow(table.Row{
				rule.NameContains,
				notify.FormatPrice(currency, rule.MinPrice),
				notify.FormatPrice(currency, rule.MaxPrice),
			})
		}
		t.Render()

		if !watchlistCheck {
			return nil
		}

		report, err := storage.NewReportStore(cfg.Storage.ResultDir).Latest()
		if err != nil {
			return fmt.Errorf("latest report: %w", err)
		}
		matches := watchlist.MatchAll(report.AllProducts)

		m := newTable()
		m.SetTitle(fmt.Sprintf("Matches in report %s", formatTime(report.ScanTime)))
		m.AppendHeader(table.Row{"Product", "Price", "Reason"})
		for _, match := range matches {
			m.AppendRow(table.Row{
				match.Product.Name,
				notify.FormatPrice(match.Product.Currency, match.Product.Price),
				match.Reason,
			})
		}
		m.AppendFooter(table.Row{"", "", fmt.Sprintf("%d of %d products", len(matches), len(report.AllProducts))})
		m.Render()
		return nil
	},
}
