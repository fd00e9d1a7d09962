package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/purchase"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

var (
	purchaseName  string
	purchasePrice int64
	purchaseURL   string
)

func init() {
	purchaseCmd.Flags().StringVar(&purchaseName, "name", "", "product name")
	purchaseCmd.Flags().Int64Var(&purchasePrice, "price", 0, "product price, checked against max_price")
	purchaseCmd.Flags().StringVar(&purchaseURL, "url", "", "product page URL")
	purchaseCmd.MarkFlagRequired("url")

	purchaseCmd.AddCommand(purchaseHistoryCmd)
	rootCmd.AddCommand(purchaseCmd)
}

var purchaseCmd = &cobra.Command{
	Use:   "purchase --url <product url> [--name name] [--price price]",
	Short: "Runs one auto-purchase attempt for a product page.",
	RunE: func(cmd *cobra.Command, args []string) error {
		product := models.ProductRecord{
			Name:        purchaseName,
			Price:       purchasePrice,
			Currency:    cfg.Monitoring.DefaultCurrency,
			ProductURL:  purchaseURL,
			ExtractedAt: time.Now(),
		}

		result, err := newPurchaser(cfg, log).Attempt(cmd.Context(), product)
		if errors.Is(err, purchase.ErrDisabled) {
			return fmt.Errorf("%w: set purchase.enabled in the config", err)
		}
		if result != nil {
			printPurchases([]models.PurchaseResult{*result})
		}
		return err
	},
}

var purchaseHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Prints every recorded purchase attempt.",
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := storage.NewPurchaseHistory(cfg.Storage.PurchaseHistoryFile).All()
		if err != nil {
			return err
		}
		printPurchases(history)
		return nil
	},
}

func printPurchases(results []models.PurchaseResult) {
	t := newTable()
	t.AppendHeader(table.Row{"Started", "Product", "Success", "Step", "Error", "Screenshots"})
	for _, r := range results {
		t.AppendRow(table.Row{
			formatTime(r.StartTime),
			r.Product.String(),
			r.Success,
			r.Step,
			r.Error,
			len(r.Screenshots),
		})
	}
	t.Render()
}
