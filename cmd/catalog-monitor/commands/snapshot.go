package commands

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/maltedev/catalog-monitor/internal/storage"
)

func init() {
	snapshotCmd.AddCommand(snapshotShowCmd, snapshotResetCmd)
	rootCmd.AddCommand(snapshotCmd)
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspects the persisted set of known products.",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Prints every product key in the last snapshot.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewSnapshotStore(cfg.Storage.LastProductsFile)
		snapshot, err := store.Load()
		if err != nil {
			return err
		}

		t := newTable()
		t.SetTitle(fmt.Sprintf("%s (%s)", store.Path(), formatTime(snapshot.Timestamp)))
		t.AppendHeader(table.Row{"#", "Key"})
		for i, key := range snapshot.Keys() {
			t.AppendRow(table.Row{i + 1, key})
		}
		t.AppendFooter(table.Row{"", fmt.Sprintf("%d products", len(snapshot.Products))})
		t.Render()
		return nil
	},
}

var snapshotResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Empties the snapshot so the next scan reports every product as new.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewSnapshotStore(cfg.Storage.LastProductsFile)
		if err := store.Save(storage.NewSnapshot(nil, time.Now())); err != nil {
			return err
		}
		log.Info("snapshot reset", "path", store.Path())
		return nil
	},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
