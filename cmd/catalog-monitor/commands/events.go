package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/maltedev/catalog-monitor/internal/events"
	"github.com/maltedev/catalog-monitor/internal/notify"
)

var (
	eventsGroup string
	eventsTypes []string
)

func init() {
	eventsCmd.Flags().StringVar(&eventsGroup, "group", "catalog-cli", "consumer group name")
	eventsCmd.Flags().StringSliceVar(&eventsTypes, "type", nil, "only show these event types")
	rootCmd.AddCommand(eventsCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events [--group name] [--type NEW_PRODUCT_DETECTED]",
	Short: "Follows the catalog change stream published by the relay.",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(cmd.Context()).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		consumer := events.NewConsumer(rdb, events.ConsumerConfig{
			Stream: cfg.Redis.Stream,
			Group:  eventsGroup,
			Types:  eventsTypes,
		}, log)

		err := consumer.Run(cmd.Context(), func(ctx context.Context, msg events.Message) error {
			p := msg.Payload.Product
			fmt.Printf("%s  %-20s  %s - %s\n", formatTime(msg.Timestamp), msg.Type, p.Name, notify.FormatPrice(p.Currency, p.Price))
			if msg.Payload.Reason != "" {
				fmt.Printf("    %s\n", msg.Payload.Reason)
			}
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
