package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/stockline/eventcore/internal/reliability"
)

func newDLQCommand(load configLoader) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered deliveries",
	}

	var (
		redisURL string
		stream   string
		filter   reliability.DeadLetterFilter
	)
	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent dead letters",
		Long:  "Read dead letters from the Redis stream the hub writes to, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := load()
			if redisURL == "" {
				redisURL = cfg.RedisURL
			}
			if stream == "" {
				stream = cfg.DLQStream
			}
			if redisURL == "" {
				return errors.New("REDIS_URL or --redis-url is required")
			}

			client, err := newRedisClient(redisURL)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			letters, err := reliability.NewRedisStreamSink(client, stream).List(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}

			printDeadLetters(cmd.OutOrStdout(), letters)
			return nil
		},
	}
	dlqListCmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL (overrides REDIS_URL)")
	dlqListCmd.Flags().StringVar(&stream, "stream", "", "Dead-letter stream (overrides DLQ_STREAM)")
	dlqListCmd.Flags().StringVarP(&filter.TenantID, "tenant", "t", "", "Only show letters for this tenant")
	dlqListCmd.Flags().StringVar(&filter.HandlerID, "handler", "", "Only show letters for this handler")
	dlqListCmd.Flags().IntVarP(&filter.MaxResults, "limit", "n", 50, "Maximum number of letters")

	dlqCmd.AddCommand(dlqListCmd)
	return dlqCmd
}

func printDeadLetters(w io.Writer, letters []reliability.DeadLetter) {
	if len(letters) == 0 {
		fmt.Fprintln(w, "No dead letters found")
		return
	}

	fmt.Fprintf(w, "%-20s %-36s %-30s %-10s %-20s %-8s %s\n", "Dead Lettered", "Event ID", "Event Type", "Tenant", "Handler", "Attempts", "Reason")
	printRule(w, 150)

	for _, l := range letters {
		var id, eventType, tenant string
		if l.Envelope != nil {
			id, eventType, tenant = l.Envelope.ID(), l.Envelope.Type(), l.Envelope.TenantID()
		}
		fmt.Fprintf(w, "%-20s %-36s %-30s %-10s %-20s %-8d %s\n",
			l.DeadLetteredAt.UTC().Format(time.DateTime),
			id,
			truncate(eventType, 30),
			truncate(tenant, 10),
			truncate(l.HandlerID, 20),
			l.Attempts,
			truncate(l.Reason, 60),
		)
	}
}
