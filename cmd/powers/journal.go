package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolpower/powers/pkg/journal"
	"github.com/schoolpower/powers/pkg/models"
)

func newJournalCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query and manage the sync journal",
	}

	cmd.AddCommand(
		newJournalSearchCmd(g),
		newJournalAbandonedCmd(g),
		newJournalStatsCmd(g),
		newJournalCleanupCmd(g),
	)
	return cmd
}

func newJournalSearchCmd(g *globalOptions) *cobra.Command {
	var (
		operation     string
		outcome       string
		transactionID string
		since         string
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search sync journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(g)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.SyncQueryOpts{
				Identity:      g.identity,
				Operation:     models.SyncOperation(operation),
				Outcome:       models.SyncOutcome(outcome),
				TransactionID: transactionID,
				Limit:         limit,
			}
			if opts.Since, err = parseSince(since, time.Time{}); err != nil {
				return err
			}

			events, err := j.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatSyncEvents(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation (deduct, reset, pull)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome")
	cmd.Flags().StringVar(&transactionID, "tx", "", "filter by transaction id")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newJournalAbandonedCmd(g *globalOptions) *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "abandoned",
		Short: "List debits dropped after exhausting retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(g)
			if err != nil {
				return err
			}
			defer cleanup()

			from, err := parseSince(since, time.Now().UTC().AddDate(0, 0, -7))
			if err != nil {
				return err
			}
			events, err := j.Abandoned(context.Background(), from)
			if err != nil {
				return err
			}
			fmt.Print(formatSyncEvents(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD, default 7 days ago)")
	return cmd
}

func newJournalStatsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show sync outcomes per operation and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(g)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := j.Stats(context.Background())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No journal stats found.")
				return nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%-8s %-12s %-12s %8s\n", "OP", "OUTCOME", "DAY", "COUNT")
			b.WriteString(strings.Repeat("-", 43) + "\n")
			for _, s := range stats {
				fmt.Fprintf(&b, "%-8s %-12s %-12s %8d\n", s.Operation, s.Outcome, s.Day, s.Count)
			}
			fmt.Print(b.String())
			return nil
		},
	}
}

func newJournalCleanupCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete journal entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(g)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := j.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d journal entries.\n", deleted)
			return nil
		},
	}
}

func openJournal(g *globalOptions) (*journal.Journal, func(), error) {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return nil, nil, err
	}
	j, err := journal.New(cfg.Journal)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal db: %w", err)
	}
	return j, func() { _ = j.Close() }, nil
}

func parseSince(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
	}
	return t, nil
}

func formatSyncEvents(events []models.SyncEvent) string {
	if len(events) == 0 {
		return "No journal entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-8s %-11s %-26s %6s %7s %8s %s\n",
		"TIME", "OP", "OUTCOME", "TRANSACTION", "AMOUNT", "RETRIES", "REMOTE", "ERROR")
	b.WriteString(strings.Repeat("-", 118) + "\n")
	for _, e := range events {
		fmt.Fprintf(&b, "%-20s %-8s %-11s %-26s %6d %7d %8d %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Operation, e.Outcome, e.TransactionID, e.Amount, e.RetryCount, e.RemoteBalance, e.Error)
	}
	return b.String()
}
