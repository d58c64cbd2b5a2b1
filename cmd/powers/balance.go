package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/schoolpower/powers/pkg/models"
	"github.com/schoolpower/powers/pkg/pricing"
)

func newBalanceCmd(g *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show the cached balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(context.Background(), g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			b := a.powers.Balance()
			if asJSON {
				return writeJSON(b)
			}
			fmt.Printf("Available:    %s\n", a.powers.FormatBalance())
			fmt.Printf("Used:         %d\n", b.Used)
			fmt.Printf("Last renewal: %s\n", b.LastRenewal.Format(time.RFC3339))
			fmt.Printf("Unsynced:     %d\n", len(a.powers.Pending()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the balance as JSON")
	return cmd
}

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent charges, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(context.Background(), g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Print(formatTransactions(a.powers.Transactions(limit)))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max transactions to show (0 for all)")
	return cmd
}

func newStatementCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "statement",
		Short: "Show the statement of credit changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(context.Background(), g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			lines := a.powers.Statement()
			if len(lines) == 0 {
				fmt.Println("Statement is empty.")
				return nil
			}
			var total int64
			for _, l := range lines {
				fmt.Printf("%s  %+6d  %s\n", l.Date.Format("2006-01-02 15:04"), l.CreditChange, l.Title)
				total += l.CreditChange
			}
			fmt.Printf("Total: %+d\n", total)
			return nil
		},
	}
}

func newPendingCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List debits not yet confirmed by the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(context.Background(), g, true)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Print(formatPending(a.powers.Pending()))
			return nil
		},
	}
}

func newPricingCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pricing",
		Short: "List capability prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g)
			if err != nil {
				return err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%-34s %-26s %-10s %6s\n", "CAPABILITY", "NAME", "ITEM", "PRICE")
			b.WriteString(strings.Repeat("-", 79) + "\n")
			for _, p := range pricing.New(cfg.Pricing).Capabilities() {
				fmt.Fprintf(&b, "%-34s %-26s %-10s %6d\n", p.ID, p.Name, p.ItemLabel, p.Price)
			}
			fmt.Print(b.String())
			return nil
		},
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTransactions(txs []models.Transaction) string {
	if len(txs) == 0 {
		return "No transactions found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-26s %6s %6s %-6s %s\n",
		"TIME", "TRANSACTION", "ITEMS", "COST", "SYNCED", "DESCRIPTION")
	b.WriteString(strings.Repeat("-", 100) + "\n")
	for _, tx := range txs {
		synced := "no"
		if tx.SyncedToDB {
			synced = "yes"
		}
		fmt.Fprintf(&b, "%-20s %-26s %6d %6d %-6s %s\n",
			tx.Timestamp.Format("2006-01-02 15:04:05"),
			tx.ID, tx.ItemCount, tx.TotalCost, synced, tx.Description)
	}
	return b.String()
}

func formatPending(items []models.PendingSyncItem) string {
	if len(items) == 0 {
		return "No unsynced debits.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-26s %6s %7s %-20s\n", "TRANSACTION", "AMOUNT", "RETRIES", "NEXT ATTEMPT")
	b.WriteString(strings.Repeat("-", 62) + "\n")
	for _, it := range items {
		fmt.Fprintf(&b, "%-26s %6d %7d %-20s\n",
			it.ID, it.Amount, it.RetryCount, it.NextAttemptAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
