package mcp

import (
	"fmt"
	"strings"

	"github.com/schoolpower/powers/pkg/models"
)

func formatBalance(b models.Balance, pending int) string {
	return fmt.Sprintf("Powers Balance\n"+
		"  Available:    %d/%d\n"+
		"  Used:         %d\n"+
		"  Last renewal: %s\n"+
		"  Unsynced:     %d\n",
		b.Available, b.DailyLimit, b.Used,
		b.LastRenewal.Format("2006-01-02 15:04:05"), pending)
}

func formatCharge(res models.ChargeResult) string {
	if res.Charged == 0 {
		return fmt.Sprintf("Free capability, nothing charged. Remaining: %d\n", res.RemainingBalance)
	}
	return fmt.Sprintf("Charged %d Powers (transaction %s). Remaining: %d\n",
		res.Charged, res.TransactionID, res.RemainingBalance)
}

func formatEstimate(capability string, items int, cost, available int64) string {
	verdict := "affordable"
	if cost > available {
		verdict = fmt.Sprintf("short by %d", cost-available)
	}
	return fmt.Sprintf("%s x%d costs %d Powers (%d available, %s)\n",
		capability, items, cost, available, verdict)
}

// formatTransactions formats charges as a text table.
func formatTransactions(txs []models.Transaction) string {
	if len(txs) == 0 {
		return "No transactions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-26s %6s %6s %-6s %s\n",
		"Time", "Transaction", "Items", "Cost", "Synced", "Description")
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

func formatStatement(lines []models.StatementEntry) string {
	if len(lines) == 0 {
		return "Statement is empty."
	}
	var b strings.Builder
	var total int64
	for _, l := range lines {
		fmt.Fprintf(&b, "%s  %+6d  %s\n", l.Date.Format("2006-01-02 15:04"), l.CreditChange, l.Title)
		total += l.CreditChange
	}
	fmt.Fprintf(&b, "Total: %+d\n", total)
	return b.String()
}

func formatPending(items []models.PendingSyncItem) string {
	if len(items) == 0 {
		return "No unsynced debits."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-26s %6s %7s %-20s\n", "Transaction", "Amount", "Retries", "Next Attempt")
	b.WriteString(strings.Repeat("-", 62) + "\n")
	for _, it := range items {
		fmt.Fprintf(&b, "%-26s %6d %7d %-20s\n",
			it.ID, it.Amount, it.RetryCount, it.NextAttemptAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// formatSyncEvents formats journal entries as a text table.
func formatSyncEvents(events []models.SyncEvent) string {
	if len(events) == 0 {
		return "No sync events found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-8s %-11s %-26s %6s %7s %s\n",
		"Time", "Op", "Outcome", "Transaction", "Amount", "Retries", "Error")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, e := range events {
		errText := e.Error
		if len(errText) > 40 {
			errText = errText[:37] + "..."
		}
		fmt.Fprintf(&b, "%-20s %-8s %-11s %-26s %6d %7d %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Operation, e.Outcome, e.TransactionID, e.Amount, e.RetryCount, errText)
	}
	return b.String()
}
