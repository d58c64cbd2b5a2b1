package models

import "time"

// Balance is the locally cached view of a user's Powers entitlement.
// Available + Used equals DailyLimit in steady state; the two may drift
// while debits are still waiting to reach the remote ledger.
type Balance struct {
	Available    int64         `json:"available"`
	Used         int64         `json:"used"`
	DailyLimit   int64         `json:"dailyLimit"`
	LastRenewal  time.Time     `json:"lastRenewal"`
	Transactions []Transaction `json:"transactions"`
}

// Clone returns a deep copy safe to hand to observers.
func (b Balance) Clone() Balance {
	out := b
	out.Transactions = make([]Transaction, len(b.Transactions))
	copy(out.Transactions, b.Transactions)
	return out
}

// Transaction records a single charge. Newest first in Balance.Transactions.
type Transaction struct {
	ID            string    `json:"id"`
	CapabilityID  string    `json:"capabilityId"`
	ItemCount     int       `json:"itemCount"`
	CostPerItem   int64     `json:"costPerItem"`
	TotalCost     int64     `json:"totalCost"`
	Description   string    `json:"description"`
	Timestamp     time.Time `json:"timestamp"`
	ActivityID    string    `json:"activityId,omitempty"`
	ActivityTitle string    `json:"activityTitle,omitempty"`
	SyncedToDB    bool      `json:"syncedToDb"`
}

// PendingSyncItem is a debit the remote ledger has not confirmed yet.
// Identity is the user it belongs to, empty until one becomes known.
type PendingSyncItem struct {
	ID            string    `json:"id"`
	Identity      string    `json:"identity,omitempty"`
	Amount        int64     `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
	RetryCount    int       `json:"retryCount"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
}

// ChargeMetadata carries optional activity context for a charge.
type ChargeMetadata struct {
	ActivityID    string `json:"activityId,omitempty"`
	ActivityTitle string `json:"activityTitle,omitempty"`
}

// ChargeResult is what a caller sees after asking for a charge.
type ChargeResult struct {
	Success          bool   `json:"success"`
	Charged          int64  `json:"charged"`
	RemainingBalance int64  `json:"remainingBalance"`
	TransactionID    string `json:"transactionId"`
	Error            string `json:"error,omitempty"`
}

// StatementEntry is a transaction rendered as a statement line.
type StatementEntry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Date         time.Time `json:"date"`
	CreditChange int64     `json:"creditChange"`
}
