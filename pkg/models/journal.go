package models

import "time"

// SyncOperation names the remote call a journal entry describes.
type SyncOperation string

const (
	OpDeduct SyncOperation = "deduct"
	OpReset  SyncOperation = "reset"
	OpPull   SyncOperation = "pull"
)

// SyncOutcome is the result of one remote attempt.
type SyncOutcome string

const (
	OutcomeConfirmed   SyncOutcome = "confirmed"
	OutcomeRetry       SyncOutcome = "retry"
	OutcomeAbandoned   SyncOutcome = "abandoned"
	OutcomeFailed      SyncOutcome = "failed"
	OutcomeOverwritten SyncOutcome = "overwritten"
	OutcomeUnchanged   SyncOutcome = "unchanged"
)

// SyncEvent is one journaled remote attempt.
type SyncEvent struct {
	ID            string        `json:"id"`
	Identity      string        `json:"identity"`
	Operation     SyncOperation `json:"operation"`
	Outcome       SyncOutcome   `json:"outcome"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Amount        int64         `json:"amount"`
	RetryCount    int           `json:"retry_count"`
	RemoteBalance int64         `json:"remote_balance"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// JournalConfig controls the sync journal.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// SyncQueryOpts filters journal queries.
type SyncQueryOpts struct {
	Identity      string
	Operation     SyncOperation
	Outcome       SyncOutcome
	TransactionID string
	Since         time.Time
	Limit         int
}

// SyncStat is an aggregate count per outcome and day.
type SyncStat struct {
	Operation SyncOperation
	Outcome   SyncOutcome
	Day       string
	Count     int
}
