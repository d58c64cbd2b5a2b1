package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/schoolpower/powers/pkg/models"
)

// Journal writes and queries sync events in a dedicated SQLite database.
type Journal struct {
	db   *sql.DB
	cfg  models.JournalConfig
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New opens the journal database, creates the schema and starts the
// retention goroutine.
func New(cfg models.JournalConfig) (*Journal, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	j := &Journal{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	j.wg.Add(1)
	go j.retentionLoop()

	return j, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS sync_journal (
		id             TEXT PRIMARY KEY,
		identity       TEXT NOT NULL,
		operation      TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		transaction_id TEXT,
		amount         INTEGER NOT NULL DEFAULT 0,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		remote_balance INTEGER NOT NULL DEFAULT 0,
		error          TEXT,
		created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_created ON sync_journal(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_outcome ON sync_journal(outcome, created_at)`)
	return err
}

// Record inserts a sync event. A nil journal discards it.
func (j *Journal) Record(ctx context.Context, ev models.SyncEvent) error {
	if j == nil || j.db == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_journal
		(id, identity, operation, outcome, transaction_id, amount, retry_count, remote_balance, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Identity, string(ev.Operation), string(ev.Outcome), ev.TransactionID,
		ev.Amount, ev.RetryCount, ev.RemoteBalance, ev.Error, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record sync event: %w", err)
	}
	return nil
}

// Query returns sync events matching the given options, newest first.
func (j *Journal) Query(ctx context.Context, opts models.SyncQueryOpts) ([]models.SyncEvent, error) {
	q := `SELECT id, identity, operation, outcome, transaction_id, amount, retry_count,
		remote_balance, error, created_at
		FROM sync_journal WHERE 1=1`
	var args []any

	if opts.Identity != "" {
		q += " AND identity = ?"
		args = append(args, opts.Identity)
	}
	if opts.Operation != "" {
		q += " AND operation = ?"
		args = append(args, string(opts.Operation))
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if opts.TransactionID != "" {
		q += " AND transaction_id = ?"
		args = append(args, opts.TransactionID)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var events []models.SyncEvent
	for rows.Next() {
		var e models.SyncEvent
		var op, outcome string
		var txID, errText sql.NullString
		if err := rows.Scan(
			&e.ID, &e.Identity, &op, &outcome, &txID, &e.Amount, &e.RetryCount,
			&e.RemoteBalance, &errText, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Operation = models.SyncOperation(op)
		e.Outcome = models.SyncOutcome(outcome)
		e.TransactionID = txID.String
		e.Error = errText.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Abandoned returns debits that exhausted their retries since the given time.
// Those debits stay applied locally but may be missing from the remote ledger.
func (j *Journal) Abandoned(ctx context.Context, since time.Time) ([]models.SyncEvent, error) {
	return j.Query(ctx, models.SyncQueryOpts{
		Operation: models.OpDeduct,
		Outcome:   models.OutcomeAbandoned,
		Since:     since,
		Limit:     1000,
	})
}

// Stats returns counts grouped by operation, outcome and day.
func (j *Journal) Stats(ctx context.Context) ([]models.SyncStat, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT operation, outcome, date(created_at) as day, count(*) as cnt
		 FROM sync_journal GROUP BY operation, outcome, day ORDER BY day DESC, operation, outcome`)
	if err != nil {
		return nil, fmt.Errorf("journal stats: %w", err)
	}
	defer rows.Close()

	var stats []models.SyncStat
	for rows.Next() {
		var s models.SyncStat
		var op, outcome string
		var day sql.NullString
		if err := rows.Scan(&op, &outcome, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan journal stat: %w", err)
		}
		s.Operation = models.SyncOperation(op)
		s.Outcome = models.SyncOutcome(outcome)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes events older than the configured retention period.
func (j *Journal) Cleanup(ctx context.Context) (int64, error) {
	if j.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -j.cfg.RetentionDays)
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM sync_journal WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) retentionLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			_, _ = j.Cleanup(context.Background())
		}
	}
}
