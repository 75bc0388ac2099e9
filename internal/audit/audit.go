// Package audit persists an append-only record of settlement attempts
// (plan, outcome, idempotency key) to a local sqlite database for
// post-mortem queries. It never persists ladder state.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openalpha/ladder-mm/internal/core"
)

// Entry is one row of the settlement audit trail.
type Entry struct {
	ID             int64
	Timestamp      time.Time
	IdempotencyKey string
	Plan           core.SettlementPlan
	Submitted      bool
	SettlementID   string
	Error          string // empty on success
}

// Log is a sqlite-backed append-only settlement audit trail.
type Log struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at dbPath, enables
// WAL mode for crash recovery, and ensures the audit_entries table exists.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL,
	plan_json TEXT NOT NULL,
	checksum BLOB NOT NULL,
	submitted INTEGER NOT NULL,
	settlement_id TEXT NOT NULL,
	error TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create audit_entries table: %w", err)
	}

	return &Log{db: db}, nil
}

// Record appends one settlement attempt. errOutcome is nil on success.
func (l *Log) Record(ctx context.Context, plan core.SettlementPlan, idempotencyKey string, result core.SettlementResult, errOutcome error) error {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	planData, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement plan: %w", err)
	}
	checksum := sha256.Sum256(planData)

	errMsg := ""
	if errOutcome != nil {
		errMsg = errOutcome.Error()
	}

	query := `INSERT INTO audit_entries
		(recorded_at, idempotency_key, plan_json, checksum, submitted, settlement_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		time.Now().UnixNano(), idempotencyKey, string(planData), checksum[:],
		boolToInt(result.Submitted), result.SettlementID, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	return tx.Commit()
}

// Recent returns up to limit of the most recently recorded entries,
// newest first, verifying each row's checksum before returning it.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, recorded_at, idempotency_key, plan_json, checksum, submitted, settlement_id, error
		FROM audit_entries ORDER BY id DESC LIMIT ?`
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id            int64
			recordedAt    int64
			idempotency   string
			planJSON      string
			checksum      []byte
			submittedFlag int
			settlementID  string
			errMsg        string
		)
		if err := rows.Scan(&id, &recordedAt, &idempotency, &planJSON, &checksum, &submittedFlag, &settlementID, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		computed := sha256.Sum256([]byte(planJSON))
		if len(checksum) != len(computed) || string(checksum) != string(computed[:]) {
			return nil, fmt.Errorf("audit entry %d failed checksum verification: data corruption detected", id)
		}

		var plan core.SettlementPlan
		if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit plan for entry %d: %w", id, err)
		}

		entries = append(entries, Entry{
			ID:             id,
			Timestamp:      time.Unix(0, recordedAt),
			IdempotencyKey: idempotency,
			Plan:           plan,
			Submitted:      submittedFlag != 0,
			SettlementID:   settlementID,
			Error:          errMsg,
		})
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
