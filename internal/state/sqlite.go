package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/user/converge/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
    context_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    entry_id TEXT NOT NULL,
    entry_type TEXT NOT NULL,
    ts TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    truth_id TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL,
    payload BLOB,
    idempotency_key TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (context_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_entries_idempotency ON entries(context_id, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_entries_correlation ON entries(context_id, correlation_id, sequence);
`

const entryColumns = `context_id, sequence, entry_id, entry_type, ts, correlation_id, run_id, truth_id, actor, payload, idempotency_key`

type entryRow struct {
	ContextID      string `db:"context_id"`
	Sequence       int64  `db:"sequence"`
	EntryID        string `db:"entry_id"`
	EntryType      string `db:"entry_type"`
	Timestamp      string `db:"ts"`
	CorrelationID  string `db:"correlation_id"`
	RunID          string `db:"run_id"`
	TruthID        string `db:"truth_id"`
	Actor          string `db:"actor"`
	Payload        []byte `db:"payload"`
	IdempotencyKey string `db:"idempotency_key"`
}

func toRow(contextID types.ContextID, e *types.ContextEntry) (*entryRow, error) {
	actor, err := json.Marshal(e.Actor)
	if err != nil {
		return nil, fmt.Errorf("marshal actor: %w", err)
	}
	return &entryRow{
		ContextID:      string(contextID),
		Sequence:       e.Sequence,
		EntryID:        string(e.EntryID),
		EntryType:      string(e.EntryType),
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		CorrelationID:  string(e.CorrelationID),
		RunID:          string(e.RunID),
		TruthID:        e.TruthID,
		Actor:          string(actor),
		Payload:        e.Payload,
		IdempotencyKey: e.IdempotencyKey,
	}, nil
}

func (r *entryRow) entry() (*types.ContextEntry, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	var actor types.Actor
	if err := json.Unmarshal([]byte(r.Actor), &actor); err != nil {
		return nil, fmt.Errorf("unmarshal actor: %w", err)
	}
	return &types.ContextEntry{
		EntryID:        types.EntryID(r.EntryID),
		EntryType:      types.EntryType(r.EntryType),
		Timestamp:      ts,
		CorrelationID:  types.CorrelationID(r.CorrelationID),
		RunID:          types.RunID(r.RunID),
		TruthID:        r.TruthID,
		Actor:          actor,
		Sequence:       r.Sequence,
		Payload:        r.Payload,
		IdempotencyKey: r.IdempotencyKey,
	}, nil
}

// SQLiteEntryStore keeps entry logs in a single sqlite database.
type SQLiteEntryStore struct {
	db *sqlx.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteEntryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps sequence assignment serial.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLiteEntryStore{db: db}, nil
}

func (s *SQLiteEntryStore) Append(ctx context.Context, contextID types.ContextID, entry *types.ContextEntry) (*types.ContextEntry, bool, error) {
	if err := contextID.Validate(); err != nil {
		return nil, false, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if entry.IdempotencyKey != "" {
		var row entryRow
		err := tx.GetContext(ctx, &row,
			`SELECT `+entryColumns+` FROM entries WHERE context_id = ? AND idempotency_key = ? ORDER BY sequence LIMIT 1`,
			string(contextID), entry.IdempotencyKey)
		switch {
		case err == nil:
			existing, err := row.entry()
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	var last int64
	if err := tx.GetContext(ctx, &last, `SELECT COALESCE(MAX(sequence), 0) FROM entries WHERE context_id = ?`, string(contextID)); err != nil {
		return nil, false, fmt.Errorf("read last sequence: %w", err)
	}

	stored := *entry
	stored.Sequence = last + 1
	row, err := toRow(contextID, &stored)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.NamedExecContext(ctx, insertEntry, row); err != nil {
		return nil, false, fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit append: %w", err)
	}
	return &stored, true, nil
}

const insertEntry = `INSERT INTO entries (` + entryColumns + `) VALUES
(:context_id, :sequence, :entry_id, :entry_type, :ts, :correlation_id, :run_id, :truth_id, :actor, :payload, :idempotency_key)`

func (s *SQLiteEntryStore) Range(ctx context.Context, contextID types.ContextID, q types.RangeQuery) ([]*types.ContextEntry, error) {
	if err := contextID.Validate(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(`SELECT ` + entryColumns + ` FROM entries WHERE context_id = ? AND sequence > ?`)
	args := []any{string(contextID), q.AfterSequence}
	if q.CorrelationID != "" {
		sb.WriteString(` AND correlation_id = ?`)
		args = append(args, string(q.CorrelationID))
	}
	sb.WriteString(` ORDER BY sequence`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	out := make([]*types.ContextEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLiteEntryStore) LastSequence(ctx context.Context, contextID types.ContextID) (int64, error) {
	var last int64
	err := s.db.GetContext(ctx, &last, `SELECT COALESCE(MAX(sequence), 0) FROM entries WHERE context_id = ?`, string(contextID))
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return last, nil
}

func (s *SQLiteEntryStore) Count(ctx context.Context, contextID types.ContextID) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM entries WHERE context_id = ?`, string(contextID)); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteEntryStore) Contexts(ctx context.Context) ([]types.ContextID, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT context_id FROM entries ORDER BY context_id`); err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	out := make([]types.ContextID, len(ids))
	for i, id := range ids {
		out[i] = types.ContextID(id)
	}
	return out, nil
}

func (s *SQLiteEntryStore) Reset(ctx context.Context, contextID types.ContextID, entries []*types.ContextEntry) error {
	if err := contextID.Validate(); err != nil {
		return err
	}
	if err := checkSequences(entries); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE context_id = ?`, string(contextID)); err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	for _, e := range entries {
		row, err := toRow(contextID, e)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertEntry, row); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

func (s *SQLiteEntryStore) Close() error {
	return s.db.Close()
}
