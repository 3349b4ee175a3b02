package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/machinaio/machina/pkg/core"
	"github.com/machinaio/machina/pkg/db"
)

// TableMachineEvents is the active log table. The archive service reads and
// deletes rows from it inside its own transactions.
const TableMachineEvents = "machine_events"

// Dialect selects the SQL flavor a store speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// sqliteTimeLayout is fixed-width UTC so that lexicographic comparison of
// stored strings matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLStore implements Store over database/sql for SQLite, Postgres and
// MySQL. Use the driver-specific constructors (NewSQLiteStore,
// NewPostgresStore, NewMySQLStore) unless you manage the pool yourself.
type SQLStore struct {
	pool    *db.Pool
	dialect Dialect
	mu      sync.RWMutex
	closed  bool
}

// NewSQLStore wraps an existing pool and ensures the schema exists.
func NewSQLStore(pool *db.Pool, dialect Dialect) (*SQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("eventlog: pool cannot be nil")
	}
	switch dialect {
	case DialectSQLite, DialectPostgres, DialectMySQL:
	default:
		return nil, fmt.Errorf("eventlog: unknown dialect %q", dialect)
	}

	s := &SQLStore{pool: pool, dialect: dialect}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Dialect returns the store's SQL flavor.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// DB exposes the underlying handle for components that share the
// database, such as the archive service.
func (s *SQLStore) DB() *sql.DB { return s.pool.DB() }

func (s *SQLStore) createTables(ctx context.Context) error {
	var ddl []string
	switch s.dialect {
	case DialectSQLite:
		ddl = []string{`
			CREATE TABLE IF NOT EXISTS machine_events (
				id TEXT PRIMARY KEY,
				sequence_number INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				machine_id TEXT NOT NULL,
				machine_value TEXT NOT NULL,
				root_event_id TEXT NOT NULL,
				source TEXT NOT NULL,
				type TEXT NOT NULL,
				payload TEXT,
				version INTEGER NOT NULL DEFAULT 1,
				context TEXT,
				meta TEXT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_machine_events_root_seq
				ON machine_events(root_event_id, sequence_number)`,
			`CREATE INDEX IF NOT EXISTS idx_machine_events_root_created
				ON machine_events(root_event_id, created_at)`,
		}
	case DialectPostgres:
		ddl = []string{`
			CREATE TABLE IF NOT EXISTS machine_events (
				id TEXT PRIMARY KEY,
				sequence_number INTEGER NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				machine_id TEXT NOT NULL,
				machine_value JSONB NOT NULL,
				root_event_id TEXT NOT NULL,
				source TEXT NOT NULL,
				type TEXT NOT NULL,
				payload JSONB,
				version INTEGER NOT NULL DEFAULT 1,
				context JSONB,
				meta JSONB
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_machine_events_root_seq
				ON machine_events(root_event_id, sequence_number)`,
			`CREATE INDEX IF NOT EXISTS idx_machine_events_root_created
				ON machine_events(root_event_id, created_at)`,
		}
	case DialectMySQL:
		ddl = []string{`
			CREATE TABLE IF NOT EXISTS machine_events (
				id VARCHAR(26) PRIMARY KEY,
				sequence_number INT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				machine_id VARCHAR(255) NOT NULL,
				machine_value JSON NOT NULL,
				root_event_id VARCHAR(26) NOT NULL,
				source VARCHAR(16) NOT NULL,
				type VARCHAR(512) NOT NULL,
				payload JSON,
				version INT NOT NULL DEFAULT 1,
				context JSON,
				meta JSON,
				UNIQUE KEY idx_machine_events_root_seq (root_event_id, sequence_number),
				INDEX idx_machine_events_root_created (root_event_id, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		}
	}

	for _, stmt := range ddl {
		if _, err := s.pool.DB().ExecContext(ctx, stmt); err != nil {
			// Re-running index DDL on engines without IF NOT EXISTS
			// support for indexes is the only acceptable failure.
			if s.dialect == DialectMySQL && strings.Contains(err.Error(), "Duplicate") {
				continue
			}
			return err
		}
	}
	return nil
}

// Append writes the batch in one transaction.
func (s *SQLStore) Append(ctx context.Context, events []*MachineEvent) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("append: store is closed")
	}
	s.mu.RUnlock()

	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = InsertEventsTx(ctx, tx, s.dialect, events); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// Load returns the ordered history for rootEventID.
func (s *SQLStore) Load(ctx context.Context, rootEventID string) ([]*MachineEvent, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("load: store is closed")
	}
	s.mu.RUnlock()

	query := Rebind(s.dialect, `
		SELECT id, sequence_number, created_at, machine_id, machine_value,
		       root_event_id, source, type, payload, version, context, meta
		FROM machine_events
		WHERE root_event_id = ?
		ORDER BY sequence_number ASC`)

	rows, err := s.pool.DB().QueryContext(ctx, query, rootEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	events, err := ScanEvents(s.dialect, rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("load %s: %w", rootEventID, ErrNotFound)
	}
	return events, nil
}

// Close marks the store closed. The pool itself belongs to the caller.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pool.Close()
}

var _ Store = (*SQLStore)(nil)

// Rebind converts ? placeholders to the dialect's style ($n for Postgres).
func Rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// FormatTime converts a timestamp to the driver value the dialect stores.
func FormatTime(d Dialect, t time.Time) interface{} {
	if d == DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// ParseTime reverses FormatTime for the SQLite dialect. RFC 3339 input is
// accepted for rows written by other tools.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(sqliteTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// InsertEventsTx upserts events inside an existing transaction. Exposed so
// the archive service can restore rows and delete the archive atomically.
func InsertEventsTx(ctx context.Context, tx *sql.Tx, d Dialect, events []*MachineEvent) error {
	var query string
	switch d {
	case DialectMySQL:
		query = `
			INSERT INTO machine_events
				(id, sequence_number, created_at, machine_id, machine_value,
				 root_event_id, source, type, payload, version, context, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				sequence_number = VALUES(sequence_number),
				created_at = VALUES(created_at),
				machine_id = VALUES(machine_id),
				machine_value = VALUES(machine_value),
				root_event_id = VALUES(root_event_id),
				source = VALUES(source),
				type = VALUES(type),
				payload = VALUES(payload),
				version = VALUES(version),
				context = VALUES(context),
				meta = VALUES(meta)`
	default:
		query = Rebind(d, `
			INSERT INTO machine_events
				(id, sequence_number, created_at, machine_id, machine_value,
				 root_event_id, source, type, payload, version, context, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				sequence_number = excluded.sequence_number,
				created_at = excluded.created_at,
				machine_id = excluded.machine_id,
				machine_value = excluded.machine_value,
				root_event_id = excluded.root_event_id,
				source = excluded.source,
				type = excluded.type,
				payload = excluded.payload,
				version = excluded.version,
				context = excluded.context,
				meta = excluded.meta`)
	}

	for _, ev := range events {
		if ev.ID == "" {
			return fmt.Errorf("append: event without id (type %q)", ev.Type)
		}
		value, err := core.JSONEncode(ev.MachineValue)
		if err != nil {
			return fmt.Errorf("failed to encode machine value: %w", err)
		}
		payload, err := encodeJSONColumn(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		contextCol, err := encodeJSONColumn(ev.Context)
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		meta, err := encodeJSONColumn(ev.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode meta: %w", err)
		}

		_, err = tx.ExecContext(ctx, query,
			ev.ID, ev.SequenceNumber, FormatTime(d, ev.CreatedAt), ev.MachineID,
			string(value), ev.RootEventID, string(ev.Source), ev.Type,
			payload, ev.Version, contextCol, meta)
		if err != nil {
			return fmt.Errorf("failed to upsert event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// SelectEventsForRootTx reads an instance's ordered history inside an
// existing transaction.
func SelectEventsForRootTx(ctx context.Context, tx *sql.Tx, d Dialect, rootEventID string) ([]*MachineEvent, error) {
	query := Rebind(d, `
		SELECT id, sequence_number, created_at, machine_id, machine_value,
		       root_event_id, source, type, payload, version, context, meta
		FROM machine_events
		WHERE root_event_id = ?
		ORDER BY sequence_number ASC`)

	rows, err := tx.QueryContext(ctx, query, rootEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to select events: %w", err)
	}
	defer rows.Close()
	return ScanEvents(d, rows)
}

// DeleteEventsForRootTx removes an instance's rows inside an existing
// transaction. Returns the number of rows deleted.
func DeleteEventsForRootTx(ctx context.Context, tx *sql.Tx, d Dialect, rootEventID string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		Rebind(d, `DELETE FROM machine_events WHERE root_event_id = ?`), rootEventID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// ScanEvents decodes rows produced by the canonical 12-column select.
func ScanEvents(d Dialect, rows *sql.Rows) ([]*MachineEvent, error) {
	var events []*MachineEvent
	for rows.Next() {
		ev, err := scanEvent(d, rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(d Dialect, rows *sql.Rows) (*MachineEvent, error) {
	var (
		ev        MachineEvent
		createdAt interface{}
		rawValue  string
		payload   sql.NullString
		contextC  sql.NullString
		meta      sql.NullString
		source    string
	)

	if d == DialectSQLite {
		createdAt = new(string)
	} else {
		createdAt = new(time.Time)
	}

	err := rows.Scan(&ev.ID, &ev.SequenceNumber, createdAt, &ev.MachineID,
		&rawValue, &ev.RootEventID, &source, &ev.Type, &payload,
		&ev.Version, &contextC, &meta)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	switch ts := createdAt.(type) {
	case *string:
		parsed, perr := ParseTime(*ts)
		if perr != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", perr)
		}
		ev.CreatedAt = parsed
	case *time.Time:
		ev.CreatedAt = ts.UTC()
	}

	ev.Source = Source(source)
	if err := core.JSONDecode([]byte(rawValue), &ev.MachineValue); err != nil {
		return nil, fmt.Errorf("failed to decode machine value: %w", err)
	}
	if ev.Payload, err = decodeJSONColumn(payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if ev.Context, err = decodeJSONColumn(contextC); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	if ev.Meta, err = decodeJSONColumn(meta); err != nil {
		return nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return &ev, nil
}

func encodeJSONColumn(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := core.JSONEncode(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSONColumn(col sql.NullString) (map[string]interface{}, error) {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := core.JSONDecode([]byte(col.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
