package archive

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/machinaio/machina/pkg/eventlog"
)

// TableMachineEventArchives holds one compressed row per archived
// instance, in the same database as the active log.
const TableMachineEventArchives = "machine_event_archives"

// SQLStorage implements Storage over the same database the event log
// lives in, so archive and prune happen in one transaction.
type SQLStorage struct {
	db      *sql.DB
	dialect eventlog.Dialect
	mu      sync.RWMutex
	closed  bool
}

// NewSQLStorage attaches archive storage to an existing event log store
// and ensures the archive schema exists.
func NewSQLStorage(store *eventlog.SQLStore) (*SQLStorage, error) {
	if store == nil {
		return nil, fmt.Errorf("archive: event log store cannot be nil")
	}
	s := &SQLStorage{db: store.DB(), dialect: store.Dialect()}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create archive tables: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) createTables(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case eventlog.DialectSQLite:
		ddl = `
			CREATE TABLE IF NOT EXISTS machine_event_archives (
				root_event_id TEXT PRIMARY KEY,
				machine_id TEXT NOT NULL,
				events_data BLOB NOT NULL,
				event_count INTEGER NOT NULL,
				original_size INTEGER NOT NULL,
				compressed_size INTEGER NOT NULL,
				compression_level INTEGER NOT NULL,
				archived_at TEXT NOT NULL,
				first_event_at TEXT NOT NULL,
				last_event_at TEXT NOT NULL,
				restore_count INTEGER NOT NULL DEFAULT 0,
				last_restored_at TEXT
			)`
	case eventlog.DialectPostgres:
		ddl = `
			CREATE TABLE IF NOT EXISTS machine_event_archives (
				root_event_id TEXT PRIMARY KEY,
				machine_id TEXT NOT NULL,
				events_data BYTEA NOT NULL,
				event_count INTEGER NOT NULL,
				original_size INTEGER NOT NULL,
				compressed_size INTEGER NOT NULL,
				compression_level INTEGER NOT NULL,
				archived_at TIMESTAMPTZ NOT NULL,
				first_event_at TIMESTAMPTZ NOT NULL,
				last_event_at TIMESTAMPTZ NOT NULL,
				restore_count INTEGER NOT NULL DEFAULT 0,
				last_restored_at TIMESTAMPTZ
			)`
	case eventlog.DialectMySQL:
		ddl = `
			CREATE TABLE IF NOT EXISTS machine_event_archives (
				root_event_id VARCHAR(26) PRIMARY KEY,
				machine_id VARCHAR(255) NOT NULL,
				events_data LONGBLOB NOT NULL,
				event_count INT NOT NULL,
				original_size BIGINT NOT NULL,
				compressed_size BIGINT NOT NULL,
				compression_level INT NOT NULL,
				archived_at DATETIME(6) NOT NULL,
				first_event_at DATETIME(6) NOT NULL,
				last_event_at DATETIME(6) NOT NULL,
				restore_count INT NOT NULL DEFAULT 0,
				last_restored_at DATETIME(6) NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`
	default:
		return fmt.Errorf("unknown dialect %q", s.dialect)
	}
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Eligible finds instances whose latest event predates cutoff, keeping
// the predicate NOT EXISTS shaped so the archive lookup stays on the
// primary key even when the active log is large.
func (s *SQLStorage) Eligible(ctx context.Context, cutoff, cooldownCutoff time.Time, limit int) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := eventlog.Rebind(s.dialect, `
		SELECT e.root_event_id
		FROM machine_events e
		WHERE NOT EXISTS (
			SELECT 1 FROM machine_event_archives a
			WHERE a.root_event_id = e.root_event_id
		)
		AND NOT EXISTS (
			SELECT 1 FROM machine_event_archives r
			WHERE r.root_event_id = e.root_event_id
			AND r.last_restored_at IS NOT NULL
			AND r.last_restored_at >= ?
		)
		GROUP BY e.root_event_id
		HAVING MAX(e.created_at) < ?
		ORDER BY MAX(e.created_at) ASC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query,
		eventlog.FormatTime(s.dialect, cooldownCutoff),
		eventlog.FormatTime(s.dialect, cutoff),
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan eligible instance: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate eligible instances: %w", err)
	}
	return ids, nil
}

// LoadActive reads the ordered active history for an instance.
func (s *SQLStorage) LoadActive(ctx context.Context, rootEventID string) ([]*eventlog.MachineEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: s.dialect == eventlog.DialectPostgres})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer tx.Rollback()

	events, err := eventlog.SelectEventsForRootTx(ctx, tx, s.dialect, rootEventID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("load %s: %w", rootEventID, eventlog.ErrNotFound)
	}
	return events, tx.Commit()
}

// Archive inserts the record and prunes the active rows atomically.
func (s *SQLStorage) Archive(ctx context.Context, rec *Record) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive: %w", err)
	}
	defer tx.Rollback()

	insert := eventlog.Rebind(s.dialect, `
		INSERT INTO machine_event_archives
			(root_event_id, machine_id, events_data, event_count,
			 original_size, compressed_size, compression_level,
			 archived_at, first_event_at, last_event_at,
			 restore_count, last_restored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, insert,
		rec.RootEventID, rec.MachineID, rec.EventsData, rec.EventCount,
		rec.OriginalSize, rec.CompressedSize, rec.CompressionLevel,
		eventlog.FormatTime(s.dialect, rec.ArchivedAt),
		eventlog.FormatTime(s.dialect, rec.FirstEventAt),
		eventlog.FormatTime(s.dialect, rec.LastEventAt),
		rec.RestoreCount, s.nullableTime(rec.LastRestoredAt))
	if err != nil {
		return fmt.Errorf("failed to insert archive row: %w", err)
	}

	if _, err := eventlog.DeleteEventsForRootTx(ctx, tx, s.dialect, rec.RootEventID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

// Get reads one archive row without locking it.
func (s *SQLStorage) Get(ctx context.Context, rootEventID string) (*Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.selectQuery(false), rootEventID)
	return s.scanRecord(row)
}

// Restore reads the row under a row lock, decodes it, then either bumps
// the restore bookkeeping or deletes the row.
func (s *SQLStorage) Restore(ctx context.Context, rootEventID string, keep bool, restoredAt time.Time, decode DecodeFunc) ([]*eventlog.MachineEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.scanRecord(tx.QueryRowContext(ctx, s.selectQuery(true), rootEventID))
	if err != nil {
		return nil, err
	}

	events, err := decode(rec)
	if err != nil {
		return nil, err
	}

	if keep {
		update := eventlog.Rebind(s.dialect, `
			UPDATE machine_event_archives
			SET restore_count = restore_count + 1, last_restored_at = ?
			WHERE root_event_id = ?`)
		if _, err := tx.ExecContext(ctx, update,
			eventlog.FormatTime(s.dialect, restoredAt), rootEventID); err != nil {
			return nil, fmt.Errorf("failed to mark archive restored: %w", err)
		}
	} else {
		if err := s.deleteTx(ctx, tx, rootEventID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit restore: %w", err)
	}
	return events, nil
}

// RestoreAndDelete re-materializes the history into the active log and
// drops the archive row in one transaction. The row lock serializes
// racing restores of the same instance.
func (s *SQLStorage) RestoreAndDelete(ctx context.Context, rootEventID string, decode DecodeFunc) ([]*eventlog.MachineEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin restore: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.scanRecord(tx.QueryRowContext(ctx, s.selectQuery(true), rootEventID))
	if err != nil {
		return nil, err
	}

	events, err := decode(rec)
	if err != nil {
		return nil, err
	}

	if err := eventlog.InsertEventsTx(ctx, tx, s.dialect, events); err != nil {
		return nil, err
	}
	if err := s.deleteTx(ctx, tx, rootEventID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit restore: %w", err)
	}
	return events, nil
}

// DeleteOlderThan prunes archive rows past the retention window.
func (s *SQLStorage) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		eventlog.Rebind(s.dialect, `DELETE FROM machine_event_archives WHERE archived_at < ?`),
		eventlog.FormatTime(s.dialect, cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old archives: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Stats aggregates counters across both tables.
func (s *SQLStorage) Stats(ctx context.Context) (*Stats, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	stats := &Stats{}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(original_size), 0),
		       COALESCE(SUM(compressed_size), 0), COALESCE(SUM(restore_count), 0)
		FROM machine_event_archives`)
	if err := row.Scan(&stats.ArchiveCount, &stats.OriginalBytes,
		&stats.CompressedBytes, &stats.TotalRestores); err != nil {
		return nil, fmt.Errorf("failed to read archive stats: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT root_event_id) FROM machine_events`)
	if err := row.Scan(&stats.ActiveInstances); err != nil {
		return nil, fmt.Errorf("failed to read active stats: %w", err)
	}
	return stats, nil
}

// Close marks the storage closed. The database handle belongs to the
// event log store.
func (s *SQLStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SQLStorage) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("archive: storage is closed")
	}
	return nil
}

func (s *SQLStorage) selectQuery(forUpdate bool) string {
	q := `
		SELECT root_event_id, machine_id, events_data, event_count,
		       original_size, compressed_size, compression_level,
		       archived_at, first_event_at, last_event_at,
		       restore_count, last_restored_at
		FROM machine_event_archives
		WHERE root_event_id = ?`
	// SQLite locks the whole database per write transaction, so FOR
	// UPDATE is neither supported nor needed there.
	if forUpdate && s.dialect != eventlog.DialectSQLite {
		q += " FOR UPDATE"
	}
	return eventlog.Rebind(s.dialect, q)
}

func (s *SQLStorage) deleteTx(ctx context.Context, tx *sql.Tx, rootEventID string) error {
	_, err := tx.ExecContext(ctx,
		eventlog.Rebind(s.dialect, `DELETE FROM machine_event_archives WHERE root_event_id = ?`),
		rootEventID)
	if err != nil {
		return fmt.Errorf("failed to delete archive row: %w", err)
	}
	return nil
}

func (s *SQLStorage) nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return eventlog.FormatTime(s.dialect, *t)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStorage) scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		archivedAt interface{}
		firstAt    interface{}
		lastAt     interface{}
		restoredAt interface{}
	)
	if s.dialect == eventlog.DialectSQLite {
		archivedAt, firstAt, lastAt = new(string), new(string), new(string)
		restoredAt = new(sql.NullString)
	} else {
		archivedAt, firstAt, lastAt = new(time.Time), new(time.Time), new(time.Time)
		restoredAt = new(sql.NullTime)
	}

	err := row.Scan(&rec.RootEventID, &rec.MachineID, &rec.EventsData,
		&rec.EventCount, &rec.OriginalSize, &rec.CompressedSize,
		&rec.CompressionLevel, archivedAt, firstAt, lastAt,
		&rec.RestoreCount, restoredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan archive row: %w", err)
	}

	if rec.ArchivedAt, err = scanTime(archivedAt); err != nil {
		return nil, err
	}
	if rec.FirstEventAt, err = scanTime(firstAt); err != nil {
		return nil, err
	}
	if rec.LastEventAt, err = scanTime(lastAt); err != nil {
		return nil, err
	}

	switch v := restoredAt.(type) {
	case *sql.NullString:
		if v.Valid && v.String != "" {
			t, perr := eventlog.ParseTime(v.String)
			if perr != nil {
				return nil, perr
			}
			rec.LastRestoredAt = &t
		}
	case *sql.NullTime:
		if v.Valid {
			t := v.Time.UTC()
			rec.LastRestoredAt = &t
		}
	}
	return &rec, nil
}

func scanTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case *string:
		return eventlog.ParseTime(*t)
	case *time.Time:
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unexpected time column type %T", v)
}

var _ Storage = (*SQLStorage)(nil)
