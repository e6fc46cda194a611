// Package chatstore is the idempotent persistent store of chat messages
// from spec.md §4.7, keyed by (origin_id, seqno). It is never consulted by
// the mesh forwarding path — dedup is handled upstream by internal/dedup —
// but Insert still reports Duplicate for a row already stored, as happens
// when sync responses replay rows this node has.
package chatstore

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1. Append, never
// edit or reorder.
var migrations = []string{
	// v1 — chat rows
	`CREATE TABLE IF NOT EXISTS chat_rows (
		origin_id       TEXT    NOT NULL,
		seqno           INTEGER NOT NULL,
		channel         TEXT    NOT NULL,
		nick            TEXT    NOT NULL,
		text            TEXT    NOT NULL,
		created_ts      INTEGER NOT NULL,
		local_insert_ts INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (origin_id, seqno)
	)`,
	// v2, v3 — range and display-order lookups
	`CREATE INDEX IF NOT EXISTS idx_chat_rows_channel_origin_seqno
		ON chat_rows(channel, origin_id, seqno)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_rows_created_ts ON chat_rows(created_ts)`,
	// v4 — concurrent readers
	`PRAGMA journal_mode=WAL`,
	// v5 — gap detector's per-(channel, origin) bookkeeping, so a restart
	// doesn't re-suspect every gap it had already confirmed or resolved
	`CREATE TABLE IF NOT EXISTS sync_state (
		channel             TEXT    NOT NULL,
		origin_id           TEXT    NOT NULL,
		highest_contiguous  INTEGER NOT NULL,
		PRIMARY KEY (channel, origin_id)
	)`,
}

// InsertResult distinguishes a genuinely new row from a harmless replay of
// one already stored, replacing the source's "infer from affected row
// count" idiom with a typed result per spec.md §9.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
)

// Row is one persisted chat message.
type Row struct {
	OriginID      callsign.ID
	Seqno         uint32
	Channel       string
	Nick          string
	Text          string
	CreatedTS     int64
	LocalInsertTS int64
}

// Store wraps a SQLite database holding chat rows.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chatstore: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection to ":memory:" is a separate database, so the
		// pool is held to one connection to keep a single shared store.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		logger.Warn("chatstore: set busy_timeout failed (non-fatal)", "error", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.logger.Debug("chatstore: applied migration", "version", v)
	}
	return nil
}

// Insert writes row if its (origin_id, seqno) pair hasn't been seen before,
// silently ignoring a duplicate per spec.md's "duplicate inserts are
// ignored silently" — but unlike the source's bare SQLite idiom, the
// caller gets a typed answer instead of inferring it from a row count.
func (s *Store) Insert(row Row) (InsertResult, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO chat_rows(origin_id, seqno, channel, nick, text, created_ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.OriginID.Hex(), row.Seqno, row.Channel, row.Nick, row.Text, row.CreatedTS,
	)
	if err != nil {
		return Duplicate, fmt.Errorf("chatstore: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("chatstore: rows affected: %w", err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Inserted, nil
}

// GetRange returns stored rows for (channel, origin) with seqno in
// [start, end], ordered by created_ts ascending with (origin_id, seqno) as
// the deterministic tie-break, per spec.md §4.7.
func (s *Store) GetRange(channel string, origin callsign.ID, start, end uint32) ([]Row, error) {
	rows, err := s.db.Query(
		`SELECT origin_id, seqno, channel, nick, text, created_ts, local_insert_ts
		 FROM chat_rows
		 WHERE channel = ? AND origin_id = ? AND seqno BETWEEN ? AND ?
		 ORDER BY created_ts ASC, origin_id ASC, seqno ASC`,
		channel, origin.Hex(), start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("chatstore: get_range: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// MaxSeqno returns the highest stored seqno for (channel, origin), if any.
func (s *Store) MaxSeqno(channel string, origin callsign.ID) (uint32, bool, error) {
	var seqno sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(seqno) FROM chat_rows WHERE channel = ? AND origin_id = ?`,
		channel, origin.Hex(),
	).Scan(&seqno)
	if err != nil {
		return 0, false, fmt.Errorf("chatstore: max_seqno: %w", err)
	}
	if !seqno.Valid {
		return 0, false, nil
	}
	return uint32(seqno.Int64), true, nil
}

// ListChannels returns every distinct channel with at least one stored row.
func (s *Store) ListChannels() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT channel FROM chat_rows ORDER BY channel ASC`)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list_channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("chatstore: list_channels scan: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Exporter iterates every row of a channel in display order.
type Exporter struct {
	rows *sql.Rows
	cur  Row
	err  error
}

// Next advances the exporter, returning false when exhausted or on error.
func (e *Exporter) Next() bool {
	if e.err != nil || !e.rows.Next() {
		return false
	}
	var originHex string
	if e.err = e.rows.Scan(&originHex, &e.cur.Seqno, &e.cur.Channel, &e.cur.Nick, &e.cur.Text, &e.cur.CreatedTS, &e.cur.LocalInsertTS); e.err != nil {
		return false
	}
	id, err := callsign.ParseHex(originHex)
	if err != nil {
		e.err = fmt.Errorf("chatstore: export: %w", err)
		return false
	}
	e.cur.OriginID = id
	return true
}

// Row returns the row loaded by the most recent successful Next call.
func (e *Exporter) Row() Row { return e.cur }

// Err returns the first error encountered, if any.
func (e *Exporter) Err() error {
	if e.err != nil {
		return e.err
	}
	return e.rows.Err()
}

// Close releases the underlying query's resources.
func (e *Exporter) Close() error { return e.rows.Close() }

// Export returns an Exporter over every row of channel, in display order.
func (s *Store) Export(channel string) (*Exporter, error) {
	rows, err := s.db.Query(
		`SELECT origin_id, seqno, channel, nick, text, created_ts, local_insert_ts
		 FROM chat_rows WHERE channel = ?
		 ORDER BY created_ts ASC, origin_id ASC, seqno ASC`,
		channel,
	)
	if err != nil {
		return nil, fmt.Errorf("chatstore: export: %w", err)
	}
	return &Exporter{rows: rows}, nil
}

// SyncState is one (channel, origin) pair's persisted gap-detector
// bookkeeping.
type SyncState struct {
	Channel           string
	OriginID          callsign.ID
	HighestContiguous uint32
}

// SaveSyncState upserts the gap detector's highest-contiguous-seqno
// bookmark for (channel, origin), so a restart resumes instead of
// re-suspecting every gap from scratch.
func (s *Store) SaveSyncState(channel string, origin callsign.ID, highestContiguous uint32) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_state(channel, origin_id, highest_contiguous) VALUES (?, ?, ?)
		 ON CONFLICT(channel, origin_id) DO UPDATE SET highest_contiguous = excluded.highest_contiguous`,
		channel, origin.Hex(), highestContiguous,
	)
	if err != nil {
		return fmt.Errorf("chatstore: save_sync_state: %w", err)
	}
	return nil
}

// LoadSyncState returns every persisted gap-detector bookmark, for the
// Sync Engine to prime its in-memory tracker at startup.
func (s *Store) LoadSyncState() ([]SyncState, error) {
	rows, err := s.db.Query(`SELECT channel, origin_id, highest_contiguous FROM sync_state`)
	if err != nil {
		return nil, fmt.Errorf("chatstore: load_sync_state: %w", err)
	}
	defer rows.Close()

	var out []SyncState
	for rows.Next() {
		var st SyncState
		var originHex string
		if err := rows.Scan(&st.Channel, &originHex, &st.HighestContiguous); err != nil {
			return nil, fmt.Errorf("chatstore: load_sync_state scan: %w", err)
		}
		id, err := callsign.ParseHex(originHex)
		if err != nil {
			return nil, fmt.Errorf("chatstore: load_sync_state: %w", err)
		}
		st.OriginID = id
		out = append(out, st)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes rows with created_ts strictly before cutoff
// (a unix-second timestamp), implementing chat.retention.days. It returns
// the number of rows removed.
func (s *Store) PruneOlderThan(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM chat_rows WHERE created_ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("chatstore: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("chatstore: prune rows affected: %w", err)
	}
	return n, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var originHex string
		if err := rows.Scan(&originHex, &r.Seqno, &r.Channel, &r.Nick, &r.Text, &r.CreatedTS, &r.LocalInsertTS); err != nil {
			return nil, fmt.Errorf("chatstore: scan: %w", err)
		}
		id, err := callsign.ParseHex(originHex)
		if err != nil {
			return nil, fmt.Errorf("chatstore: scan origin: %w", err)
		}
		r.OriginID = id
		out = append(out, r)
	}
	return out, rows.Err()
}
