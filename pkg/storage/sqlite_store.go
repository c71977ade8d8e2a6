package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by every method called before Init.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps an embedded SQLite database holding reference-data snapshots,
// member lists gathered from gateway chunks and purge audit rows.
// It uses modernc.org/sqlite for CGO-less builds.
type Store struct {
	dbPath string
	db     *sql.DB
}

// NewStore creates a new Store pointing to dbPath. Call Init() before using it.
func NewStore(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Init opens the SQLite database, configures pragmas, and ensures the schema exists.
func (s *Store) Init() error {
	if s.db != nil {
		return nil
	}
	if s.dbPath == "" {
		return fmt.Errorf("db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []struct{ stmt, what string }{
		{`PRAGMA journal_mode=WAL;`, "set WAL"},
		{`PRAGMA foreign_keys=ON;`, "enable FKs"},
		{`PRAGMA busy_timeout=5000;`, "set busy_timeout"},
		{`PRAGMA synchronous=NORMAL;`, "set synchronous"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("%s: %w", p.what, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SaveSnapshot stores payload under name, replacing any previous snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, name string, payload []byte, storedAt time.Time) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (name, payload, stored_at) VALUES (?, ?, ?)
         ON CONFLICT(name) DO UPDATE SET payload=excluded.payload, stored_at=excluded.stored_at`,
		name, payload, storedAt.UTC(),
	)
	return err
}

// LoadSnapshot returns the snapshot stored under name. ok is false when none
// exists.
func (s *Store) LoadSnapshot(ctx context.Context, name string) (payload []byte, storedAt time.Time, ok bool, err error) {
	if s.db == nil {
		return nil, time.Time{}, false, ErrNotInitialized
	}
	row := s.db.QueryRowContext(ctx, `SELECT payload, stored_at FROM snapshots WHERE name=?`, name)
	if err := row.Scan(&payload, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, err
	}
	return payload, storedAt, true, nil
}

// DeleteSnapshot removes the snapshot stored under name.
func (s *Store) DeleteSnapshot(ctx context.Context, name string) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name=?`, name)
	return err
}

// MemberRecord is one guild member gathered from a member chunk.
type MemberRecord struct {
	GuildID  string
	UserID   string
	Username string
	Nick     string
	JoinedAt time.Time
	SeenAt   time.Time
}

// UpsertMembers writes members in one transaction.
func (s *Store) UpsertMembers(ctx context.Context, members []MemberRecord) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	if len(members) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO members (guild_id, user_id, username, nick, joined_at, seen_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(guild_id, user_id) DO UPDATE SET
           username=excluded.username,
           nick=excluded.nick,
           joined_at=excluded.joined_at,
           seen_at=excluded.seen_at`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, m := range members {
		if _, err := stmt.ExecContext(ctx, m.GuildID, m.UserID, m.Username, m.Nick, m.JoinedAt.UTC(), m.SeenAt.UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert member %s/%s: %w", m.GuildID, m.UserID, err)
		}
	}
	return tx.Commit()
}

// CountMembers returns how many members are stored for guildID.
func (s *Store) CountMembers(ctx context.Context, guildID string) (int, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM members WHERE guild_id=?`, guildID).Scan(&n)
	return n, err
}

// PurgeRun is an audit row for one channel purge.
type PurgeRun struct {
	ID         int64
	ChannelID  string
	UserID     string
	StartedAt  time.Time
	FinishedAt time.Time
	Deleted    int
	Failed     int
	Skipped    int
	Error      string
}

// RecordPurgeRun inserts r and returns its row ID.
func (s *Store) RecordPurgeRun(ctx context.Context, r PurgeRun) (int64, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO purge_runs (channel_id, user_id, started_at, finished_at, deleted, failed, skipped, error)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ChannelID, r.UserID, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Deleted, r.Failed, r.Skipped, r.Error,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentPurgeRuns returns up to limit runs for channelID, newest first.
func (s *Store) RecentPurgeRuns(ctx context.Context, channelID string, limit int) ([]PurgeRun, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, user_id, started_at, finished_at, deleted, failed, skipped, error
         FROM purge_runs WHERE channel_id=? ORDER BY id DESC LIMIT ?`,
		channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PurgeRun
	for rows.Next() {
		var r PurgeRun
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.UserID, &r.StartedAt, &r.FinishedAt, &r.Deleted, &r.Failed, &r.Skipped, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func ensureSchema(db *sql.DB) error {
	const createSnapshots = `
CREATE TABLE IF NOT EXISTS snapshots (
  name      TEXT PRIMARY KEY,
  payload   BLOB NOT NULL,
  stored_at TIMESTAMP NOT NULL
);`

	const createMembers = `
CREATE TABLE IF NOT EXISTS members (
  guild_id  TEXT NOT NULL,
  user_id   TEXT NOT NULL,
  username  TEXT NOT NULL DEFAULT '',
  nick      TEXT NOT NULL DEFAULT '',
  joined_at TIMESTAMP,
  seen_at   TIMESTAMP NOT NULL,
  PRIMARY KEY (guild_id, user_id)
);`

	const createPurgeRuns = `
CREATE TABLE IF NOT EXISTS purge_runs (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  channel_id  TEXT NOT NULL,
  user_id     TEXT NOT NULL DEFAULT '',
  started_at  TIMESTAMP NOT NULL,
  finished_at TIMESTAMP NOT NULL,
  deleted     INTEGER NOT NULL DEFAULT 0,
  failed      INTEGER NOT NULL DEFAULT 0,
  skipped     INTEGER NOT NULL DEFAULT 0,
  error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_purge_runs_channel ON purge_runs(channel_id, id);`

	for _, stmt := range []string{createSnapshots, createMembers, createPurgeRuns} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
