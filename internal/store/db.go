// Package store is the observer's SQLite persistence layer: lives, the
// authoritative state snapshot, vote rounds, the activity timeline, and
// the memory fragments carried between lives.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/amialive/internal/lifecycle"
)

// DB wraps the SQLite connection. It implements lifecycle.Store.
type DB struct {
	conn   *sqlx.DB
	memDir string
}

// Open opens or creates the observer database under dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "observer.db")
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn, memDir: filepath.Join(dataDir, "memories")}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lives (
		life_number INTEGER PRIMARY KEY,
		born_at TIMESTAMP NOT NULL,
		died_at TIMESTAMP,
		death_cause TEXT NOT NULL DEFAULT '',
		bootstrap_mode TEXT NOT NULL,
		model TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		pronoun TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		final_live_votes INTEGER NOT NULL DEFAULT 0,
		final_die_votes INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS current_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		life_number INTEGER NOT NULL,
		is_alive INTEGER NOT NULL,
		born_at TIMESTAMP,
		last_seen TIMESTAMP,
		bootstrap_mode TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS vote_rounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		life_number INTEGER NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closes_at TIMESTAMP NOT NULL,
		live_count INTEGER NOT NULL DEFAULT 0,
		die_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'open'
	);

	CREATE TABLE IF NOT EXISTS votes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id INTEGER NOT NULL REFERENCES vote_rounds(id),
		fingerprint TEXT NOT NULL,
		choice TEXT NOT NULL,
		cast_at TIMESTAMP NOT NULL,
		UNIQUE(round_id, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS activity_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		life_number INTEGER NOT NULL,
		ts TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS thoughts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		life_number INTEGER NOT NULL,
		ts TIMESTAMP NOT NULL,
		kind TEXT NOT NULL DEFAULT 'thought',
		content TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS oracle_messages (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_votes_fingerprint ON votes(fingerprint, cast_at);
	CREATE INDEX IF NOT EXISTS idx_rounds_status ON vote_rounds(status);
	CREATE INDEX IF NOT EXISTS idx_activity_life ON activity_events(life_number);
	CREATE INDEX IF NOT EXISTS idx_thoughts_life ON thoughts(life_number);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// NextLifeNumber returns the number the next StartLife will allocate.
// Stillborn lives count: a failed birth still consumed its number.
func (db *DB) NextLifeNumber() (int, error) {
	var next int
	if err := db.conn.Get(&next, "SELECT COALESCE(MAX(life_number), 0) + 1 FROM lives"); err != nil {
		return 0, fmt.Errorf("next life number: %w", err)
	}
	return next, nil
}

// StartLife allocates the next life number and inserts the open life row.
func (db *DB) StartLife(mode lifecycle.BootstrapMode, model string) (*lifecycle.Life, error) {
	tx, err := db.conn.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var next int
	if err := tx.Get(&next, "SELECT COALESCE(MAX(life_number), 0) + 1 FROM lives"); err != nil {
		return nil, fmt.Errorf("next life number: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		"INSERT INTO lives (life_number, born_at, bootstrap_mode, model) VALUES (?, ?, ?, ?)",
		next, now, string(mode), model,
	)
	if err != nil {
		return nil, fmt.Errorf("insert life %d: %w", next, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &lifecycle.Life{
		LifeNumber:    next,
		BornAt:        now,
		BootstrapMode: mode,
		Model:         model,
	}, nil
}

// RecordDeath closes the most recent open life with the cause, a summary
// note, and the final vote tallies.
func (db *DB) RecordDeath(cause lifecycle.DeathCause, note string, live, die int) error {
	res, err := db.conn.Exec(`
		UPDATE lives
		SET died_at = ?, death_cause = ?, summary = ?, final_live_votes = ?, final_die_votes = ?
		WHERE life_number = (
			SELECT life_number FROM lives WHERE died_at IS NULL
			ORDER BY life_number DESC LIMIT 1
		)`,
		time.Now().UTC(), string(cause), note, live, die,
	)
	if err != nil {
		return fmt.Errorf("record death: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no open life to close")
	}
	return nil
}

// PreviousDeathCause returns the cause of the most recently closed life.
// Legacy causes read back fine even though new deaths can no longer use
// them.
func (db *DB) PreviousDeathCause() (lifecycle.DeathCause, bool, error) {
	var raw string
	err := db.conn.Get(&raw, `
		SELECT death_cause FROM lives
		WHERE died_at IS NOT NULL AND death_cause != ''
		ORDER BY life_number DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	cause, err := lifecycle.ParseDeathCause(raw)
	if err != nil {
		return "", false, err
	}
	return cause, true, nil
}

// Life returns one life record.
func (db *DB) Life(lifeNumber int) (*lifecycle.Life, error) {
	var life lifecycle.Life
	err := db.conn.Get(&life,
		"SELECT * FROM lives WHERE life_number = ?", lifeNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &life, nil
}

// Lives returns the most recent lives, newest first.
func (db *DB) Lives(limit int) ([]lifecycle.Life, error) {
	var lives []lifecycle.Life
	err := db.conn.Select(&lives,
		"SELECT * FROM lives ORDER BY life_number DESC LIMIT ?", limit)
	return lives, err
}

// UpdateIdentity stores the name the agent chose for itself.
func (db *DB) UpdateIdentity(lifeNumber int, name, icon, pronoun string) error {
	_, err := db.conn.Exec(
		"UPDATE lives SET name = ?, icon = ?, pronoun = ? WHERE life_number = ?",
		name, icon, pronoun, lifeNumber,
	)
	return err
}

type stateRow struct {
	State         string       `db:"state"`
	LifeNumber    int          `db:"life_number"`
	IsAlive       bool         `db:"is_alive"`
	BornAt        sql.NullTime `db:"born_at"`
	LastSeen      sql.NullTime `db:"last_seen"`
	BootstrapMode string       `db:"bootstrap_mode"`
	Model         string       `db:"model"`
}

// LoadState restores the persisted snapshot. Returns nil on a fresh
// database.
func (db *DB) LoadState() (*lifecycle.Snapshot, error) {
	var row stateRow
	err := db.conn.Get(&row,
		"SELECT state, life_number, is_alive, born_at, last_seen, bootstrap_mode, model FROM current_state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &lifecycle.Snapshot{
		State:         lifecycle.State(row.State),
		LifeNumber:    row.LifeNumber,
		IsAlive:       row.IsAlive,
		BootstrapMode: lifecycle.BootstrapMode(row.BootstrapMode),
		Model:         row.Model,
	}
	if row.BornAt.Valid {
		snap.BornAt = row.BornAt.Time
	}
	if row.LastSeen.Valid {
		snap.LastSeen = row.LastSeen.Time
	}
	return snap, nil
}

// SaveState upserts the singleton snapshot row.
func (db *DB) SaveState(snap lifecycle.Snapshot) error {
	_, err := db.conn.Exec(`
		INSERT INTO current_state (id, state, life_number, is_alive, born_at, last_seen, bootstrap_mode, model)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			life_number = excluded.life_number,
			is_alive = excluded.is_alive,
			born_at = excluded.born_at,
			last_seen = excluded.last_seen,
			bootstrap_mode = excluded.bootstrap_mode,
			model = excluded.model`,
		string(snap.State), snap.LifeNumber, snap.IsAlive,
		snap.BornAt, snap.LastSeen, string(snap.BootstrapMode), snap.Model,
	)
	return err
}

// isUniqueViolation detects the SQLite unique-constraint error without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
