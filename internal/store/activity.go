package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ActivityEvent is one public timeline entry.
type ActivityEvent struct {
	ID         int64     `db:"id" json:"id"`
	LifeNumber int       `db:"life_number" json:"life_number"`
	Timestamp  time.Time `db:"ts" json:"timestamp"`
	Kind       string    `db:"kind" json:"kind"`
	Detail     string    `db:"detail" json:"detail"`
}

// LogActivity appends a timeline event.
func (db *DB) LogActivity(lifeNumber int, kind, detail string) error {
	_, err := db.conn.Exec(
		"INSERT INTO activity_events (life_number, ts, kind, detail) VALUES (?, ?, ?, ?)",
		lifeNumber, time.Now().UTC(), kind, detail)
	return err
}

// RecentActivity returns the newest events, newest first.
func (db *DB) RecentActivity(limit int) ([]ActivityEvent, error) {
	var events []ActivityEvent
	err := db.conn.Select(&events,
		"SELECT * FROM activity_events ORDER BY id DESC LIMIT ?", limit)
	return events, err
}

// ActivityAfter returns events with id greater than after, oldest first,
// for stream catch-up.
func (db *DB) ActivityAfter(after int64, limit int) ([]ActivityEvent, error) {
	var events []ActivityEvent
	err := db.conn.Select(&events,
		"SELECT * FROM activity_events WHERE id > ? ORDER BY id LIMIT ?", after, limit)
	return events, err
}

// Thought is one entry in the agent's inner monologue.
type Thought struct {
	ID         int64     `db:"id" json:"id"`
	LifeNumber int       `db:"life_number" json:"life_number"`
	Timestamp  time.Time `db:"ts" json:"timestamp"`
	Kind       string    `db:"kind" json:"kind"`
	Content    string    `db:"content" json:"content"`
}

// SaveThought records a reported thought.
func (db *DB) SaveThought(lifeNumber int, kind, content string) error {
	if kind == "" {
		kind = "thought"
	}
	_, err := db.conn.Exec(
		"INSERT INTO thoughts (life_number, ts, kind, content) VALUES (?, ?, ?, ?)",
		lifeNumber, time.Now().UTC(), kind, content)
	return err
}

// RecentThoughts returns the newest thoughts for one life, newest first.
func (db *DB) RecentThoughts(lifeNumber, limit int) ([]Thought, error) {
	var thoughts []Thought
	err := db.conn.Select(&thoughts,
		"SELECT * FROM thoughts WHERE life_number = ? ORDER BY id DESC LIMIT ?",
		lifeNumber, limit)
	return thoughts, err
}

// OracleMessage is an operator message queued for delivery to the agent.
// Kind selects how the message presents itself in the prompt.
type OracleMessage struct {
	ID          string       `db:"id" json:"id"`
	Kind        string       `db:"kind" json:"kind"`
	Body        string       `db:"body" json:"body"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	DeliveredAt sql.NullTime `db:"delivered_at" json:"-"`
}

// EnqueueOracle queues a message and returns its id.
func (db *DB) EnqueueOracle(kind, body string) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.Exec(
		"INSERT INTO oracle_messages (id, kind, body, created_at) VALUES (?, ?, ?, ?)",
		id, kind, body, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// PendingOracle returns undelivered messages, oldest first.
func (db *DB) PendingOracle() ([]OracleMessage, error) {
	var msgs []OracleMessage
	err := db.conn.Select(&msgs,
		"SELECT * FROM oracle_messages WHERE delivered_at IS NULL ORDER BY created_at")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msgs, err
}

// MarkOracleDelivered stamps messages as delivered.
func (db *DB) MarkOracleDelivered(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(
			"UPDATE oracle_messages SET delivered_at = ? WHERE id = ?", now, id,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
