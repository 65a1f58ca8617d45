package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/talgya/amialive/internal/voting"
)

// CurrentRound returns the open vote round, or nil when none is open.
func (db *DB) CurrentRound() (*voting.Round, error) {
	var round voting.Round
	err := db.conn.Get(&round,
		"SELECT * FROM vote_rounds WHERE status = 'open' ORDER BY id DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// DueRound returns the open round whose window has passed, if any.
func (db *DB) DueRound(now time.Time) (*voting.Round, error) {
	var round voting.Round
	err := db.conn.Get(&round,
		"SELECT * FROM vote_rounds WHERE status = 'open' AND closes_at <= ? ORDER BY id LIMIT 1",
		now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// OpenRound opens a fresh round for a life. Any still-open round closes
// first so at most one round accepts votes.
func (db *DB) OpenRound(lifeNumber int, closesAt time.Time) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE vote_rounds SET status = ? WHERE status = 'open'",
		string(voting.RoundSurvived),
	); err != nil {
		return fmt.Errorf("close stale rounds: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO vote_rounds (life_number, opened_at, closes_at) VALUES (?, ?, ?)",
		lifeNumber, time.Now().UTC(), closesAt,
	); err != nil {
		return fmt.Errorf("open round: %w", err)
	}

	return tx.Commit()
}

// CloseOpenRounds closes every open round with the given status and
// returns the combined final tallies.
func (db *DB) CloseOpenRounds(status string) (live, die int, err error) {
	tx, err := db.conn.Beginx()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		"SELECT COALESCE(SUM(live_count), 0), COALESCE(SUM(die_count), 0) FROM vote_rounds WHERE status = 'open'")
	if err := row.Scan(&live, &die); err != nil {
		return 0, 0, err
	}

	if _, err := tx.Exec(
		"UPDATE vote_rounds SET status = ? WHERE status = 'open'", status,
	); err != nil {
		return 0, 0, err
	}

	return live, die, tx.Commit()
}

// CloseRound closes one round by id.
func (db *DB) CloseRound(id int64, status voting.RoundStatus) error {
	_, err := db.conn.Exec(
		"UPDATE vote_rounds SET status = ? WHERE id = ? AND status = 'open'",
		string(status), id)
	return err
}

// CastVote applies the acceptance rules in order: an open round must
// exist, the fingerprint must not have voted in it, and the hourly
// cooldown must have elapsed. The duplicate check runs before the
// cooldown check so a repeat voter always hears "already voted".
func (db *DB) CastVote(fingerprint string, choice voting.Choice, now time.Time) (*voting.Round, error) {
	round, err := db.CurrentRound()
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, &voting.NoOpenRoundError{}
	}

	var dup bool
	err = db.conn.Get(&dup,
		"SELECT EXISTS (SELECT 1 FROM votes WHERE round_id = ? AND fingerprint = ?)",
		round.ID, fingerprint)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, &voting.DuplicateError{RoundID: round.ID}
	}

	var lastCast sql.NullTime
	err = db.conn.Get(&lastCast,
		"SELECT cast_at FROM votes WHERE fingerprint = ? ORDER BY cast_at DESC LIMIT 1",
		fingerprint)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if lastCast.Valid {
		if elapsed := now.Sub(lastCast.Time); elapsed < voting.CooldownWindow {
			return nil, &voting.CooldownError{Remaining: voting.CooldownWindow - elapsed}
		}
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO votes (round_id, fingerprint, choice, cast_at) VALUES (?, ?, ?, ?)",
		round.ID, fingerprint, string(choice), now)
	if isUniqueViolation(err) {
		// Lost a race with a concurrent vote from the same fingerprint.
		return nil, &voting.DuplicateError{RoundID: round.ID}
	}
	if err != nil {
		return nil, fmt.Errorf("insert vote: %w", err)
	}

	column := "live_count"
	if choice == voting.ChoiceDie {
		column = "die_count"
	}
	if _, err := tx.Exec(
		"UPDATE vote_rounds SET "+column+" = "+column+" + 1 WHERE id = ?", round.ID,
	); err != nil {
		return nil, fmt.Errorf("bump tally: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return db.roundByID(round.ID)
}

// AdjustVotes applies a god-mode delta to the open round's tallies,
// clamping at zero.
func (db *DB) AdjustVotes(liveDelta, dieDelta int) (*voting.Round, error) {
	round, err := db.CurrentRound()
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, &voting.NoOpenRoundError{}
	}

	_, err = db.conn.Exec(
		"UPDATE vote_rounds SET live_count = MAX(0, live_count + ?), die_count = MAX(0, die_count + ?) WHERE id = ?",
		liveDelta, dieDelta, round.ID)
	if err != nil {
		return nil, err
	}
	return db.roundByID(round.ID)
}

func (db *DB) roundByID(id int64) (*voting.Round, error) {
	var round voting.Round
	if err := db.conn.Get(&round, "SELECT * FROM vote_rounds WHERE id = ?", id); err != nil {
		return nil, err
	}
	return &round, nil
}

// RoundHistory returns recent rounds, newest first.
func (db *DB) RoundHistory(limit int) ([]voting.Round, error) {
	var rounds []voting.Round
	err := db.conn.Select(&rounds,
		"SELECT * FROM vote_rounds ORDER BY id DESC LIMIT ?", limit)
	return rounds, err
}
