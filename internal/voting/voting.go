// Package voting holds the vote-round rules: adjudication, cooldowns, and
// the typed rejections the public API translates into its error taxonomy.
package voting

import (
	"fmt"
	"time"
)

// MinVotesForDeath is the quorum: below this many total votes a round can
// never kill.
const MinVotesForDeath = 3

// CooldownWindow is the per-fingerprint accepted-vote rate limit across
// all rounds.
const CooldownWindow = time.Hour

// Choice is a vote direction.
type Choice string

const (
	ChoiceLive Choice = "live"
	ChoiceDie  Choice = "die"
)

// ParseChoice validates a submitted choice string.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLive, ChoiceDie:
		return Choice(s), nil
	}
	return "", fmt.Errorf("vote must be 'live' or 'die'")
}

// RoundStatus tracks a round's lifecycle. Transitions only go open → closed_*.
type RoundStatus string

const (
	RoundOpen     RoundStatus = "open"
	RoundSurvived RoundStatus = "closed_survived"
	RoundDied     RoundStatus = "closed_died"
)

// Round is one time-bounded tally bound to a life.
type Round struct {
	ID         int64       `db:"id" json:"id"`
	LifeNumber int         `db:"life_number" json:"life_number"`
	OpenedAt   time.Time   `db:"opened_at" json:"opened_at"`
	ClosesAt   time.Time   `db:"closes_at" json:"closes_at"`
	Live       int         `db:"live_count" json:"live"`
	Die        int         `db:"die_count" json:"die"`
	Status     RoundStatus `db:"status" json:"status"`
}

// Total is the combined vote count.
func (r Round) Total() int { return r.Live + r.Die }

// Verdict is an adjudication outcome.
type Verdict string

const (
	VerdictSurvive Verdict = "survive"
	VerdictDie     Verdict = "die"
)

// Adjudicate applies the death rule: quorum reached AND strictly more die
// than live. An exact tie survives.
func Adjudicate(live, die int) Verdict {
	if live+die >= MinVotesForDeath && die > live {
		return VerdictDie
	}
	return VerdictSurvive
}

// StatusFor maps a verdict to the closing round status.
func StatusFor(v Verdict) RoundStatus {
	if v == VerdictDie {
		return RoundDied
	}
	return RoundSurvived
}

// DuplicateError rejects a second vote from the same fingerprint in the
// same round.
type DuplicateError struct{ RoundID int64 }

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("already voted in round %d", e.RoundID)
}

// CooldownError rejects a vote inside the hourly window.
type CooldownError struct{ Remaining time.Duration }

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active, %s remaining", e.Remaining.Round(time.Second))
}

// NoOpenRoundError rejects a vote when no round is accepting.
type NoOpenRoundError struct{}

func (e *NoOpenRoundError) Error() string { return "no open vote round" }
