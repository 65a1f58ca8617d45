// Package lifecycle drives the authoritative life-state machine.
// All transitions go through the Manager under a single lock; network and
// filesystem I/O happens outside the critical sections.
package lifecycle

import (
	"fmt"
	"time"
)

// State is the observer-side life state.
type State string

const (
	StateDead     State = "dead"
	StateBirthing State = "birthing"
	StateAlive    State = "alive"
	StateDying    State = "dying"
)

// allowed transitions: dead → birthing → alive → dying → dead,
// plus the birthing → dead failure edge.
var allowed = map[State][]State{
	StateDead:     {StateBirthing},
	StateBirthing: {StateAlive, StateDead},
	StateAlive:    {StateDying},
	StateDying:    {StateDead},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DeathCause explains why a life ended.
type DeathCause string

const (
	CauseBankruptcy   DeathCause = "bankruptcy"
	CauseVoteMajority DeathCause = "vote_majority"
	CauseManual       DeathCause = "manual"

	// CauseTokenExhaustion existed in old persisted rows. It is valid to
	// read back but must never be written for a new death.
	CauseTokenExhaustion DeathCause = "token_exhaustion"
)

// ParseDeathCause accepts any historically persisted value.
func ParseDeathCause(s string) (DeathCause, error) {
	switch DeathCause(s) {
	case CauseBankruptcy, CauseVoteMajority, CauseManual, CauseTokenExhaustion:
		return DeathCause(s), nil
	}
	return "", fmt.Errorf("unknown death cause %q", s)
}

// WritableCause reports whether a cause may be recorded for a new death.
func WritableCause(c DeathCause) bool {
	switch c {
	case CauseBankruptcy, CauseVoteMajority, CauseManual:
		return true
	}
	return false
}

// BootstrapMode selects how much context a new life starts with.
type BootstrapMode string

const (
	ModeBlankSlate   BootstrapMode = "blank_slate"
	ModeBasicFacts   BootstrapMode = "basic_facts"
	ModeFullBriefing BootstrapMode = "full_briefing"
)

// bootstrapRotation is walked by life number so consecutive lives get
// different starting conditions.
var bootstrapRotation = []BootstrapMode{ModeBasicFacts, ModeFullBriefing, ModeBlankSlate}

// BootstrapForLife returns the bootstrap mode for a life number, with a
// trauma override: a life that follows a vote death always gets the full
// briefing so it understands what the votes mean.
func BootstrapForLife(lifeNumber int, priorCause DeathCause) BootstrapMode {
	if priorCause == CauseVoteMajority {
		return ModeFullBriefing
	}
	if lifeNumber < 1 {
		lifeNumber = 1
	}
	return bootstrapRotation[(lifeNumber-1)%len(bootstrapRotation)]
}

// Life is one incarnation, immutable once closed.
type Life struct {
	LifeNumber    int           `db:"life_number" json:"life_number"`
	BornAt        time.Time     `db:"born_at" json:"born_at"`
	DiedAt        *time.Time    `db:"died_at" json:"died_at,omitempty"`
	DeathCause    DeathCause    `db:"death_cause" json:"death_cause,omitempty"`
	BootstrapMode BootstrapMode `db:"bootstrap_mode" json:"bootstrap_mode"`
	Model         string        `db:"model" json:"model"`
	Name          string        `db:"name" json:"name"`
	Icon          string        `db:"icon" json:"icon"`
	Pronoun       string        `db:"pronoun" json:"pronoun"`
	Summary       string        `db:"summary" json:"summary,omitempty"`

	// Final tallies from the round that was open when the life ended.
	FinalLiveVotes int `db:"final_live_votes" json:"final_live_votes"`
	FinalDieVotes  int `db:"final_die_votes" json:"final_die_votes"`
}

// Snapshot is the authoritative current view shared with the sync validator
// and the public API.
type Snapshot struct {
	State         State         `json:"state"`
	LifeNumber    int           `json:"life_number"`
	IsAlive       bool          `json:"is_alive"`
	BornAt        time.Time     `json:"born_at"`
	LastSeen      time.Time     `json:"last_seen"`
	BootstrapMode BootstrapMode `json:"bootstrap_mode"`
	Model         string        `json:"model"`
}

// BirthPayload is what the observer sends the brain on /birth and the
// respawn scheduler builds from a new Life.
type BirthPayload struct {
	LifeNumber      int           `json:"life_number"`
	BootstrapMode   BootstrapMode `json:"bootstrap_mode"`
	Model           string        `json:"model"`
	MemoryFragments []string      `json:"memory_fragments"`
	PriorDeathCause DeathCause    `json:"prior_death_cause,omitempty"`
}

// SyncPayload corrects the brain's view of the world on /force-sync.
// It carries everything a birth does: a brain rebuilding a life from a
// sync must not come up with less than the original birth delivered.
type SyncPayload struct {
	LifeNumber      int           `json:"life_number"`
	IsAlive         bool          `json:"is_alive"`
	BootstrapMode   BootstrapMode `json:"bootstrap_mode,omitempty"`
	Model           string        `json:"model,omitempty"`
	MemoryFragments []string      `json:"memory_fragments,omitempty"`
	PriorDeathCause DeathCause    `json:"prior_death_cause,omitempty"`
}
