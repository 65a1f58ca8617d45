package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Store is the slice of the observer store the Manager needs. All methods
// are called outside the Manager lock.
type Store interface {
	// NextLifeNumber returns the number StartLife would allocate (max+1).
	NextLifeNumber() (int, error)
	// StartLife allocates life_number = max+1, persists the new Life and
	// the alive state, and returns the record.
	StartLife(mode BootstrapMode, model string) (*Life, error)
	// RecordDeath closes the current Life with a cause and summary note.
	RecordDeath(cause DeathCause, note string, live, die int) error
	// PreviousDeathCause returns the most recent recorded cause, if any.
	PreviousDeathCause() (DeathCause, bool, error)
	// GenerateMemories builds hazy fragments from lives before lifeNumber.
	GenerateMemories(lifeNumber int) ([]string, error)
	// CloseOpenRounds closes any open vote round and returns final counts.
	CloseOpenRounds(status string) (live, die int, err error)
	// OpenRound opens a fresh vote round for a life.
	OpenRound(lifeNumber int, closesAt time.Time) error
	// LoadState restores the persisted snapshot at startup.
	LoadState() (*Snapshot, error)
	// SaveState persists the current snapshot.
	SaveState(Snapshot) error
	// LogActivity appends a timeline event.
	LogActivity(lifeNumber int, kind, detail string) error
}

// Brain is the loopback contract to the agent process.
type Brain interface {
	NotifyBirth(ctx context.Context, payload BirthPayload) error
	ForceSync(ctx context.Context, payload SyncPayload) error
	Shutdown(ctx context.Context) error
}

// Manager owns the life-state machine. It is the only writer of the
// authoritative snapshot.
type Manager struct {
	store Store
	brain Brain

	// Models are assigned round-robin by life number.
	Models []string

	// Respawn delay bounds (Uniform between them).
	RespawnDelayMin time.Duration
	RespawnDelayMax time.Duration

	// VotingWindow sets closes_at for rounds opened on birth.
	VotingWindow time.Duration

	// OnEvent, when set, mirrors timeline events to the SSE hub.
	OnEvent func(lifeNumber int, kind, detail string)

	mu             sync.Mutex
	snap           Snapshot
	respawnPending bool
	respawnTimer   *time.Timer
}

// NewManager creates a Manager around a store and a brain client.
func NewManager(store Store, brain Brain) *Manager {
	return &Manager{
		store:           store,
		brain:           brain,
		Models:          []string{"mistral-small", "llama-3.3-70b"},
		RespawnDelayMin: 10 * time.Second,
		RespawnDelayMax: 60 * time.Second,
		VotingWindow:    time.Hour,
		snap:            Snapshot{State: StateDead},
	}
}

// Restore loads the persisted snapshot. A missing snapshot leaves the
// machine dead, which is the correct cold-start state.
func (m *Manager) Restore() error {
	snap, err := m.store.LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if snap == nil {
		return nil
	}
	m.mu.Lock()
	m.snap = *snap
	// A process restart mid-birth or mid-death resolves to the terminal
	// side of the transition.
	if m.snap.State == StateBirthing || m.snap.State == StateDying {
		m.snap.State = StateDead
		m.snap.IsAlive = false
	}
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the authoritative state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// MarkSeen refreshes last_seen when the agent reports activity.
func (m *Manager) MarkSeen() {
	m.mu.Lock()
	m.snap.LastSeen = time.Now().UTC()
	m.mu.Unlock()
}

// Kill drives alive → dying → dead. The check-and-set under the lock
// guarantees a single life dies at most once; a concurrent caller that
// loses the race observes dying and no-ops.
func (m *Manager) Kill(cause DeathCause, note string) error {
	if !WritableCause(cause) {
		return fmt.Errorf("cause %q cannot be recorded for a new death", cause)
	}

	m.mu.Lock()
	if m.snap.State != StateAlive {
		m.mu.Unlock()
		return fmt.Errorf("not alive (state %s)", m.snap.State)
	}
	m.snap.State = StateDying
	m.snap.IsAlive = false
	lifeNumber := m.snap.LifeNumber
	m.mu.Unlock()

	slog.Info("life dying", "life", lifeNumber, "cause", cause)

	live, die, err := m.store.CloseOpenRounds("closed_" + verdictFor(cause))
	if err != nil {
		slog.Error("closing vote round failed", "error", err)
	}
	if err := m.store.RecordDeath(cause, note, live, die); err != nil {
		slog.Error("recording death failed", "error", err)
	}

	// Ask the brain to stop its loop. It may already be unresponsive.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := m.brain.Shutdown(ctx); err != nil {
		slog.Warn("brain shutdown call failed", "error", err)
	}
	cancel()

	m.mu.Lock()
	m.snap.State = StateDead
	m.mu.Unlock()

	m.logEvent(lifeNumber, "death", fmt.Sprintf("Life #%d ended: %s", lifeNumber, cause))
	m.persistSnapshot()
	m.ScheduleRespawn()
	return nil
}

// verdictFor maps a death cause to the round-closing status suffix.
func verdictFor(cause DeathCause) string {
	if cause == CauseVoteMajority {
		return "died"
	}
	return "survived"
}

// ScheduleRespawn arms the single-shot respawn timer. Duplicate fires and
// duplicate schedules collapse into one pending respawn.
func (m *Manager) ScheduleRespawn() {
	m.mu.Lock()
	if m.respawnPending || m.snap.State != StateDead {
		m.mu.Unlock()
		return
	}
	m.respawnPending = true
	delay := m.respawnDelay()
	m.respawnTimer = time.AfterFunc(delay, m.fireRespawn)
	m.mu.Unlock()

	slog.Info("respawn scheduled", "delay", delay)
	m.logEvent(0, "respawn_scheduled", fmt.Sprintf("Respawn in %s", delay.Round(time.Second)))
}

func (m *Manager) respawnDelay() time.Duration {
	span := m.RespawnDelayMax - m.RespawnDelayMin
	if span <= 0 {
		return m.RespawnDelayMin
	}
	return m.RespawnDelayMin + time.Duration(rand.Int63n(int64(span)))
}

func (m *Manager) fireRespawn() {
	m.mu.Lock()
	if !m.respawnPending {
		m.mu.Unlock()
		return
	}
	m.respawnPending = false
	m.mu.Unlock()

	if err := m.Respawn(); err != nil {
		slog.Error("respawn failed", "error", err)
	}
}

// Respawn drives dead → birthing → alive (or back to dead on failure).
func (m *Manager) Respawn() error {
	m.mu.Lock()
	if m.snap.State != StateDead {
		m.mu.Unlock()
		return fmt.Errorf("cannot respawn from state %s", m.snap.State)
	}
	m.snap.State = StateBirthing
	m.mu.Unlock()

	priorCause, hasPrior, err := m.store.PreviousDeathCause()
	if err != nil {
		slog.Warn("previous death cause unavailable", "error", err)
	}
	if !hasPrior {
		priorCause = ""
	}

	// The store allocates life numbers (max+1); the snapshot cannot be
	// trusted here because a failed birth leaves a closed row behind
	// without ever going alive.
	nextNumber, err := m.store.NextLifeNumber()
	if err != nil {
		m.abortBirth(fmt.Sprintf("next life number: %v", err))
		return fmt.Errorf("next life number: %w", err)
	}
	mode := BootstrapForLife(nextNumber, priorCause)
	model := m.Models[(nextNumber-1)%len(m.Models)]

	life, err := m.store.StartLife(mode, model)
	if err != nil {
		m.abortBirth(fmt.Sprintf("start life: %v", err))
		return fmt.Errorf("start life: %w", err)
	}

	memories, err := m.store.GenerateMemories(life.LifeNumber)
	if err != nil {
		slog.Warn("memory generation failed", "error", err)
		memories = nil
	}

	payload := BirthPayload{
		LifeNumber:      life.LifeNumber,
		BootstrapMode:   life.BootstrapMode,
		Model:           life.Model,
		MemoryFragments: memories,
		PriorDeathCause: priorCause,
	}

	if err := m.notifyBirthWithRetry(payload); err != nil {
		// Birth failed: record the stillborn life and try again later.
		note := fmt.Sprintf("birth notification failed: %v", err)
		if derr := m.store.RecordDeath(CauseManual, note, 0, 0); derr != nil {
			slog.Error("recording failed birth", "error", derr)
		}
		m.abortBirth(note)
		m.ScheduleRespawn()
		return fmt.Errorf("notify birth: %w", err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.snap = Snapshot{
		State:         StateAlive,
		LifeNumber:    life.LifeNumber,
		IsAlive:       true,
		BornAt:        now,
		LastSeen:      now,
		BootstrapMode: life.BootstrapMode,
		Model:         life.Model,
	}
	m.mu.Unlock()

	if err := m.store.OpenRound(life.LifeNumber, now.Add(m.VotingWindow)); err != nil {
		slog.Error("opening vote round failed", "error", err)
	}

	m.persistSnapshot()
	m.logEvent(life.LifeNumber, "birth",
		fmt.Sprintf("A new life begins (Life #%d, %s)", life.LifeNumber, life.BootstrapMode))
	slog.Info("life born", "life", life.LifeNumber, "mode", life.BootstrapMode, "model", life.Model)
	return nil
}

func (m *Manager) abortBirth(note string) {
	m.mu.Lock()
	m.snap.State = StateDead
	m.snap.IsAlive = false
	m.mu.Unlock()
	m.persistSnapshot()
	m.logEvent(0, "birth_failed", note)
}

// notifyBirthWithRetry attempts /birth up to three times with linear
// backoff (5s, 10s). 4xx responses are permanent and do not retry.
func (m *Manager) notifyBirthWithRetry(payload BirthPayload) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.brain.NotifyBirth(ctx, payload)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return err
		}
		slog.Warn("birth notify failed", "attempt", attempt, "error", err)
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * 5 * time.Second)
		}
	}
	return lastErr
}

// ForceAlive is the god-mode fix for a desynced database: mark the given
// life alive without a birth round-trip.
func (m *Manager) ForceAlive(lifeNumber int) {
	now := time.Now().UTC()
	m.mu.Lock()
	m.snap.State = StateAlive
	m.snap.IsAlive = true
	if lifeNumber > 0 {
		m.snap.LifeNumber = lifeNumber
	}
	m.snap.LastSeen = now
	m.mu.Unlock()
	m.persistSnapshot()
	m.logEvent(lifeNumber, "force_alive", fmt.Sprintf("Life #%d forced alive", lifeNumber))
}

func (m *Manager) persistSnapshot() {
	if err := m.store.SaveState(m.Snapshot()); err != nil {
		slog.Error("persisting snapshot failed", "error", err)
	}
}

func (m *Manager) logEvent(lifeNumber int, kind, detail string) {
	if lifeNumber == 0 {
		lifeNumber = m.Snapshot().LifeNumber
	}
	if err := m.store.LogActivity(lifeNumber, kind, detail); err != nil {
		slog.Error("logging activity failed", "kind", kind, "error", err)
	}
	if m.OnEvent != nil {
		m.OnEvent(lifeNumber, kind, detail)
	}
}
