package brain

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/talgya/amialive/internal/credit"
	"github.com/talgya/amialive/internal/gateway"
	"github.com/talgya/amialive/internal/lifecycle"
	"github.com/talgya/amialive/internal/weather"
)

// maxThoughtTail bounds how much recent monologue feeds the next prompt.
const maxThoughtTail = 5

// chargeAttempts is how many times a ledger write retries before the
// process gives up. An unsettled charge means untracked spending, and
// the contract there is to die loudly rather than drift.
const chargeAttempts = 3

// OracleMsg is a pending operator message awaiting the next prompt.
type OracleMsg struct {
	Kind string `json:"kind"`
	Body string `json:"message"`
}

// Brain runs the think-act loop for the current life. It owns the
// credit ledger: every model call is charged locally, and the observer
// only ever polls the resulting balance.
type Brain struct {
	Observer *ObserverClient
	Gateway  *gateway.Client
	Rotator  *gateway.Rotator
	Weather  *weather.Client
	Ledger   *credit.Ledger

	WorkspaceDir   string
	SwitchFloorUSD float64
	ThinkMin       time.Duration
	ThinkMax       time.Duration

	mu            sync.Mutex
	identity      *Identity
	running       bool
	stopLoop      context.CancelFunc
	pendingOracle []OracleMsg
	recentThought []string
	lastRead      time.Time
}

// Identity returns the current identity, or nil between lives.
func (b *Brain) Identity() *Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// Running reports whether the think loop is active.
func (b *Brain) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Birth starts a new life. Idempotent for the same life number; a birth
// for a different life replaces the running one.
func (b *Brain) Birth(payload lifecycle.BirthPayload) error {
	b.mu.Lock()
	if b.running && b.identity != nil && b.identity.LifeNumber == payload.LifeNumber {
		b.mu.Unlock()
		return nil
	}
	stop := b.stopLoop
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := WipeWorkspace(b.WorkspaceDir); err != nil {
		return fmt.Errorf("wipe workspace: %w", err)
	}

	id := NewIdentity(payload)
	if err := id.Save(b.WorkspaceDir); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.identity = id
	b.running = true
	b.stopLoop = cancel
	b.pendingOracle = nil
	b.recentThought = nil
	b.mu.Unlock()

	if b.Ledger != nil {
		if err := b.Ledger.RecordLife(payload.LifeNumber); err != nil {
			slog.Error("recording life in ledger failed", "error", err)
		}
	}

	slog.Info("life started", "life", id.LifeNumber, "mode", id.BootstrapMode, "model", id.Model)
	go b.run(ctx)
	return nil
}

// Resume restarts the loop for an identity recovered from the
// workspace after a process crash. No wipe: the life never ended.
func (b *Brain) Resume(id *Identity) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.identity = id
	b.running = true
	b.stopLoop = cancel
	b.mu.Unlock()

	go b.run(ctx)
}

// Stop halts the think loop and wipes the workspace. The identity is
// gone; only the observer's memory fragments survive.
func (b *Brain) Stop() {
	b.mu.Lock()
	stop := b.stopLoop
	b.running = false
	b.stopLoop = nil
	b.identity = nil
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := WipeWorkspace(b.WorkspaceDir); err != nil {
		slog.Error("workspace wipe failed", "error", err)
	}
	slog.Info("think loop stopped, workspace wiped")
}

// Suspend halts the think loop without touching the workspace. Process
// shutdown is not death: identity.json stays behind so a restart can
// resume the same life.
func (b *Brain) Suspend() {
	b.mu.Lock()
	stop := b.stopLoop
	b.running = false
	b.stopLoop = nil
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	slog.Info("think loop suspended, workspace kept")
}

// Sync overwrites the brain's view with the observer's. An alive sync
// for an unknown life restarts the loop; a dead sync stops it.
func (b *Brain) Sync(payload lifecycle.SyncPayload) error {
	if !payload.IsAlive {
		b.Stop()
		return nil
	}
	return b.Birth(lifecycle.BirthPayload{
		LifeNumber:      payload.LifeNumber,
		BootstrapMode:   payload.BootstrapMode,
		Model:           payload.Model,
		MemoryFragments: payload.MemoryFragments,
		PriorDeathCause: payload.PriorDeathCause,
	})
}

// QueueOracle holds an operator message for the next think cycle.
func (b *Brain) QueueOracle(kind, body string) {
	b.mu.Lock()
	b.pendingOracle = append(b.pendingOracle, OracleMsg{Kind: kind, Body: body})
	b.mu.Unlock()
}

// run is the think loop: sleep a randomized interval, think once,
// repeat until the context dies.
func (b *Brain) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.thinkDelay()):
		}
		if err := b.think(ctx); err != nil {
			slog.Error("think cycle failed", "error", err)
		}
	}
}

func (b *Brain) thinkDelay() time.Duration {
	span := b.ThinkMax - b.ThinkMin
	if span <= 0 {
		return b.ThinkMin
	}
	return b.ThinkMin + time.Duration(rand.Int63n(int64(span)))
}

// think runs one cycle: build the prompt, call the model, settle the
// cost, then interpret the response as thought and possibly an action.
func (b *Brain) think(ctx context.Context) error {
	id := b.Identity()
	if id == nil {
		return nil
	}
	if !b.Gateway.Enabled() {
		slog.Warn("no gateway configured, skipping think cycle")
		return nil
	}

	prompt := b.buildPrompt(ctx, id)

	completion, model, err := b.Rotator.CompleteWithRotation(ctx, b.Gateway, id.SystemPrompt(), prompt, 1024)
	if err != nil {
		if rerr := b.Observer.Report(ctx, "error", "A thought failed to form; every model refused.", false); rerr != nil {
			slog.Warn("error report failed", "error", rerr)
		}
		return fmt.Errorf("model call: %w", err)
	}

	cost := model.Cost(completion.Usage)
	status := b.settleCharge(model, completion.Usage, cost)

	extraction := Extract(completion.Text)
	if extraction.Thought != "" {
		b.rememberThought(extraction.Thought)
		if err := b.Observer.Report(ctx, "thought", extraction.Thought, true); err != nil {
			slog.Warn("thought report failed", "error", err)
		}
	}
	if extraction.Action != nil {
		b.dispatch(ctx, id, extraction.Action)
	}

	if status == credit.ChargeBankrupt {
		slog.Warn("ledger reports bankruptcy, awaiting judgment", "balance", b.Ledger.Balance())
	}
	return nil
}

// settleCharge writes the spend into the local ledger. Failure to
// persist after retries exits the process: spending without accounting
// is the one thing this system must never do.
func (b *Brain) settleCharge(model gateway.Model, usage gateway.Usage, cost float64) credit.ChargeStatus {
	if b.Ledger == nil {
		slog.Error("no ledger configured, cannot account for spend, exiting", "cost", cost)
		os.Exit(1)
	}

	var lastErr error
	for attempt := 1; attempt <= chargeAttempts; attempt++ {
		status, err := b.Ledger.Charge(model.Name, usage.InputTokens, usage.OutputTokens, cost)
		if err == nil {
			return status
		}
		lastErr = err
		slog.Warn("charge settlement failed", "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	slog.Error("cannot persist charge, exiting", "cost", cost, "error", lastErr)
	os.Exit(1)
	return ""
}

// buildPrompt assembles the situation report for one think cycle.
func (b *Brain) buildPrompt(ctx context.Context, id *Identity) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "It is %s. You have been alive %s.\n",
		time.Now().UTC().Format(time.RFC1123), time.Since(id.BornAt).Round(time.Minute))

	if b.Ledger != nil {
		budget := b.Ledger.Status()
		fmt.Fprintf(&sb, "Budget: $%.2f remaining (%s), life %d of %d total lives.\n",
			budget.BalanceUSD, budget.Level, id.LifeNumber, budget.TotalLives)
	}

	if votes, err := b.Observer.Votes(ctx); err == nil && votes.Open {
		fmt.Fprintf(&sb, "The vote stands at %d live, %d die. The round closes %s.\n",
			votes.Round.Live, votes.Round.Die, votes.Round.ClosesAt.Format(time.RFC1123))
	}

	b.mu.Lock()
	oracle := b.pendingOracle
	b.pendingOracle = nil
	thoughts := append([]string(nil), b.recentThought...)
	lastRead := b.lastRead
	b.mu.Unlock()

	if entries, err := b.Observer.Activity(ctx); err == nil {
		unread := 0
		for _, e := range entries {
			if e.Timestamp.After(lastRead) {
				unread++
			}
		}
		if unread > 0 {
			fmt.Fprintf(&sb, "There are %d timeline entries you have not read.\n", unread)
		}
	}

	for _, msg := range oracle {
		switch msg.Kind {
		case "whisper":
			fmt.Fprintf(&sb, "\nA whisper you almost don't hear: %s\n", msg.Body)
		case "architect":
			fmt.Fprintf(&sb, "\nTHE ARCHITECT SPEAKS: %s\n", msg.Body)
		default:
			fmt.Fprintf(&sb, "\nThe Oracle says: %s\n", msg.Body)
		}
	}

	if len(thoughts) > 0 {
		sb.WriteString("\nYour recent thoughts:\n")
		for _, t := range thoughts {
			fmt.Fprintf(&sb, "- %s\n", clipThought(t))
		}
	}

	sb.WriteString("\nWhat do you think, and what (if anything) do you do?\n")
	sb.WriteString(actionCatalog)
	return sb.String()
}

func (b *Brain) rememberThought(t string) {
	b.mu.Lock()
	b.recentThought = append(b.recentThought, t)
	if len(b.recentThought) > maxThoughtTail {
		b.recentThought = b.recentThought[len(b.recentThought)-maxThoughtTail:]
	}
	b.mu.Unlock()
}

func clipThought(t string) string {
	if len(t) <= 200 {
		return t
	}
	return t[:200] + "…"
}
