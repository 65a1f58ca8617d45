// Package credit tracks the agent's USD budget. The ledger file lives under
// the persistent credits directory and deliberately survives death: money is
// part of the meta-game, identity is not.
package credit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// BankruptcyThreshold is the balance at or below which a life ends.
const BankruptcyThreshold = 0.01

// centEpsilon absorbs float drift around the threshold: a balance of
// exactly one cent must read as bankrupt even when subtraction leaves
// it at 0.010000000000000009.
const centEpsilon = 1e-9

// Bankrupt reports whether a balance is at or below the threshold.
func Bankrupt(balance float64) bool {
	return balance <= BankruptcyThreshold+centEpsilon
}

// maxHistory bounds the charge history; long-term totals live in the
// per-model aggregates.
const maxHistory = 100

// ChargeStatus is the outcome of a charge.
type ChargeStatus string

const (
	ChargeOK       ChargeStatus = "ok"
	ChargeBankrupt ChargeStatus = "bankrupt"
)

// HistoryEntry records one model call's cost.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// ledgerData is the persisted JSON shape.
type ledgerData struct {
	MonthlyBudgetUSD float64            `json:"monthly_budget_usd"`
	BalanceUSD       float64            `json:"balance_usd"`
	ResetAt          time.Time          `json:"reset_at"`
	TotalLives       int                `json:"total_lives"`
	SpendByModel     map[string]float64 `json:"spend_by_model"`
	History          []HistoryEntry     `json:"history"`
}

// Ledger is the single writer of the balance file. All mutation happens
// under one lock; the file write is the only I/O inside it, keeping the
// check-then-deduct atomic with respect to concurrent charges.
type Ledger struct {
	path          string
	monthlyBudget float64

	mu   sync.Mutex
	data ledgerData
}

// Open loads or creates the ledger at path.
func Open(path string, monthlyBudget float64) (*Ledger, error) {
	l := &Ledger{path: path, monthlyBudget: monthlyBudget}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		l.data = ledgerData{
			MonthlyBudgetUSD: monthlyBudget,
			BalanceUSD:       monthlyBudget,
			ResetAt:          nextResetBoundary(time.Now().UTC()),
			SpendByModel:     map[string]float64{},
		}
		if err := l.save(); err != nil {
			return nil, fmt.Errorf("initialize ledger: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read ledger: %w", err)
	default:
		if err := json.Unmarshal(raw, &l.data); err != nil {
			return nil, fmt.Errorf("parse ledger: %w", err)
		}
		if l.data.SpendByModel == nil {
			l.data.SpendByModel = map[string]float64{}
		}
		l.data.MonthlyBudgetUSD = monthlyBudget
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.resetIfDueLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// nextResetBoundary is the first of the next calendar month, UTC.
func nextResetBoundary(now time.Time) time.Time {
	year, month := now.Year(), now.Month()
	if month == time.December {
		return time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
}

// resetIfDueLocked restores the monthly budget when the calendar boundary
// has passed. Caller holds the lock.
func (l *Ledger) resetIfDueLocked() error {
	now := time.Now().UTC()
	if now.Before(l.data.ResetAt) {
		return nil
	}
	l.data.BalanceUSD = l.data.MonthlyBudgetUSD
	l.data.History = nil
	l.data.ResetAt = nextResetBoundary(now)
	return l.save()
}

// Charge deducts a model call's cost. The bankrupt status is returned on
// the charge that crosses the threshold, and the balance never goes
// negative. A write failure is fatal to the caller by contract: the error
// is returned and the deduction is still in memory, so the process should
// exit and let the supervisor restart from the last good file.
func (l *Ledger) Charge(model string, inputTokens, outputTokens int, usd float64) (ChargeStatus, error) {
	if usd < 0 {
		return "", fmt.Errorf("negative charge %.6f", usd)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.resetIfDueLocked(); err != nil {
		return "", err
	}

	newBalance := l.data.BalanceUSD - usd
	if newBalance < 0 {
		newBalance = 0
	}
	l.data.BalanceUSD = newBalance
	l.data.SpendByModel[model] += usd
	l.data.History = append(l.data.History, HistoryEntry{
		Timestamp:    time.Now().UTC(),
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      usd,
	})
	if len(l.data.History) > maxHistory {
		l.data.History = l.data.History[len(l.data.History)-maxHistory:]
	}

	if err := l.save(); err != nil {
		return "", fmt.Errorf("persist charge: %w", err)
	}

	if Bankrupt(newBalance) {
		return ChargeBankrupt, nil
	}
	return ChargeOK, nil
}

// Balance returns the current balance, applying a due reset first. A
// failed reset write surfaces on the next Charge; reads stay cheap.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.resetIfDueLocked()
	return l.data.BalanceUSD
}

// CanAfford reports whether the balance covers an estimated cost with the
// bankruptcy threshold left over.
func (l *Ledger) CanAfford(usd float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !Bankrupt(l.data.BalanceUSD - usd)
}

// RecordLife raises the lives counter to the given life number. Life
// numbers only grow, so a repeated birth notification for the same life
// is a no-op.
func (l *Ledger) RecordLife(lifeNumber int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lifeNumber <= l.data.TotalLives {
		return nil
	}
	l.data.TotalLives = lifeNumber
	return l.save()
}

// ModelSpend is a per-model aggregate for the status report.
type ModelSpend struct {
	Model   string  `json:"model"`
	CostUSD float64 `json:"cost_usd"`
}

// StatusReport is the budget view served on /budget and shown publicly.
type StatusReport struct {
	BalanceUSD       float64        `json:"balance_usd"`
	MonthlyBudgetUSD float64        `json:"monthly_budget_usd"`
	ResetAt          time.Time      `json:"reset_at"`
	Level            string         `json:"level"`
	TotalLives       int            `json:"total_lives"`
	SpendByModel     []ModelSpend   `json:"spend_by_model"`
	HistoryTail      []HistoryEntry `json:"history_tail"`
}

// Status returns the full budget view, top spenders first.
func (l *Ledger) Status() StatusReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	spend := make([]ModelSpend, 0, len(l.data.SpendByModel))
	for model, cost := range l.data.SpendByModel {
		spend = append(spend, ModelSpend{Model: model, CostUSD: cost})
	}
	sort.Slice(spend, func(i, j int) bool { return spend[i].CostUSD > spend[j].CostUSD })

	tail := l.data.History
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	tailCopy := make([]HistoryEntry, len(tail))
	copy(tailCopy, tail)

	return StatusReport{
		BalanceUSD:       l.data.BalanceUSD,
		MonthlyBudgetUSD: l.data.MonthlyBudgetUSD,
		ResetAt:          l.data.ResetAt,
		Level:            levelFor(l.data.BalanceUSD),
		TotalLives:       l.data.TotalLives,
		SpendByModel:     spend,
		HistoryTail:      tailCopy,
	}
}

// levelFor buckets the balance into a mood the prompt builder can use.
func levelFor(balance float64) string {
	switch {
	case Bankrupt(balance):
		return "bankrupt"
	case balance < 0.50:
		return "critical"
	case balance < 1.00:
		return "cautious"
	case balance < 3.00:
		return "moderate"
	default:
		return "comfortable"
	}
}

// save writes the ledger file. Caller holds the lock. The write goes to a
// temp file first so a crash never truncates the real ledger.
func (l *Ledger) save() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
