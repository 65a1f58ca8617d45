package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Tier splits the catalog into models that cost nothing and models that
// burn the budget.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Model describes one catalog entry. Costs are USD per million tokens.
type Model struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Tier            Tier    `json:"tier"`
	InputCostPer1M  float64 `json:"input_cost_per_1m"`
	OutputCostPer1M float64 `json:"output_cost_per_1m"`
}

// Cost computes the USD price of a completion on this model.
func (m Model) Cost(u Usage) float64 {
	return float64(u.InputTokens)/1e6*m.InputCostPer1M +
		float64(u.OutputTokens)/1e6*m.OutputCostPer1M
}

// DefaultCatalog is the shipping model set. Free-tier entries keep the
// agent alive at zero cost; paid entries are the fallback when the free
// pool degrades.
var DefaultCatalog = []Model{
	{ID: "mistralai/mistral-small-3.1:free", Name: "mistral-small", Tier: TierFree},
	{ID: "meta-llama/llama-3.3-70b-instruct:free", Name: "llama-3.3-70b", Tier: TierFree},
	{ID: "qwen/qwen-2.5-72b-instruct:free", Name: "qwen-2.5-72b", Tier: TierFree},
	{ID: "anthropic/claude-haiku-4-5", Name: "haiku", Tier: TierPaid, InputCostPer1M: 1.00, OutputCostPer1M: 5.00},
	{ID: "openai/gpt-4o-mini", Name: "gpt-4o-mini", Tier: TierPaid, InputCostPer1M: 0.15, OutputCostPer1M: 0.60},
}

// Rotator tracks the current model and rotates away from rate limits and
// repeated failures.
type Rotator struct {
	mu       sync.Mutex
	catalog  []Model
	current  Model
	failures map[string]int
	rng      *rand.Rand
}

// NewRotator builds a rotator over the catalog, starting on the model
// whose short name matches start (or the first free model).
func NewRotator(catalog []Model, start string) *Rotator {
	if len(catalog) == 0 {
		catalog = DefaultCatalog
	}
	r := &Rotator{
		catalog:  catalog,
		failures: make(map[string]int),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.current = catalog[0]
	for _, m := range catalog {
		if m.Name == start || m.ID == start {
			r.current = m
			break
		}
	}
	return r
}

// Current returns the active model.
func (r *Rotator) Current() Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Catalog returns a copy of the model list.
func (r *Rotator) Catalog() []Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Model, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Switch sets the active model by short name or id.
func (r *Rotator) Switch(nameOrID string) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.catalog {
		if m.Name == nameOrID || m.ID == nameOrID {
			r.current = m
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("unknown model %q", nameOrID)
}

// rotateLocked picks a different model, preferring the same tier.
func (r *Rotator) rotateLocked() Model {
	var sameTier, others []Model
	for _, m := range r.catalog {
		if m.ID == r.current.ID {
			continue
		}
		if m.Tier == r.current.Tier {
			sameTier = append(sameTier, m)
		} else {
			others = append(others, m)
		}
	}
	pool := sameTier
	if len(pool) == 0 {
		pool = others
	}
	if len(pool) == 0 {
		return r.current
	}
	r.current = pool[r.rng.Intn(len(pool))]
	return r.current
}

// Rotate switches to a different model in the same tier when possible.
func (r *Rotator) Rotate() Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked()
}

// CompleteWithRotation runs one think-cycle call: on 429 it backs off
// 5s → 10s → 20s and rotates to a different model, giving up after three
// attempts. Non-rate-limit errors rotate without backoff once, then fail.
func (r *Rotator) CompleteWithRotation(ctx context.Context, client *Client, system, prompt string, maxTokens int) (*Completion, Model, error) {
	const maxAttempts = 3
	backoff := 5 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		model := r.Current()
		completion, err := client.Complete(ctx, model.ID, system, prompt, maxTokens)
		if err == nil {
			r.clearFailures(model.ID)
			return completion, model, nil
		}
		lastErr = err

		if IsRateLimited(err) {
			slog.Warn("model rate limited", "model", model.Name, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, model, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			r.Rotate()
			continue
		}

		// Hard failure: count it and move on to another model.
		failures := r.recordFailure(model.ID)
		r.Rotate()
		slog.Warn("model call failed", "model", model.Name, "failures", failures, "attempt", attempt, "error", err)
	}

	return nil, r.Current(), fmt.Errorf("all attempts failed: %w", lastErr)
}

func (r *Rotator) recordFailure(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id]++
	return r.failures[id]
}

func (r *Rotator) clearFailures(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, id)
}
