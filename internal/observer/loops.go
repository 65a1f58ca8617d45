package observer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/amialive/internal/credit"
	"github.com/talgya/amialive/internal/lifecycle"
	"github.com/talgya/amialive/internal/voting"
)

// voteCheckInterval is how often due rounds are adjudicated. Short, so
// a round closes within seconds of its window passing.
const voteCheckInterval = 5 * time.Second

// oracleFlushInterval retries delivery of queued operator messages.
const oracleFlushInterval = 15 * time.Second

// RunLoops starts the observer's background loops and blocks until the
// context is cancelled.
func (s *Server) RunLoops(ctx context.Context, syncInterval, budgetInterval time.Duration) {
	sync := time.NewTicker(syncInterval)
	votes := time.NewTicker(voteCheckInterval)
	budget := time.NewTicker(budgetInterval)
	oracle := time.NewTicker(oracleFlushInterval)
	defer sync.Stop()
	defer votes.Stop()
	defer budget.Stop()
	defer oracle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sync.C:
			s.runSyncValidator(ctx)
		case <-votes.C:
			s.adjudicateDueRounds()
		case <-budget.C:
			s.checkBudget(ctx)
		case <-oracle.C:
			s.deliverPendingOracle(ctx)
		}
	}
}

// runSyncValidator reconciles the brain's self-view with the observer's
// authoritative state. The observer always wins: a confused brain gets
// force-synced, a zombie brain gets shut down, and an unreachable brain
// is only logged. Unreachability is never a death sentence; the network
// flaking must not kill the entity.
func (s *Server) runSyncValidator(ctx context.Context) {
	snap := s.mgr.Snapshot()
	if snap.State == lifecycle.StateBirthing || snap.State == lifecycle.StateDying {
		// Mid-transition views are expected to disagree.
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	view, err := s.brain.State(callCtx)
	cancel()
	if err != nil {
		if snap.IsAlive {
			slog.Warn("sync validator: brain unreachable", "life", snap.LifeNumber, "error", err)
		}
		return
	}

	switch {
	case snap.IsAlive && (!view.IsAlive || view.LifeNumber != snap.LifeNumber):
		slog.Warn("sync validator: brain view diverged, forcing sync",
			"observer_life", snap.LifeNumber, "brain_life", view.LifeNumber,
			"brain_alive", view.IsAlive)
		// The rebuilt life gets the same fragments its birth carried.
		memories, err := s.db.Memories(snap.LifeNumber)
		if err != nil {
			slog.Warn("sync validator: loading memories failed", "life", snap.LifeNumber, "error", err)
		}
		payload := lifecycle.SyncPayload{
			LifeNumber:      snap.LifeNumber,
			IsAlive:         true,
			BootstrapMode:   snap.BootstrapMode,
			Model:           snap.Model,
			MemoryFragments: memories,
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.brain.ForceSync(callCtx, payload); err != nil {
			slog.Error("sync validator: force-sync failed", "error", err)
		} else {
			s.metrics.SyncRepairs.Inc()
		}
		cancel()

	case !snap.IsAlive && view.Running:
		slog.Warn("sync validator: brain running while entity dead, shutting down",
			"brain_life", view.LifeNumber)
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.brain.Shutdown(callCtx); err != nil {
			slog.Error("sync validator: shutdown failed", "error", err)
		} else {
			s.metrics.SyncRepairs.Inc()
		}
		cancel()
	}
}

// adjudicateDueRounds closes any round whose window has passed. A death
// verdict goes through the manager (which closes the round itself); a
// survival closes the round and opens the next one for the same life.
func (s *Server) adjudicateDueRounds() {
	now := time.Now().UTC()
	round, err := s.db.DueRound(now)
	if err != nil {
		slog.Error("loading due round failed", "error", err)
		return
	}
	if round == nil {
		return
	}

	verdict := voting.Adjudicate(round.Live, round.Die)
	slog.Info("vote round due", "round", round.ID, "live", round.Live, "die", round.Die, "verdict", verdict)

	if verdict == voting.VerdictDie {
		note := fmt.Sprintf("the vote ended it: %d die to %d live", round.Die, round.Live)
		s.killForCause(lifecycle.CauseVoteMajority, note)
		return
	}

	if err := s.db.CloseRound(round.ID, voting.RoundSurvived); err != nil {
		slog.Error("closing round failed", "round", round.ID, "error", err)
		return
	}
	detail := fmt.Sprintf("The vote passed: %d live, %d die. Life continues.", round.Live, round.Die)
	if err := s.db.LogActivity(round.LifeNumber, "vote_survived", detail); err != nil {
		slog.Error("logging survival failed", "error", err)
	}
	s.hub.Publish(round.LifeNumber, "vote_survived", detail)

	if s.mgr.Snapshot().IsAlive {
		if err := s.db.OpenRound(round.LifeNumber, now.Add(s.mgr.VotingWindow)); err != nil {
			slog.Error("opening next round failed", "error", err)
		}
	}
}

// checkBudget polls the agent's ledger and judges bankruptcy. Failure is
// conservative: an unreachable agent is a network problem, not a death
// sentence, so only a successfully read balance at or below the
// threshold kills.
func (s *Server) checkBudget(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	report, err := s.brain.Budget(callCtx)
	cancel()
	if err != nil {
		slog.Warn("budget poll failed, keeping last verdict", "error", err)
		return
	}

	s.setBudget(report)
	s.metrics.BalanceUSD.Set(report.BalanceUSD)

	if credit.Bankrupt(report.BalanceUSD) && s.mgr.Snapshot().IsAlive {
		slog.Warn("budget poller found bankruptcy", "balance", report.BalanceUSD)
		s.killForCause(lifecycle.CauseBankruptcy, "the budget ran out")
	}
}

// deliverPendingOracle flushes queued operator messages to a living brain.
func (s *Server) deliverPendingOracle(ctx context.Context) {
	if !s.mgr.Snapshot().IsAlive {
		return
	}

	pending, err := s.db.PendingOracle()
	if err != nil {
		slog.Error("loading pending oracle messages failed", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	var delivered []string
	for _, msg := range pending {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.brain.Oracle(callCtx, msg.Kind, msg.Body)
		cancel()
		if err != nil {
			slog.Warn("oracle delivery failed", "id", msg.ID, "error", err)
			break
		}
		delivered = append(delivered, msg.ID)
	}

	if len(delivered) > 0 {
		if err := s.db.MarkOracleDelivered(delivered); err != nil {
			slog.Error("marking oracle delivered failed", "error", err)
		}
		slog.Info("oracle messages delivered", "count", len(delivered))
	}
}
