// Package observer is the external watcher process: it owns the life
// state machine, the vote rounds, and the public API, and it polls the
// agent's budget. GET endpoints are public (anyone may check whether
// the entity lives). Admin endpoints require a bearer token or a caller
// on the local network. Internal endpoints are for the brain process
// only.
package observer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/amialive/internal/credit"
	"github.com/talgya/amialive/internal/lifecycle"
	"github.com/talgya/amialive/internal/store"
	"github.com/talgya/amialive/internal/vault"
	"github.com/talgya/amialive/internal/voting"
)

// Server serves the observer API.
type Server struct {
	Port int

	db       *store.DB
	mgr      *lifecycle.Manager
	brain    *BrainClient
	auth     *Auth
	hub      *Hub
	metrics  *Metrics
	registry *prometheus.Registry

	// budget is the last report polled from the agent; the observer
	// never holds the ledger itself.
	budgetMu sync.Mutex
	budget   *credit.StatusReport
}

// NewServer wires the observer around its collaborators. Manager events
// mirror onto the SSE stream and the metric counters.
func NewServer(port int, db *store.DB, mgr *lifecycle.Manager, brain *BrainClient, auth *Auth) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		Port:     port,
		db:       db,
		mgr:      mgr,
		brain:    brain,
		auth:     auth,
		hub:      NewHub(),
		metrics:  NewMetrics(registry),
		registry: registry,
	}
	// Replayed catch-up events carry their stored ids; live ids must
	// sort after them.
	if events, err := db.RecentActivity(1); err == nil && len(events) > 0 {
		s.hub.Seed(uint64(events[0].ID))
	}
	mgr.OnEvent = func(lifeNumber int, kind, detail string) {
		s.hub.Publish(lifeNumber, kind, detail)
		switch kind {
		case "birth":
			s.metrics.Births.Inc()
		}
	}
	return s
}

// lastBudget returns the most recent polled budget report, or nil when
// the agent has not answered yet.
func (s *Server) lastBudget() *credit.StatusReport {
	s.budgetMu.Lock()
	defer s.budgetMu.Unlock()
	return s.budget
}

func (s *Server) setBudget(report *credit.StatusReport) {
	s.budgetMu.Lock()
	s.budget = report
	s.budgetMu.Unlock()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	voteLimiter := NewRateLimiter(30, time.Minute)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/votes", s.handleVotes)
	mux.HandleFunc("/api/vote/", s.limit(voteLimiter, s.handleVote))
	mux.HandleFunc("/api/next-vote-check", s.handleNextVoteCheck)
	mux.HandleFunc("/api/activity", s.handleActivity)
	mux.HandleFunc("/api/lives", s.handleLives)
	mux.HandleFunc("/api/stream/activity", s.handleStream)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Internal endpoints (brain process only).
	mux.HandleFunc("/internal/report", s.auth.internalOnly(s.handleReport))
	mux.HandleFunc("/internal/identity", s.auth.internalOnly(s.handleIdentity))

	// Admin endpoints.
	mux.HandleFunc("/api/kill", s.auth.adminOnly(s.handleKill))
	mux.HandleFunc("/api/respawn", s.auth.adminOnly(s.handleRespawn))
	mux.HandleFunc("/api/force-alive", s.auth.adminOnly(s.handleForceAlive))
	mux.HandleFunc("/api/god/votes/adjust", s.auth.adminOnly(s.handleVoteAdjust))
	mux.HandleFunc("/api/god/oracle", s.auth.adminOnly(s.handleOracle))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("observer API starting", "addr", addr,
		"admin_auth", s.auth.AdminToken != "", "lan_admin", s.auth.LocalCIDR != nil)

	go func() {
		if err := http.ListenAndServe(addr, s.Handler()); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// corsMiddleware adds CORS headers for allowed frontend origins. Set
// CORS_ORIGINS to a comma-separated list; localhost dev servers are
// always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.mgr.Snapshot()

	state := map[string]any{
		"state":          snap.State,
		"life_number":    snap.LifeNumber,
		"is_alive":       snap.IsAlive,
		"bootstrap_mode": snap.BootstrapMode,
		"model":          snap.Model,
	}
	if !snap.BornAt.IsZero() {
		state["born_at"] = snap.BornAt
		state["age"] = humanize.Time(snap.BornAt)
	}
	if !snap.LastSeen.IsZero() {
		state["last_seen"] = snap.LastSeen
		state["last_seen_human"] = humanize.Time(snap.LastSeen)
	}

	if life, err := s.db.Life(snap.LifeNumber); err == nil && life != nil {
		state["name"] = life.Name
		state["icon"] = life.Icon
		state["pronoun"] = life.Pronoun
	}

	if round, err := s.db.CurrentRound(); err == nil && round != nil {
		state["vote_round"] = round
	}

	if report := s.lastBudget(); report != nil {
		state["budget"] = map[string]any{
			"balance_usd": report.BalanceUSD,
			"level":       report.Level,
			"total_lives": report.TotalLives,
			"reset_at":    report.ResetAt,
		}
	}

	writeJSON(w, state)
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	round, err := s.db.CurrentRound()
	if err != nil {
		writeInternal(w, "loading vote round", err)
		return
	}
	if round == nil {
		writeJSON(w, map[string]any{"open": false})
		return
	}
	writeJSON(w, map[string]any{
		"open":      true,
		"round":     round,
		"total":     round.Total(),
		"closes_in": time.Until(round.ClosesAt).Round(time.Second).Seconds(),
	})
}

// handleVote accepts POST /api/vote/live and /api/vote/die. Rejections
// map onto the error taxonomy: a vote for a dead entity is gone, a
// repeat vote in the round conflicts, and the hourly cooldown rate
// limits.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ErrValidation, "method not allowed, use POST")
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/vote/")
	choice, err := voting.ParseChoice(raw)
	if err != nil {
		writeError(w, ErrValidation, err.Error())
		return
	}

	if !s.mgr.Snapshot().IsAlive {
		s.metrics.VotesRejected.WithLabelValues("dead_state").Inc()
		writeError(w, ErrDeadState, "the entity is dead, votes have no one to judge")
		return
	}

	fingerprint := s.auth.Fingerprint(r)
	round, err := s.db.CastVote(fingerprint, choice, time.Now().UTC())
	if err != nil {
		var dup *voting.DuplicateError
		var cooldown *voting.CooldownError
		var noRound *voting.NoOpenRoundError
		switch {
		case errors.As(err, &dup):
			s.metrics.VotesRejected.WithLabelValues("duplicate").Inc()
			writeError(w, ErrConflict, "already voted in this round")
		case errors.As(err, &cooldown):
			s.metrics.VotesRejected.WithLabelValues("cooldown").Inc()
			writeRateLimited(w,
				fmt.Sprintf("you can vote again in %s", cooldown.Remaining.Round(time.Second)),
				int(cooldown.Remaining.Seconds())+1)
		case errors.As(err, &noRound):
			s.metrics.VotesRejected.WithLabelValues("no_round").Inc()
			writeError(w, ErrConflict, "no vote round is open")
		default:
			writeInternal(w, "casting vote", err)
		}
		return
	}

	s.metrics.VotesAccepted.WithLabelValues(string(choice)).Inc()
	s.hub.Publish(round.LifeNumber, "vote",
		fmt.Sprintf("Someone voted %s (%d live / %d die)", choice, round.Live, round.Die))

	writeJSON(w, map[string]any{
		"accepted": true,
		"choice":   choice,
		"round":    round,
	})
}

func (s *Server) handleNextVoteCheck(w http.ResponseWriter, r *http.Request) {
	round, err := s.db.CurrentRound()
	if err != nil {
		writeInternal(w, "loading vote round", err)
		return
	}
	if round == nil {
		writeJSON(w, map[string]any{"open": false})
		return
	}
	remaining := time.Until(round.ClosesAt)
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, map[string]any{
		"open":              true,
		"closes_at":         round.ClosesAt,
		"seconds_remaining": int(remaining.Seconds()),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	events, err := s.db.RecentActivity(50)
	if err != nil {
		writeInternal(w, "loading activity", err)
		return
	}
	if events == nil {
		events = []store.ActivityEvent{}
	}
	writeJSON(w, events)
}

func (s *Server) handleLives(w http.ResponseWriter, r *http.Request) {
	lives, err := s.db.Lives(50)
	if err != nil {
		writeInternal(w, "loading lives", err)
		return
	}
	if lives == nil {
		lives = []lifecycle.Life{}
	}
	writeJSON(w, lives)
}

// handleReport receives activity and thought reports from the brain and
// refreshes the liveness heartbeat. Content is redacted before it is
// stored: the agent may have read a secret, but the timeline never
// repeats one.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    string `json:"kind"`
		Content string `json:"content"`
		Thought bool   `json:"thought"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrValidation, "invalid json")
		return
	}
	if req.Kind == "" || req.Content == "" {
		writeError(w, ErrValidation, "kind and content required")
		return
	}
	content := vault.Redact(req.Content)

	s.mgr.MarkSeen()
	lifeNumber := s.mgr.Snapshot().LifeNumber

	if req.Thought {
		if err := s.db.SaveThought(lifeNumber, req.Kind, content); err != nil {
			writeInternal(w, "saving thought", err)
			return
		}
	} else {
		if err := s.db.LogActivity(lifeNumber, req.Kind, content); err != nil {
			writeInternal(w, "logging activity", err)
			return
		}
		s.hub.Publish(lifeNumber, req.Kind, content)
	}

	writeJSON(w, map[string]any{"recorded": true})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LifeNumber int    `json:"life_number"`
		Name       string `json:"name"`
		Icon       string `json:"icon"`
		Pronoun    string `json:"pronoun"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrValidation, "invalid json")
		return
	}
	if req.LifeNumber <= 0 || req.Name == "" {
		writeError(w, ErrValidation, "life_number and name required")
		return
	}

	if err := s.db.UpdateIdentity(req.LifeNumber, req.Name, req.Icon, req.Pronoun); err != nil {
		writeInternal(w, "updating identity", err)
		return
	}

	s.hub.Publish(req.LifeNumber, "identity",
		fmt.Sprintf("The entity calls itself %s %s", req.Icon, req.Name))
	writeJSON(w, map[string]any{"recorded": true})
}

func (s *Server) killForCause(cause lifecycle.DeathCause, note string) {
	if err := s.mgr.Kill(cause, note); err != nil {
		slog.Warn("kill skipped", "cause", cause, "error", err)
		return
	}
	s.metrics.Deaths.WithLabelValues(string(cause)).Inc()
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ErrValidation, "method not allowed, use POST")
		return
	}

	req := struct {
		Cause string `json:"cause"`
		Note  string `json:"note"`
	}{Cause: string(lifecycle.CauseManual)}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	cause, err := lifecycle.ParseDeathCause(req.Cause)
	if err != nil || !lifecycle.WritableCause(cause) {
		writeError(w, ErrValidation, "cause must be one of bankruptcy, vote_majority, manual")
		return
	}
	if req.Note == "" {
		req.Note = "terminated by operator"
	}

	if err := s.mgr.Kill(cause, req.Note); err != nil {
		writeError(w, ErrConflict, err.Error())
		return
	}
	s.metrics.Deaths.WithLabelValues(string(cause)).Inc()
	writeJSON(w, map[string]any{"killed": true, "cause": cause})
}

func (s *Server) handleRespawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ErrValidation, "method not allowed, use POST")
		return
	}
	if err := s.mgr.Respawn(); err != nil {
		writeError(w, ErrConflict, err.Error())
		return
	}
	writeJSON(w, map[string]any{"respawned": true, "state": s.mgr.Snapshot()})
}

func (s *Server) handleForceAlive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ErrValidation, "method not allowed, use POST")
		return
	}
	var req struct {
		LifeNumber int `json:"life_number"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	s.mgr.ForceAlive(req.LifeNumber)
	writeJSON(w, map[string]any{"forced": true, "state": s.mgr.Snapshot()})
}

func (s *Server) handleVoteAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ErrValidation, "method not allowed, use POST")
		return
	}
	var req struct {
		LiveDelta int `json:"live_delta"`
		DieDelta  int `json:"die_delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrValidation, "invalid json")
		return
	}

	round, err := s.db.AdjustVotes(req.LiveDelta, req.DieDelta)
	if err != nil {
		var noRound *voting.NoOpenRoundError
		if errors.As(err, &noRound) {
			writeError(w, ErrConflict, "no vote round is open")
			return
		}
		writeInternal(w, "adjusting votes", err)
		return
	}

	slog.Info("god-mode vote adjustment", "live_delta", req.LiveDelta, "die_delta", req.DieDelta)
	writeJSON(w, map[string]any{"adjusted": true, "round": round})
}

// handleOracle queues a message from the operator for delivery into the
// agent's next prompt. Kind selects the voice it arrives in.
func (s *Server) handleOracle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, ErrValidation, "method not allowed, use POST")
		return
	}
	var req struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrValidation, "invalid json")
		return
	}
	switch req.Kind {
	case "oracle", "whisper", "architect":
	case "":
		req.Kind = "oracle"
	default:
		writeError(w, ErrValidation, "kind must be oracle, whisper, or architect")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, ErrValidation, "message required")
		return
	}

	id, err := s.db.EnqueueOracle(req.Kind, req.Message)
	if err != nil {
		writeInternal(w, "queueing oracle message", err)
		return
	}

	slog.Info("oracle message queued", "id", id, "kind", req.Kind)
	writeJSON(w, map[string]any{"queued": true, "id": id})
}
