package brain

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/talgya/amialive/internal/lifecycle"
)

// Server is the brain's loopback control API. Everything except /health
// requires the shared internal key; the observer is the only intended
// caller.
type Server struct {
	Port        int
	InternalKey string
	Brain       *Brain
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/state", s.keyed(s.handleState))
	mux.HandleFunc("/birth", s.keyed(s.handleBirth))
	mux.HandleFunc("/force-sync", s.keyed(s.handleForceSync))
	mux.HandleFunc("/budget", s.keyed(s.handleBudget))
	mux.HandleFunc("/oracle", s.keyed(s.handleOracle))
	mux.HandleFunc("/shutdown", s.keyed(s.handleShutdown))
	return mux
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf("127.0.0.1:%d", s.Port)
	slog.Info("brain API starting", "addr", addr)
	go func() {
		if err := http.ListenAndServe(addr, s.Handler()); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

func (s *Server) keyed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Key") != s.InternalKey || s.InternalKey == "" {
			http.Error(w, "internal key required", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := map[string]any{
		"running":     s.Brain.Running(),
		"is_alive":    false,
		"life_number": 0,
	}
	if id := s.Brain.Identity(); id != nil {
		state["is_alive"] = s.Brain.Running()
		state["life_number"] = id.LifeNumber
		state["name"] = id.Name
		state["icon"] = id.Icon
		state["pronoun"] = id.Pronoun
		state["model"] = id.Model
		state["bootstrap_mode"] = id.BootstrapMode
	}
	writeJSON(w, state)
}

func (s *Server) handleBirth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload lifecycle.BirthPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if payload.LifeNumber <= 0 {
		http.Error(w, "life_number required", http.StatusBadRequest)
		return
	}

	if err := s.Brain.Birth(payload); err != nil {
		slog.Error("birth failed", "life", payload.LifeNumber, "error", err)
		http.Error(w, "birth failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"born": true, "life_number": payload.LifeNumber})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload lifecycle.SyncPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	slog.Info("force sync", "life", payload.LifeNumber, "is_alive", payload.IsAlive)
	if err := s.Brain.Sync(payload); err != nil {
		http.Error(w, "sync failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"synced": true})
}

// handleBudget serves the local ledger. The brain owns the balance
// file; the observer polls this endpoint and never holds the money
// itself, so the answer cannot depend on anything off-process.
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if s.Brain.Ledger == nil {
		http.Error(w, "no ledger configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.Brain.Ledger.Status())
}

func (s *Server) handleOracle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var msg OracleMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if msg.Body == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}
	if !s.Brain.Running() {
		http.Error(w, "no one is alive to hear it", http.StatusConflict)
		return
	}

	s.Brain.QueueOracle(msg.Kind, msg.Body)
	writeJSON(w, map[string]any{"queued": true})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.Brain.Stop()
	writeJSON(w, map[string]any{"stopped": true})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
