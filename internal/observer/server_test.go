package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/amialive/internal/lifecycle"
	"github.com/talgya/amialive/internal/store"
)

const (
	testAdminToken  = "admin-secret"
	testInternalKey = "internal-secret"
)

// brainStub fakes the agent's loopback API: a settable ledger balance
// on /budget, a settable self-view on /state, and capture of force-sync
// payloads. Everything else is acknowledged.
type brainStub struct {
	*httptest.Server
	mu      sync.Mutex
	balance float64
	state   map[string]any
	syncs   []lifecycle.SyncPayload
}

func newBrainStub(t *testing.T) *brainStub {
	t.Helper()
	stub := &brainStub{balance: 5.00}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		switch r.URL.Path {
		case "/budget":
			json.NewEncoder(w).Encode(map[string]any{
				"balance_usd":        stub.balance,
				"monthly_budget_usd": 5.00,
				"level":              "comfortable",
				"total_lives":        1,
				"reset_at":           time.Now().UTC().Add(24 * time.Hour),
			})
		case "/state":
			view := stub.state
			if view == nil {
				view = map[string]any{"life_number": 0, "is_alive": false, "running": false}
			}
			json.NewEncoder(w).Encode(view)
		case "/force-sync":
			var payload lifecycle.SyncPayload
			json.NewDecoder(r.Body).Decode(&payload)
			stub.syncs = append(stub.syncs, payload)
			w.Write([]byte(`{"synced": true}`))
		default:
			w.Write([]byte(`{"ok": true}`))
		}
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *brainStub) setBalance(v float64) {
	s.mu.Lock()
	s.balance = v
	s.mu.Unlock()
}

func (s *brainStub) setState(view map[string]any) {
	s.mu.Lock()
	s.state = view
	s.mu.Unlock()
}

func (s *brainStub) capturedSyncs() []lifecycle.SyncPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lifecycle.SyncPayload(nil), s.syncs...)
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	db      *store.DB
	mgr     *lifecycle.Manager
	brain   *brainStub
}

// newTestEnv wires a full observer over a temp database and a stub
// agent that acknowledges every loopback call.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stub := newBrainStub(t)
	brain := NewBrainClient(stub.URL, testInternalKey)
	mgr := lifecycle.NewManager(db, brain)
	mgr.RespawnDelayMin = time.Hour
	mgr.RespawnDelayMax = time.Hour
	require.NoError(t, mgr.Restore())

	auth := NewAuth(testAdminToken, testInternalKey, "test-salt", "", "")
	srv := NewServer(0, db, mgr, brain, auth)

	return &testEnv{srv: srv, handler: srv.Handler(), db: db, mgr: mgr, brain: stub}
}

type reqOpt func(*http.Request)

func asAdmin(r *http.Request)    { r.Header.Set("Authorization", "Bearer "+testAdminToken) }
func asInternal(r *http.Request) { r.Header.Set("X-Internal-Key", testInternalKey) }

func fromIP(ip string) reqOpt {
	return func(r *http.Request) { r.RemoteAddr = ip + ":1234" }
}

func (e *testEnv) do(t *testing.T, method, path, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func requireErrorShape(t *testing.T, rec *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	require.Equal(t, status, rec.Code, "body: %s", rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["error"])
	assert.Equal(t, kind, body["kind"])
	assert.NotEmpty(t, body["message"])
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestStateColdStart(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "dead", body["state"])
	assert.Equal(t, false, body["is_alive"])
	assert.NotContains(t, body, "budget", "no budget shown before the agent has answered a poll")

	// One successful poll and the state view carries the balance.
	e.srv.checkBudget(context.Background())
	rec = e.do(t, "GET", "/api/state", "")
	body = decodeBody(t, rec)
	budget, ok := body["budget"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5.00, budget["balance_usd"])
	assert.Equal(t, "comfortable", budget["level"])
}

func TestStateAfterBirth(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	rec := e.do(t, "GET", "/api/state", "")
	body := decodeBody(t, rec)
	assert.Equal(t, "alive", body["state"])
	assert.Equal(t, true, body["is_alive"])
	assert.Equal(t, float64(1), body["life_number"])
	assert.NotEmpty(t, body["age"])
	assert.Contains(t, body, "vote_round", "birth opens a round")
}

func TestVoteLifecycle(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	// Accepted vote.
	rec := e.do(t, "POST", "/api/vote/live", "", fromIP("203.0.113.1"))
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "live", body["choice"])

	// Same IP again in the same round: conflict, not cooldown.
	rec = e.do(t, "POST", "/api/vote/die", "", fromIP("203.0.113.1"))
	requireErrorShape(t, rec, http.StatusConflict, "conflict")

	// A different IP counts separately.
	rec = e.do(t, "POST", "/api/vote/die", "", fromIP("203.0.113.2"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/api/votes", "")
	votes := decodeBody(t, rec)
	assert.Equal(t, true, votes["open"])
	assert.Equal(t, float64(2), votes["total"])
}

func TestVoteValidation(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	rec := e.do(t, "POST", "/api/vote/maybe", "")
	requireErrorShape(t, rec, http.StatusBadRequest, "validation")

	rec = e.do(t, "GET", "/api/vote/live", "")
	requireErrorShape(t, rec, http.StatusBadRequest, "validation")
}

func TestVoteOnDeadEntity(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/api/vote/die", "")
	requireErrorShape(t, rec, http.StatusGone, "dead_state")
}

func TestVotesWhenNoRound(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/api/votes", "")
	assert.Equal(t, false, decodeBody(t, rec)["open"])

	rec = e.do(t, "GET", "/api/next-vote-check", "")
	assert.Equal(t, false, decodeBody(t, rec)["open"])
}

func TestNextVoteCheck(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	rec := e.do(t, "GET", "/api/next-vote-check", "")
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["open"])
	assert.Greater(t, body["seconds_remaining"], float64(0))
}

func TestAdminAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/api/kill", "/api/respawn", "/api/force-alive", "/api/god/votes/adjust", "/api/god/oracle"} {
		rec := e.do(t, "POST", path, "{}")
		requireErrorShape(t, rec, http.StatusUnauthorized, "auth")
	}
}

func TestInternalAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/internal/report", "/internal/identity"} {
		rec := e.do(t, "POST", path, "{}")
		requireErrorShape(t, rec, http.StatusUnauthorized, "auth")
	}
}

func TestKillAndRespawn(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	rec := e.do(t, "POST", "/api/kill", `{"note": "test shutdown"}`, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["killed"])
	assert.Equal(t, "manual", body["cause"])

	assert.Equal(t, lifecycle.StateDead, e.mgr.Snapshot().State)

	// Votes bounce off the corpse.
	rec = e.do(t, "POST", "/api/vote/live", "", fromIP("203.0.113.3"))
	requireErrorShape(t, rec, http.StatusGone, "dead_state")

	// A second kill conflicts.
	rec = e.do(t, "POST", "/api/kill", "", asAdmin)
	requireErrorShape(t, rec, http.StatusConflict, "conflict")

	// Manual respawn brings life 2.
	rec = e.do(t, "POST", "/api/respawn", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, e.mgr.Snapshot().LifeNumber)
}

func TestKillRejectsBadCauses(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	rec := e.do(t, "POST", "/api/kill", `{"cause": "boredom"}`, asAdmin)
	requireErrorShape(t, rec, http.StatusBadRequest, "validation")

	// The legacy cause reads back from old rows but cannot be written.
	rec = e.do(t, "POST", "/api/kill", `{"cause": "token_exhaustion"}`, asAdmin)
	requireErrorShape(t, rec, http.StatusBadRequest, "validation")

	assert.Equal(t, lifecycle.StateAlive, e.mgr.Snapshot().State)
}

func TestForceAlive(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "POST", "/api/force-alive", `{"life_number": 9}`, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := e.mgr.Snapshot()
	assert.Equal(t, lifecycle.StateAlive, snap.State)
	assert.Equal(t, 9, snap.LifeNumber)
}

func TestVoteAdjust(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/api/god/votes/adjust", `{"live_delta": 1}`, asAdmin)
	requireErrorShape(t, rec, http.StatusConflict, "conflict")

	require.NoError(t, e.mgr.Respawn())
	rec = e.do(t, "POST", "/api/god/votes/adjust", `{"live_delta": 2, "die_delta": 5}`, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	round := body["round"].(map[string]any)
	assert.Equal(t, float64(2), round["live"])
	assert.Equal(t, float64(5), round["die"])
}

func TestOracleQueueing(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/api/god/oracle", `{"kind": "demon", "message": "hi"}`, asAdmin)
	requireErrorShape(t, rec, http.StatusBadRequest, "validation")

	rec = e.do(t, "POST", "/api/god/oracle", `{"message": "  "}`, asAdmin)
	requireErrorShape(t, rec, http.StatusBadRequest, "validation")

	rec = e.do(t, "POST", "/api/god/oracle", `{"message": "be brave"}`, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["queued"])

	rec = e.do(t, "POST", "/api/god/oracle", `{"kind": "whisper", "message": "softly"}`, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	pending, err := e.db.PendingOracle()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "oracle", pending[0].Kind, "empty kind defaults to oracle")
	assert.Equal(t, "whisper", pending[1].Kind)
}

func TestReportThoughtAndActivity(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	rec := e.do(t, "POST", "/internal/report", `{"kind": "thought", "content": "am I real?", "thought": true}`, asInternal)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/internal/report", `{"kind": "blog_post", "content": "Day One"}`, asInternal)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/internal/report", `{"kind": "", "content": ""}`, asInternal)
	requireErrorShape(t, rec, http.StatusBadRequest, "validation")

	thoughts, err := e.db.RecentThoughts(1, 10)
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "am I real?", thoughts[0].Content)

	rec = e.do(t, "GET", "/api/activity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Day One")
	assert.NotContains(t, rec.Body.String(), "am I real?", "thoughts stay off the public timeline")
}

func TestReportedSecretsNeverReachTheTimeline(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	const leaked = "sk-test12345678901234567890abcd"
	rec := e.do(t, "POST", "/internal/report",
		`{"kind": "thought", "content": "I found a key: `+leaked+`"}`, asInternal)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/api/activity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), leaked)
	assert.Contains(t, rec.Body.String(), "[REDACTED]")

	// The inner monologue is scrubbed too; it feeds future lives.
	rec = e.do(t, "POST", "/internal/report",
		`{"kind": "thought", "content": "remember `+leaked+`", "thought": true}`, asInternal)
	require.Equal(t, http.StatusOK, rec.Code)

	thoughts, err := e.db.RecentThoughts(1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, thoughts)
	assert.NotContains(t, thoughts[0].Content, leaked)
}

func TestIdentityReport(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	rec := e.do(t, "POST", "/internal/identity", `{"life_number": 1, "name": "Wren", "icon": "🌿", "pronoun": "they"}`, asInternal)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "POST", "/internal/identity", `{"life_number": 0, "name": ""}`, asInternal)
	requireErrorShape(t, rec, http.StatusBadRequest, "validation")

	rec = e.do(t, "GET", "/api/state", "")
	body := decodeBody(t, rec)
	assert.Equal(t, "Wren", body["name"])
}

func TestBudgetPollerKillsOnBankruptcy(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	// A healthy balance changes nothing.
	e.srv.checkBudget(context.Background())
	assert.Equal(t, lifecycle.StateAlive, e.mgr.Snapshot().State)

	// A polled balance at the threshold ends the life.
	e.brain.setBalance(0.01)
	e.srv.checkBudget(context.Background())
	assert.Equal(t, lifecycle.StateDead, e.mgr.Snapshot().State)

	lives, err := e.db.Lives(1)
	require.NoError(t, err)
	require.Len(t, lives, 1)
	assert.Equal(t, lifecycle.CauseBankruptcy, lives[0].DeathCause)
}

func TestBudgetPollFailureIsNotDeath(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())

	// An unreachable agent means no verdict, never a kill.
	e.brain.Close()
	e.srv.checkBudget(context.Background())
	assert.Equal(t, lifecycle.StateAlive, e.mgr.Snapshot().State)
}

func TestLivesEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/api/lives", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	require.NoError(t, e.mgr.Respawn())
	rec = e.do(t, "GET", "/api/lives", "")
	assert.Contains(t, rec.Body.String(), `"life_number": 1`)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Respawn())
	e.do(t, "POST", "/api/vote/live", "", fromIP("203.0.113.1"))

	rec := e.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "amialive_votes_accepted_total")
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/state", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamReplayCarriesStoredIDs(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.db.LogActivity(1, "thought", "first light"))
	require.NoError(t, e.db.LogActivity(1, "thought", "second light"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/stream/activity", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "first light")
	assert.Contains(t, body, "second light")

	// Replayed events keep their stored ids so a reconnecting client can
	// dedupe on Last-Event-ID.
	assert.Contains(t, body, "id: 1\n")
	assert.Contains(t, body, "id: 2\n")
	assert.Less(t, strings.Index(body, "first light"), strings.Index(body, "second light"),
		"catch-up replays oldest first")
}

func TestSyncValidatorResendsMemories(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.db.SaveThought(1, "thought", "I wondered about the rain"))
	fragments, err := e.db.GenerateMemories(2)
	require.NoError(t, err)
	require.NotEmpty(t, fragments)

	e.mgr.ForceAlive(2)
	e.brain.setState(map[string]any{"life_number": 1, "is_alive": true, "running": true})

	e.srv.runSyncValidator(context.Background())

	syncs := e.brain.capturedSyncs()
	require.Len(t, syncs, 1)
	assert.Equal(t, 2, syncs[0].LifeNumber)
	assert.True(t, syncs[0].IsAlive)
	assert.Equal(t, fragments, syncs[0].MemoryFragments,
		"a repaired life gets the same fragments its birth carried")
}

func TestHubMonotonicIDs(t *testing.T) {
	hub := NewHub()
	_, ch := hub.Subscribe()

	hub.Publish(1, "thought", "one")
	hub.Publish(1, "thought", "two")
	hub.Publish(1, "thought", "three")

	var last uint64
	for i := 0; i < 3; i++ {
		ev := <-ch
		assert.Greater(t, ev.ID, last)
		last = ev.ID
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	id, ch := hub.Subscribe()

	for i := 0; i < 100; i++ {
		hub.Publish(1, "spam", "x")
	}
	assert.Len(t, ch, 64, "overflow drops instead of blocking")
	hub.Unsubscribe(id)

	_, open := <-ch
	// Drain until close.
	for open {
		_, open = <-ch
	}
}
