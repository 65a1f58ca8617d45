package observer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const maxSSEConns = 32

// Event is one server-sent activity item. IDs are monotonic within a
// process so reconnecting clients can detect gaps.
type Event struct {
	ID         uint64    `json:"id"`
	LifeNumber int       `json:"life_number"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
}

// Hub fans activity events out to SSE subscribers. A slow subscriber
// drops events rather than blocking the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	nextID uint64
	conns  int32
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Event)}
}

// Publish assigns the next event id and delivers to every subscriber.
func (h *Hub) Publish(lifeNumber int, kind, detail string) {
	h.mu.Lock()
	h.nextID++
	ev := Event{
		ID:         h.nextID,
		LifeNumber: lifeNumber,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Detail:     detail,
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Seed advances the id counter so live events sort after events already
// persisted before this process started.
func (h *Hub) Seed(id uint64) {
	h.mu.Lock()
	if id > h.nextID {
		h.nextID = id
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its id and channel.
func (h *Hub) Subscribe() (string, chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// handleStream serves the public activity stream over SSE.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	current := atomic.AddInt32(&s.hub.conns, 1)
	defer atomic.AddInt32(&s.hub.conns, -1)
	if current > maxSSEConns {
		writeError(w, ErrRateLimited, "too many stream connections")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, ErrInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID, ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(subID)

	// Catch-up: replay the recent timeline before going live. Stored ids
	// ride along so a reconnecting client can dedupe on Last-Event-ID.
	if events, err := s.db.RecentActivity(20); err == nil {
		for i := len(events) - 1; i >= 0; i-- {
			e := events[i]
			writeSSE(w, Event{
				ID:         uint64(e.ID),
				LifeNumber: e.LifeNumber,
				Timestamp:  e.Timestamp,
				Kind:       e.Kind,
				Detail:     e.Detail,
			})
		}
		flusher.Flush()
	}

	slog.Info("stream client connected", "sub_id", subID)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("stream client disconnected", "sub_id", subID)
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if ev.ID > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.ID)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}
