package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ObserverClient is the brain's client to the observer. Reports and the
// public vote and timeline reads flow through it; money never does, the
// ledger lives on this side of the wire.
type ObserverClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewObserverClient builds a client for the observer API.
func NewObserverClient(baseURL, internalKey string) *ObserverClient {
	return &ObserverClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Report records an action or thought with the observer. Actions land on
// the public timeline; thoughts stay in the inner monologue.
func (c *ObserverClient) Report(ctx context.Context, kind, content string, thought bool) error {
	return c.post(ctx, "/internal/report", map[string]any{
		"kind":    kind,
		"content": content,
		"thought": thought,
	}, nil)
}

// ReportIdentity records the name the agent chose.
func (c *ObserverClient) ReportIdentity(ctx context.Context, lifeNumber int, name, icon, pronoun string) error {
	return c.post(ctx, "/internal/identity", map[string]any{
		"life_number": lifeNumber,
		"name":        name,
		"icon":        icon,
		"pronoun":     pronoun,
	}, nil)
}

// VoteStatus is the public view of the current round.
type VoteStatus struct {
	Open  bool `json:"open"`
	Round struct {
		Live     int       `json:"live"`
		Die      int       `json:"die"`
		ClosesAt time.Time `json:"closes_at"`
	} `json:"round"`
	Total int `json:"total"`
}

// Votes fetches the current round tallies.
func (c *ObserverClient) Votes(ctx context.Context) (*VoteStatus, error) {
	var status VoteStatus
	if err := c.get(ctx, "/api/votes", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ActivityEntry is one public timeline item.
type ActivityEntry struct {
	LifeNumber int       `json:"life_number"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
}

// Activity fetches the recent public timeline.
func (c *ObserverClient) Activity(ctx context.Context) ([]ActivityEntry, error) {
	var entries []ActivityEntry
	if err := c.get(ctx, "/api/activity", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *ObserverClient) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Internal-Key", c.internalKey)
	return c.do(req, path, target)
}

func (c *ObserverClient) post(ctx context.Context, path string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", c.internalKey)
	return c.do(req, path, target)
}

func (c *ObserverClient) do(req *http.Request, path string, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("observer %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("observer %s: status %d: %s", path, resp.StatusCode, body)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("observer %s: decode: %w", path, err)
	}
	return nil
}
