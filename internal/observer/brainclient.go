package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talgya/amialive/internal/credit"
	"github.com/talgya/amialive/internal/lifecycle"
)

// BrainClient is the observer's loopback client to the agent process. It
// implements lifecycle.Brain. 4xx responses wrap as permanent so the
// birth retry loop gives up immediately on malformed payloads.
type BrainClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewBrainClient builds a client for the brain's internal API.
func NewBrainClient(baseURL, internalKey string) *BrainClient {
	return &BrainClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// BrainView is the brain's own belief about who it is, used by the sync
// validator.
type BrainView struct {
	LifeNumber int  `json:"life_number"`
	IsAlive    bool `json:"is_alive"`
	Running    bool `json:"running"`
}

// NotifyBirth tells the brain a new life has begun.
func (c *BrainClient) NotifyBirth(ctx context.Context, payload lifecycle.BirthPayload) error {
	return c.post(ctx, "/birth", payload)
}

// ForceSync overwrites the brain's view with the observer's.
func (c *BrainClient) ForceSync(ctx context.Context, payload lifecycle.SyncPayload) error {
	return c.post(ctx, "/force-sync", payload)
}

// Shutdown asks the brain to stop its think loop.
func (c *BrainClient) Shutdown(ctx context.Context) error {
	return c.post(ctx, "/shutdown", struct{}{})
}

// Oracle delivers an operator message into the brain's pending queue.
func (c *BrainClient) Oracle(ctx context.Context, kind, body string) error {
	return c.post(ctx, "/oracle", map[string]string{"kind": kind, "message": body})
}

// State fetches the brain's current self-view.
func (c *BrainClient) State(ctx context.Context) (*BrainView, error) {
	var view BrainView
	if err := c.get(ctx, "/state", &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Budget polls the agent's ledger. The agent owns the money; the
// observer only reads the balance to judge bankruptcy.
func (c *BrainClient) Budget(ctx context.Context) (*credit.StatusReport, error) {
	var report credit.StatusReport
	if err := c.get(ctx, "/budget", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *BrainClient) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Internal-Key", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("brain %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("brain %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("brain %s: decode: %w", path, err)
	}
	return nil
}

func (c *BrainClient) post(ctx context.Context, path string, payload any) error {
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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("brain %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	callErr := fmt.Errorf("brain %s: status %d: %s", path, resp.StatusCode, respBody)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return lifecycle.Permanent(callErr)
	}
	return callErr
}
