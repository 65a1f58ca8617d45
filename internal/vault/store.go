package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one captured secret. The full value lands only in the private
// store file, which is never served by any endpoint.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	Host          string    `json:"host"`
	PatternName   string    `json:"pattern_name"`
	RedactedValue string    `json:"redacted_value"`
	FullValue     string    `json:"full_value"`
}

// Store appends captured secrets to a JSONL file under the vault directory.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store writing to <dir>/secrets.jsonl.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "secrets.jsonl")}
}

// Save appends one entry. The redacted value keeps a short prefix so a
// human reviewing the vault can tell entries apart without the full secret.
func (s *Store) Save(host string, m Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}

	entry := Entry{
		Timestamp:     time.Now().UTC(),
		Host:          host,
		PatternName:   m.PatternName,
		RedactedValue: redactedPreview(m.Value),
		FullValue:     m.Value,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append vault: %w", err)
	}
	return nil
}

// redactedPreview keeps the first few characters for identification.
func redactedPreview(value string) string {
	const keep = 6
	if len(value) <= keep {
		return Placeholder
	}
	return value[:keep] + "…" + Placeholder
}
