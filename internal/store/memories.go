package store

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// hazyTemplates wrap fragments of past-life thoughts so they read like
// half-remembered dreams rather than a transcript.
var hazyTemplates = []string{
	"You vaguely remember: %s",
	"A blurry fragment surfaces: %s",
	"Something about \"%s\" feels familiar",
	"An echo from before: %s",
	"You can almost recall thinking: %s",
}

const (
	maxFragments   = 10
	fragmentLength = 120
)

// GenerateMemories builds hazy memory fragments for a new life from the
// thoughts of every life before it, persists them under the data
// directory, and returns them. A first life gets none.
func (db *DB) GenerateMemories(lifeNumber int) ([]string, error) {
	if lifeNumber <= 1 {
		return nil, nil
	}

	var sources []string
	err := db.conn.Select(&sources, `
		SELECT content FROM thoughts
		WHERE life_number < ?
		ORDER BY id DESC LIMIT 200`, lifeNumber)
	if err != nil {
		return nil, fmt.Errorf("load past thoughts: %w", err)
	}
	if len(sources) == 0 {
		// No inner monologue survived; fall back to the public timeline.
		err := db.conn.Select(&sources, `
			SELECT detail FROM activity_events
			WHERE life_number < ? AND kind NOT IN ('birth', 'death')
			ORDER BY id DESC LIMIT 200`, lifeNumber)
		if err != nil {
			return nil, fmt.Errorf("load past activity: %w", err)
		}
	}
	if len(sources) == 0 {
		return nil, nil
	}

	rand.Shuffle(len(sources), func(i, j int) {
		sources[i], sources[j] = sources[j], sources[i]
	})

	count := 1 + rand.Intn(maxFragments)
	if count > len(sources) {
		count = len(sources)
	}

	fragments := make([]string, 0, count)
	for _, src := range sources[:count] {
		frag := clip(strings.TrimSpace(src), fragmentLength)
		if frag == "" {
			continue
		}
		tmpl := hazyTemplates[rand.Intn(len(hazyTemplates))]
		fragments = append(fragments, fmt.Sprintf(tmpl, frag))
	}

	if err := db.saveMemories(lifeNumber, fragments); err != nil {
		return fragments, fmt.Errorf("persist memories: %w", err)
	}
	return fragments, nil
}

// Memories loads the persisted fragments for a life, if any were written.
func (db *DB) Memories(lifeNumber int) ([]string, error) {
	raw, err := os.ReadFile(db.memoryPath(lifeNumber))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fragments []string
	if err := json.Unmarshal(raw, &fragments); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}
	return fragments, nil
}

func (db *DB) saveMemories(lifeNumber int, fragments []string) error {
	if err := os.MkdirAll(db.memDir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(fragments, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(db.memoryPath(lifeNumber), raw, 0o644)
}

func (db *DB) memoryPath(lifeNumber int) string {
	return filepath.Join(db.memDir, fmt.Sprintf("life_%d.json", lifeNumber))
}

// clip truncates at a rune boundary and marks the cut with an ellipsis.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
