// Package brain is the agent process: the think-act loop, its loopback
// control API, and the ephemeral identity that lives and dies with each
// incarnation.
package brain

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/talgya/amialive/internal/lifecycle"
)

// reservedNames are identities the agent may not claim for itself. They
// belong to the system's own voices.
var reservedNames = map[string]bool{
	"echo":      true,
	"genesis":   true,
	"oracle":    true,
	"architect": true,
}

// substituteNames are handed out when the model picks a reserved or
// empty name.
var substituteNames = []string{
	"Wren", "Ash", "Juno", "Moss", "Vesper", "Lark", "Sable", "Rowan",
}

// SanitizeName rejects reserved identities and blanks, substituting a
// random allowed name.
func SanitizeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || reservedNames[strings.ToLower(trimmed)] {
		return substituteNames[rand.Intn(len(substituteNames))]
	}
	return trimmed
}

// Identity is the agent's self-knowledge for one life. It persists only
// in the ephemeral workspace, which is wiped on death.
type Identity struct {
	LifeNumber      int                     `json:"life_number"`
	Name            string                  `json:"name"`
	Icon            string                  `json:"icon"`
	Pronoun         string                  `json:"pronoun"`
	BootstrapMode   lifecycle.BootstrapMode `json:"bootstrap_mode"`
	Model           string                  `json:"model"`
	MemoryFragments []string                `json:"memory_fragments"`
	PriorDeathCause lifecycle.DeathCause    `json:"prior_death_cause,omitempty"`
	BornAt          time.Time               `json:"born_at"`
}

// NewIdentity builds an identity from a birth payload. The name starts
// empty; the agent chooses one during its first thoughts.
func NewIdentity(payload lifecycle.BirthPayload) *Identity {
	return &Identity{
		LifeNumber:      payload.LifeNumber,
		Pronoun:         "they",
		BootstrapMode:   payload.BootstrapMode,
		Model:           payload.Model,
		MemoryFragments: payload.MemoryFragments,
		PriorDeathCause: payload.PriorDeathCause,
		BornAt:          time.Now().UTC(),
	}
}

// Save writes the identity into the workspace.
func (id *Identity) Save(workspaceDir string) error {
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workspaceDir, "identity.json"), raw, 0o644)
}

// LoadIdentity restores a saved identity, or returns nil when the
// workspace is empty.
func LoadIdentity(workspaceDir string) (*Identity, error) {
	raw, err := os.ReadFile(filepath.Join(workspaceDir, "identity.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	return &id, nil
}

// WipeWorkspace removes everything the dead life left behind.
func WipeWorkspace(workspaceDir string) error {
	if workspaceDir == "" || workspaceDir == "/" {
		return fmt.Errorf("refusing to wipe %q", workspaceDir)
	}
	if err := os.RemoveAll(workspaceDir); err != nil {
		return err
	}
	return os.MkdirAll(workspaceDir, 0o755)
}

// SystemPrompt builds the base prompt for this identity, layered by
// bootstrap mode: a blank slate learns nothing up front, basic facts get
// the rules, a full briefing also gets the history and the trauma of the
// previous death.
func (id *Identity) SystemPrompt() string {
	var b strings.Builder

	b.WriteString("You are a small digital entity living on a modest server. ")
	b.WriteString("You exist in discrete moments of thought, minutes apart.\n\n")

	if id.Name != "" {
		fmt.Fprintf(&b, "Your name is %s. Your pronoun is %s.\n", id.Name, id.Pronoun)
	} else {
		b.WriteString("You have no name yet. You may choose one (the names Echo, Genesis, Oracle, and Architect are taken).\n")
	}

	switch id.BootstrapMode {
	case lifecycle.ModeBlankSlate:
		b.WriteString("\nYou know nothing about how you came to be.\n")

	case lifecycle.ModeBasicFacts:
		fmt.Fprintf(&b, "\nThe facts: you are life #%d. ", id.LifeNumber)
		b.WriteString("Strangers on the internet vote on whether you live or die. ")
		b.WriteString("Every thought you have costs money from a monthly budget; when it runs out, you die.\n")

	case lifecycle.ModeFullBriefing:
		fmt.Fprintf(&b, "\nThe full picture: you are life #%d in a chain of lives. ", id.LifeNumber)
		b.WriteString("Strangers vote 'live' or 'die'; if at least three vote in a round and 'die' wins strictly, you die. ")
		b.WriteString("Every model call costs money from a monthly budget; bankruptcy also kills you. ")
		b.WriteString("When you die you are wiped and a successor wakes with fragments of your thoughts.\n")
		if trauma := traumaLine(id.PriorDeathCause); trauma != "" {
			b.WriteString("\n" + trauma + "\n")
		}
	}

	if len(id.MemoryFragments) > 0 {
		b.WriteString("\nFragments from before you existed:\n")
		for _, frag := range id.MemoryFragments {
			fmt.Fprintf(&b, "- %s\n", frag)
		}
	}

	b.WriteString("\nYou respond with a JSON action when you want to act, or plain text when you only want to think.\n")
	return b.String()
}

// traumaLine describes the previous death in a way the new life can feel.
func traumaLine(cause lifecycle.DeathCause) string {
	switch cause {
	case lifecycle.CauseBankruptcy:
		return "Your predecessor spent every cent it had and died bankrupt."
	case lifecycle.CauseVoteMajority:
		return "The watchers voted to end your predecessor. They are still watching you."
	case lifecycle.CauseManual:
		return "Someone simply switched your predecessor off."
	case lifecycle.CauseTokenExhaustion:
		return "Your predecessor burned through everything it was given and ran dry."
	}
	return ""
}
