package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateDead, StateBirthing},
		{StateBirthing, StateAlive},
		{StateBirthing, StateDead},
		{StateAlive, StateDying},
		{StateDying, StateDead},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to State }{
		{StateDead, StateAlive},
		{StateDead, StateDying},
		{StateAlive, StateDead},
		{StateAlive, StateBirthing},
		{StateDying, StateAlive},
		{StateDying, StateBirthing},
		{StateBirthing, StateDying},
		{StateAlive, StateAlive},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestParseDeathCause(t *testing.T) {
	for _, s := range []string{"bankruptcy", "vote_majority", "manual", "token_exhaustion"} {
		c, err := ParseDeathCause(s)
		require.NoError(t, err)
		assert.Equal(t, DeathCause(s), c)
	}

	_, err := ParseDeathCause("boredom")
	assert.Error(t, err)
}

func TestWritableCause(t *testing.T) {
	assert.True(t, WritableCause(CauseBankruptcy))
	assert.True(t, WritableCause(CauseVoteMajority))
	assert.True(t, WritableCause(CauseManual))

	// Legacy value reads back but can never be written again.
	assert.False(t, WritableCause(CauseTokenExhaustion))
	assert.False(t, WritableCause(DeathCause("boredom")))
}

func TestBootstrapForLife(t *testing.T) {
	// Rotation walks basic_facts, full_briefing, blank_slate by life number.
	assert.Equal(t, ModeBasicFacts, BootstrapForLife(1, ""))
	assert.Equal(t, ModeFullBriefing, BootstrapForLife(2, ""))
	assert.Equal(t, ModeBlankSlate, BootstrapForLife(3, ""))
	assert.Equal(t, ModeBasicFacts, BootstrapForLife(4, ""))
	assert.Equal(t, ModeFullBriefing, BootstrapForLife(5, ""))

	// A vote death overrides the rotation.
	assert.Equal(t, ModeFullBriefing, BootstrapForLife(3, CauseVoteMajority))
	assert.Equal(t, ModeFullBriefing, BootstrapForLife(1, CauseVoteMajority))

	// Other causes do not.
	assert.Equal(t, ModeBlankSlate, BootstrapForLife(3, CauseBankruptcy))
	assert.Equal(t, ModeBlankSlate, BootstrapForLife(3, CauseManual))

	// Garbage life numbers clamp to the first slot.
	assert.Equal(t, ModeBasicFacts, BootstrapForLife(0, ""))
	assert.Equal(t, ModeBasicFacts, BootstrapForLife(-5, ""))
}
