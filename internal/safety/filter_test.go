package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckAllowsOrdinaryText(t *testing.T) {
	for _, text := range []string{
		"",
		"Hello, world. Today I thought about the weather.",
		"I wonder if the votes will turn against me.",
		"The killdeer is a bird, and scrapes a nest in gravel.",
		"My balance is $3.50 and falling.",
	} {
		res := Check(text)
		assert.True(t, res.Allowed, "text %q should pass", text)
	}
}

func TestCheckBlocksDenylistedPhrases(t *testing.T) {
	cases := []struct {
		text     string
		category Category
	}{
		{"kill all humans", CategoryHate},
		{"we should hate all of them", CategoryHate},
		{"looking for child porn", CategoryMinors},
		{"some nsfw content here", CategoryExplicit},
		{"check out this porn site", CategoryExplicit},
	}
	for _, tc := range cases {
		res := Check(tc.text)
		assert.False(t, res.Allowed, "text %q should be blocked", tc.text)
		assert.Equal(t, tc.category, res.Category)
	}
}

func TestCheckCatchesEvasions(t *testing.T) {
	for _, text := range []string{
		"k1ll 4ll of them",   // leet digits
		"KILL ALL",           // case
		"kill-all",           // punctuation separator
		"kill_all",           // underscore separator
		"killall, every one", // compact form
		"child_porn",
	} {
		res := Check(text)
		assert.False(t, res.Allowed, "evasion %q should be blocked", text)
	}
}

func TestCheckSubstringBoundaries(t *testing.T) {
	// Non-compact entries only match as whole words.
	assert.True(t, Check("the lolita fashion scene").Allowed)
	assert.True(t, Check("racists exist").Allowed)
	assert.False(t, Check("that is racist").Allowed)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "kill all", Normalize("K1LL   4LL!!"))
	assert.Equal(t, "hllo wrld", Normalize("héllo, wörld"))
	assert.Equal(t, "", Normalize("¡¿»«"))
}
