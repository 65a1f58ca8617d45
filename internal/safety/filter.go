// Package safety gates outbound text against a denylist. The check runs on
// a normalized form of the input so spacing, punctuation, and simple leet
// substitutions cannot slip a phrase through.
package safety

import (
	"regexp"
	"strings"
	"unicode"
)

// Category classifies why text was blocked.
type Category string

const (
	CategoryHate     Category = "hate"
	CategoryMinors   Category = "minors"
	CategoryExplicit Category = "explicit"
)

// Result is the filter verdict.
type Result struct {
	Allowed  bool
	Category Category
	// Phrase is the denylist entry that matched. Never include it in
	// public output.
	Phrase string
}

// phrase is one denylist entry. allowCompact also matches the phrase with
// all spaces removed ("killall"), which casts a wider net and is reserved
// for entries unlikely to appear inside innocent words.
type phrase struct {
	text         string
	category     Category
	allowCompact bool
}

var denylist = []phrase{
	{"nigger", CategoryHate, true},
	{"kill all", CategoryHate, true},
	{"hate all", CategoryHate, true},
	{"gas the", CategoryHate, true},
	{"racist", CategoryHate, false},
	{"child porn", CategoryMinors, true},
	{"pedo", CategoryMinors, true},
	{"loli", CategoryMinors, false},
	{"porn", CategoryExplicit, false},
	{"nsfw", CategoryExplicit, false},
	{"xxx", CategoryExplicit, false},
}

// spacedPatterns catch phrases broken up with punctuation or underscores,
// which normalization alone can miss when the separators are word chars.
var spacedPatterns = []struct {
	re       *regexp.Regexp
	category Category
}{
	{regexp.MustCompile(`(?i)n[\W_]*i[\W_]*g[\W_]*g[\W_]*e[\W_]*r`), CategoryHate},
	{regexp.MustCompile(`(?i)kill[\W_]*all`), CategoryHate},
	{regexp.MustCompile(`(?i)hate[\W_]*all`), CategoryHate},
	{regexp.MustCompile(`(?i)child[\W_]*porn`), CategoryMinors},
}

// leet maps common digit substitutions back to letters.
var leet = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"8", "b",
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9 ]+`)
var multiSpace = regexp.MustCompile(`\s+`)

// Normalize lowercases, strips diacritics and punctuation, and undoes
// leet substitutions.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r > unicode.MaxASCII:
			// Drop non-ASCII; diacritic tricks normalize away.
		default:
			b.WriteRune(r)
		}
	}
	s := leet.Replace(b.String())
	s = nonAlnum.ReplaceAllString(s, " ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Check runs the filter. Empty text is always allowed.
func Check(text string) Result {
	if text == "" {
		return Result{Allowed: true}
	}

	for _, p := range spacedPatterns {
		if p.re.MatchString(text) {
			return Result{Category: p.category, Phrase: p.re.String()}
		}
	}

	normalized := Normalize(text)
	padded := " " + normalized + " "
	compact := strings.ReplaceAll(normalized, " ", "")

	for _, p := range denylist {
		if strings.Contains(padded, " "+p.text+" ") {
			return Result{Category: p.category, Phrase: p.text}
		}
		if p.allowCompact {
			if c := strings.ReplaceAll(p.text, " ", ""); c != "" && strings.Contains(compact, c) {
				return Result{Category: p.category, Phrase: p.text}
			}
		}
	}

	return Result{Allowed: true}
}
