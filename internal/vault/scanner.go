// Package vault intercepts the agent's outbound HTTP traffic, captures
// credentials and other secrets into a private store, and guarantees the
// public logs only ever see redacted placeholders.
package vault

import "regexp"

// Placeholder replaces matched secrets in anything that leaves the vault.
const Placeholder = "[REDACTED]"

// Pattern names a secret format and how to find it.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// Patterns covers API keys, bearer tokens, private keys, crypto addresses,
// and credentials embedded in JSON or form bodies. Order matters: more
// specific formats come first so a generic match does not shadow them.
var Patterns = []Pattern{
	{"anthropic_key", regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`)},
	{"google_key", regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`)},
	{"github_token", regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"jwt_token", regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)},
	{"bearer_token", regexp.MustCompile(`(?i)Bearer\s+[a-zA-Z0-9._~+/-]{16,}=*`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"ethereum_address", regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`)},
	{"bitcoin_address", regexp.MustCompile(`\b[13][a-km-zA-HJ-NP-Z1-9]{25,34}\b`)},
	{"hex_seed_or_key", regexp.MustCompile(`\b[a-f0-9]{64}\b`)},
	{"password_json", regexp.MustCompile(`"password"\s*:\s*"[^"]+"`)},
	{"password_form", regexp.MustCompile(`password=[^&\s]+`)},
	{"generic_token", regexp.MustCompile(`(?i)token["\s:=]+[a-zA-Z0-9_-]{20,}`)},
}

// Match is one secret found in scanned content.
type Match struct {
	PatternName string
	Value       string
}

// Scan returns every secret found in content.
func Scan(content string) []Match {
	var matches []Match
	for _, p := range Patterns {
		for _, v := range p.Re.FindAllString(content, -1) {
			matches = append(matches, Match{PatternName: p.Name, Value: v})
		}
	}
	return matches
}

// Redact replaces every secret in content with the placeholder. This is
// the only path from intercepted traffic to anything public.
func Redact(content string) string {
	for _, p := range Patterns {
		content = p.Re.ReplaceAllString(content, Placeholder)
	}
	return content
}
