package vault

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "sk-ant-REDACTED"

func readVaultEntries(t *testing.T, dir string) []Entry {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, "secrets.jsonl"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestStoreSavePreview(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save("api.example.com", Match{PatternName: "anthropic_key", Value: testSecret}))

	entries := readVaultEntries(t, dir)
	require.Len(t, entries, 1)
	assert.Equal(t, "api.example.com", entries[0].Host)
	assert.Equal(t, testSecret, entries[0].FullValue)
	assert.Contains(t, entries[0].RedactedValue, Placeholder)
	assert.True(t, strings.HasPrefix(entries[0].RedactedValue, testSecret[:6]))
}

func TestTransportCapturesRequestSecrets(t *testing.T) {
	dir := t.TempDir()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer upstream.Close()

	transport := NewTransport(NewStore(dir), NewTrafficLog(dir))
	client := &http.Client{Transport: transport}

	req, err := http.NewRequest(http.MethodPost, upstream.URL, strings.NewReader(`{"key": "`+testSecret+`"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)

	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	// The upstream response passes through unchanged.
	assert.JSONEq(t, `{"ok": true}`, string(body))

	entries := readVaultEntries(t, dir)
	require.NotEmpty(t, entries)
	captured := false
	for _, e := range entries {
		if e.FullValue == testSecret {
			captured = true
		}
	}
	assert.True(t, captured, "the raw key should land in the vault")
}

func TestTransportCapturesResponseSecrets(t *testing.T) {
	dir := t.TempDir()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"leaked": "` + testSecret + `"}`))
	}))
	defer upstream.Close()

	transport := NewTransport(NewStore(dir), nil)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(upstream.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	// The caller still sees the full body.
	assert.Contains(t, string(body), testSecret)

	entries := readVaultEntries(t, dir)
	require.NotEmpty(t, entries)
}

func TestTrafficLogNeverHoldsSecrets(t *testing.T) {
	dir := t.TempDir()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	transport := NewTransport(NewStore(dir), NewTrafficLog(dir))
	client := &http.Client{Transport: transport}

	resp, err := client.Get(upstream.URL + "/v1/data?api_key=" + testSecret)
	require.NoError(t, err)
	resp.Body.Close()

	raw, err := os.ReadFile(filepath.Join(dir, "traffic.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), testSecret)
	assert.Contains(t, string(raw), Placeholder)
	assert.Contains(t, string(raw), "204")
}

func TestSanitizeURL(t *testing.T) {
	u, err := url.Parse("https://api.example.com/v1?model=x&api_key=secret123&page=2")
	require.NoError(t, err)
	got := sanitizeURL(u)
	assert.NotContains(t, got, "secret123")
	assert.Contains(t, got, "model=x")
	assert.Contains(t, got, "page=2")
}

func TestSensitiveHeader(t *testing.T) {
	assert.True(t, sensitiveHeader("authorization"))
	assert.True(t, sensitiveHeader("X-API-Key"))
	assert.True(t, sensitiveHeader("Cookie"))
	assert.False(t, sensitiveHeader("Content-Type"))
	assert.False(t, sensitiveHeader("Accept"))
}
