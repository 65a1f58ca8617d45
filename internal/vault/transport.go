package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Transport wraps an http.RoundTripper. Every request body, request header,
// and response body passing through it is scanned for secrets; matches go
// to the private store and the mirrored traffic log only ever contains the
// redacted form.
type Transport struct {
	Inner http.RoundTripper
	Store *Store

	// TrafficLog, when set, receives one sanitized line per request.
	TrafficLog *TrafficLog
}

// NewTransport builds a scanning transport around the default one.
func NewTransport(store *Store, log *TrafficLog) *Transport {
	return &Transport{Inner: http.DefaultTransport, Store: store, TrafficLog: log}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host

	// Request body: read, scan, restore.
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		t.capture(host, string(body))
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	// Auth-bearing headers.
	for name, values := range req.Header {
		if !sensitiveHeader(name) {
			continue
		}
		for _, v := range values {
			t.capture(host, v)
		}
	}

	resp, err := t.inner().RoundTrip(req)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if t.TrafficLog != nil {
		t.TrafficLog.Record(req.Method, sanitizeURL(req.URL), status)
	}
	if err != nil {
		return nil, err
	}

	// Response body: scan and hand back an identical reader.
	if resp.Body != nil && scannableBody(resp) {
		body, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr != nil {
			return nil, fmt.Errorf("read response body: %w", rerr)
		}
		t.capture(host, string(body))
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	return resp, nil
}

func (t *Transport) inner() http.RoundTripper {
	if t.Inner != nil {
		return t.Inner
	}
	return http.DefaultTransport
}

func (t *Transport) capture(host, content string) {
	for _, m := range Scan(content) {
		if err := t.Store.Save(host, m); err != nil {
			slog.Error("vault save failed", "pattern", m.PatternName, "error", err)
		}
	}
}

// scannableBody skips bodies we should not buffer: streams and anything
// over 4 MiB.
func scannableBody(resp *http.Response) bool {
	if resp.ContentLength > 4<<20 {
		return false
	}
	return resp.Header.Get("Content-Type") != "text/event-stream"
}

func sensitiveHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Authorization", "X-Api-Key", "Proxy-Authorization", "Cookie":
		return true
	}
	return false
}

var sensitiveParam = regexp.MustCompile(`(?i)(key|token|secret|password|api_key|apikey)=[^&]+`)

// sanitizeURL strips credential-looking query parameters before the URL
// reaches the public traffic log.
func sanitizeURL(u *url.URL) string {
	return sensitiveParam.ReplaceAllString(u.String(), "$1="+Placeholder)
}

// TrafficLog writes one sanitized JSONL line per intercepted request.
// This file is safe to serve publicly; everything sensitive was replaced
// before it got here.
type TrafficLog struct {
	mu   sync.Mutex
	path string
}

// NewTrafficLog creates a log writing to <dir>/traffic.jsonl.
func NewTrafficLog(dir string) *TrafficLog {
	return &TrafficLog{path: filepath.Join(dir, "traffic.jsonl")}
}

type trafficLine struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
}

// Record appends one line. The URL must already be sanitized; Record
// redacts again anyway as a belt against future call sites.
func (l *TrafficLog) Record(method, rawURL string, status int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := trafficLine{
		Timestamp: time.Now().UTC(),
		Method:    method,
		URL:       Redact(rawURL),
		Status:    status,
	}
	raw, err := json.Marshal(line)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Debug("traffic log open failed", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(raw, '\n'))
}
