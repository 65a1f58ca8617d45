package observer

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientIPIgnoresForwardedByDefault(t *testing.T) {
	a := NewAuth("", "", "salt", "", "")

	r := httptest.NewRequest("GET", "/api/vote/live", nil)
	r.RemoteAddr = "203.0.113.9:4411"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")

	assert.Equal(t, "203.0.113.9", a.ClientIP(r))
}

func TestClientIPHonorsTrustedProxy(t *testing.T) {
	a := NewAuth("", "", "salt", "", "10.0.0.0/8")

	// Peer inside the proxy range: take the first forwarded hop.
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:80"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.1.2.3")
	assert.Equal(t, "198.51.100.7", a.ClientIP(r))

	// Peer outside the proxy range: header is untrusted.
	r.RemoteAddr = "203.0.113.9:80"
	assert.Equal(t, "203.0.113.9", a.ClientIP(r))

	// Garbage in the header falls back to the peer.
	r.RemoteAddr = "10.1.2.3:80"
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "10.1.2.3", a.ClientIP(r))
}

func TestFingerprintStableAndSalted(t *testing.T) {
	a := NewAuth("", "", "salt-one", "", "")
	b := NewAuth("", "", "salt-two", "", "")

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.9:1000"

	fp1 := a.Fingerprint(r)
	r.RemoteAddr = "203.0.113.9:2000"
	fp2 := a.Fingerprint(r)
	assert.Equal(t, fp1, fp2, "port changes must not change the fingerprint")
	assert.Len(t, fp1, 64)
	assert.NotContains(t, fp1, "203.0.113.9")

	assert.NotEqual(t, fp1, b.Fingerprint(r), "different salts give different fingerprints")

	r.RemoteAddr = "203.0.113.10:1000"
	assert.NotEqual(t, fp1, a.Fingerprint(r), "different IPs give different fingerprints")
}

func TestIsAdminBearerToken(t *testing.T) {
	a := NewAuth("secret-token", "", "salt", "", "")

	r := httptest.NewRequest("GET", "/api/kill", nil)
	r.RemoteAddr = "203.0.113.9:80"
	assert.False(t, a.IsAdmin(r))

	r.Header.Set("Authorization", "Bearer wrong")
	assert.False(t, a.IsAdmin(r))

	r.Header.Set("Authorization", "Bearer secret-token")
	assert.True(t, a.IsAdmin(r))
}

func TestIsAdminLocalNetwork(t *testing.T) {
	a := NewAuth("secret-token", "", "salt", "192.168.0.0/24", "")

	r := httptest.NewRequest("GET", "/api/kill", nil)
	r.RemoteAddr = "192.168.0.42:9000"
	assert.True(t, a.IsAdmin(r), "LAN callers need no token")

	r.RemoteAddr = "192.168.1.42:9000"
	assert.False(t, a.IsAdmin(r))
}

func TestIsAdminBadCIDRFailsClosed(t *testing.T) {
	a := NewAuth("", "", "salt", "not-a-cidr", "")
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.168.0.42:9000"
	assert.False(t, a.IsAdmin(r))
}

func TestIsInternal(t *testing.T) {
	a := NewAuth("", "process-key", "salt", "", "")

	r := httptest.NewRequest("POST", "/internal/report", nil)
	assert.False(t, a.IsInternal(r))

	r.Header.Set("X-Internal-Key", "wrong")
	assert.False(t, a.IsInternal(r))

	r.Header.Set("X-Internal-Key", "process-key")
	assert.True(t, a.IsInternal(r))

	// An empty configured key never authenticates.
	empty := NewAuth("", "", "salt", "", "")
	r.Header.Set("X-Internal-Key", "")
	assert.False(t, empty.IsInternal(r))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("1.2.3.4"), "request %d should pass", i)
	}
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"), "other IPs have their own bucket")
	assert.GreaterOrEqual(t, rl.RetryAfter("1.2.3.4"), 0)
}
