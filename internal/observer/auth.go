package observer

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Auth decides who may touch which surface: the public vote endpoints
// identify voters by a salted IP fingerprint, the admin endpoints accept
// a bearer token or a caller inside the local network, and the internal
// endpoints require the shared process key.
type Auth struct {
	AdminToken  string
	InternalKey string
	IPSalt      string

	// LocalCIDR grants admin access without a token (LAN god mode).
	LocalCIDR *net.IPNet

	// TrustedProxyCIDR is the only source allowed to set the forwarded
	// client IP. Empty means X-Forwarded-For is ignored entirely.
	TrustedProxyCIDR *net.IPNet
}

// NewAuth parses the CIDR strings. A bad CIDR disables that grant rather
// than failing open.
func NewAuth(adminToken, internalKey, ipSalt, localCIDR, proxyCIDR string) *Auth {
	a := &Auth{AdminToken: adminToken, InternalKey: internalKey, IPSalt: ipSalt}
	if localCIDR != "" {
		if _, ipnet, err := net.ParseCIDR(localCIDR); err == nil {
			a.LocalCIDR = ipnet
		} else {
			slog.Warn("invalid local network CIDR, LAN admin disabled", "cidr", localCIDR)
		}
	}
	if proxyCIDR != "" {
		if _, ipnet, err := net.ParseCIDR(proxyCIDR); err == nil {
			a.TrustedProxyCIDR = ipnet
		} else {
			slog.Warn("invalid trusted proxy CIDR, forwarded headers ignored", "cidr", proxyCIDR)
		}
	}
	return a
}

// ClientIP resolves the real client address. X-Forwarded-For is honored
// only when the direct peer sits inside the trusted proxy range;
// otherwise a client could spoof its way past the vote cooldown.
func (a *Auth) ClientIP(r *http.Request) string {
	peer := remoteIP(r)

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" || a.TrustedProxyCIDR == nil {
		return peer
	}
	ip := net.ParseIP(peer)
	if ip == nil || !a.TrustedProxyCIDR.Contains(ip) {
		return peer
	}

	// First hop in the chain is the original client.
	first := xff
	if idx := strings.IndexByte(xff, ','); idx >= 0 {
		first = xff[:idx]
	}
	first = strings.TrimSpace(first)
	if net.ParseIP(first) == nil {
		return peer
	}
	return first
}

// Fingerprint derives the stable voter identity from the client IP. The
// salt keeps raw addresses out of the database.
func (a *Auth) Fingerprint(r *http.Request) string {
	sum := sha256.Sum256([]byte(a.IPSalt + a.ClientIP(r)))
	return hex.EncodeToString(sum[:])
}

// IsAdmin accepts a matching bearer token or a caller on the local
// network.
func (a *Auth) IsAdmin(r *http.Request) bool {
	if a.AdminToken != "" && checkBearer(r, a.AdminToken) {
		return true
	}
	if a.LocalCIDR != nil {
		if ip := net.ParseIP(remoteIP(r)); ip != nil && a.LocalCIDR.Contains(ip) {
			return true
		}
	}
	return false
}

// IsInternal checks the shared process key header.
func (a *Auth) IsInternal(r *http.Request) bool {
	key := r.Header.Get("X-Internal-Key")
	return a.InternalKey != "" &&
		subtle.ConstantTimeCompare([]byte(key), []byte(a.InternalKey)) == 1
}

// adminOnly wraps a handler to require admin access.
func (a *Auth) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.IsAdmin(r) {
			writeError(w, ErrAuth, "admin access required")
			return
		}
		next(w, r)
	}
}

// internalOnly wraps a handler to require the process key.
func (a *Auth) internalOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.IsInternal(r) {
			writeError(w, ErrAuth, "internal key required")
			return
		}
		next(w, r)
	}
}

func checkBearer(r *http.Request, token string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	presented := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
