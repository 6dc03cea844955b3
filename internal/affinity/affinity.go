// Package affinity implements the session affinity table:
// a best-effort, TTL-sliding binding of an application-level key to a
// backend id.
package affinity

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type enumerates the supported affinity-key sources.
type Type string

const (
	TypeNone   Type = "none"
	TypeCookie Type = "cookie"
	TypeIP     Type = "ip"
	TypeHeader Type = "header"
	TypeJWT    Type = "jwt"
	TypeCustom Type = "custom"
)

// Config describes how to derive the affinity key and how long a
// binding lives once made.
type Config struct {
	Type Type `json:"type"`
	TTL  time.Duration `json:"ttl"`

	CookieName   string `json:"cookie_name,omitempty"`
	CookieSecure bool   `json:"cookie_secure,omitempty"`
	CookieSameSite string `json:"cookie_same_site,omitempty"` // "Strict"|"Lax"|"None"

	HeaderName string `json:"header_name,omitempty"`

	JWTHeaderName string `json:"jwt_header_name,omitempty"` // header carrying the bearer token, default Authorization
	JWTClaim      string `json:"jwt_claim,omitempty"`
	JWTSecret     string `json:"jwt_secret,omitempty"`

	CustomHeaderName string `json:"custom_header_name,omitempty"`
}

// entry is one binding in the table.
type entry struct {
	backendID string
	expiresAt time.Time
}

// Table is the concurrent, TTL-sliding affinity_key -> backend_id map.
// Opportunistic cleanup happens on every read; a caller may also drive
// a periodic Sweep.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewTable creates an empty affinity table.
func NewTable() *Table {
	return &Table{entries: make(map[string]entry)}
}

// Resolve returns the backend id bound to key if present, unexpired,
// and isLive(backendID) reports true — otherwise it purges the entry
// (if any) and reports a miss. TTL is renewed (sliding) on every hit.
func (t *Table) Resolve(key string, ttl time.Duration, isLive func(backendID string) bool) (string, bool) {
	if key == "" {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(t.entries, key)
		return "", false
	}
	if isLive != nil && !isLive(e.backendID) {
		delete(t.entries, key)
		return "", false
	}
	e.expiresAt = time.Now().Add(ttl)
	t.entries[key] = e
	return e.backendID, true
}

// Bind creates or refreshes a binding.
func (t *Table) Bind(key, backendID string, ttl time.Duration) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = entry{backendID: backendID, expiresAt: time.Now().Add(ttl)}
}

// EvictBackend purges every binding pointing at backendID — used when
// a backend is disabled or removed.
func (t *Table) EvictBackend(backendID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if e.backendID == backendID {
			delete(t.entries, k)
		}
	}
}

// Clear removes every binding (admin "clear sessions" action).
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]entry)
}

// Sweep removes all expired entries; intended to be called
// periodically in addition to the opportunistic per-read cleanup.
func (t *Table) Sweep() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if now.After(e.expiresAt) {
			delete(t.entries, k)
		}
	}
}

// Snapshot returns a point-in-time copy of (key -> backend_id,
// expires_at) for the admin sessions endpoint.
type Binding struct {
	Key       string    `json:"key"`
	BackendID string    `json:"backend_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *Table) Snapshot() []Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Binding, 0, len(t.entries))
	for k, e := range t.entries {
		out = append(out, Binding{Key: k, BackendID: e.backendID, ExpiresAt: e.expiresAt})
	}
	return out
}

// Key derives the affinity key for a request according to cfg. An
// empty return means affinity does not apply to this request.
func Key(cfg Config, r *http.Request, clientIP string) string {
	switch cfg.Type {
	case TypeCookie:
		name := cfg.CookieName
		if name == "" {
			name = "lb_affinity"
		}
		if c, err := r.Cookie(name); err == nil {
			return c.Value
		}
		return ""
	case TypeIP:
		return clientIP
	case TypeHeader:
		if cfg.HeaderName == "" {
			return ""
		}
		return r.Header.Get(cfg.HeaderName)
	case TypeJWT:
		return jwtClaimKey(cfg, r)
	case TypeCustom:
		if cfg.CustomHeaderName == "" {
			return ""
		}
		return r.Header.Get(cfg.CustomHeaderName)
	default:
		return ""
	}
}

// jwtClaimKey extracts cfg.JWTClaim from the bearer token carried in
// cfg.JWTHeaderName (default Authorization), verified against
// cfg.JWTSecret with HMAC.
func jwtClaimKey(cfg Config, r *http.Request) string {
	headerName := cfg.JWTHeaderName
	if headerName == "" {
		headerName = "Authorization"
	}
	raw := r.Header.Get(headerName)
	raw = strings.TrimPrefix(raw, "Bearer ")
	raw = strings.TrimSpace(raw)
	if raw == "" || cfg.JWTSecret == "" || cfg.JWTClaim == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return ""
	}
	v, ok := claims[cfg.JWTClaim]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
