package affinity

import (
	"net/http"
	"testing"
	"time"
)

func TestTableBindAndResolve(t *testing.T) {
	table := NewTable()
	table.Bind("session-1", "backend-a", time.Minute)

	id, ok := table.Resolve("session-1", time.Minute, func(string) bool { return true })
	if !ok || id != "backend-a" {
		t.Fatalf("Resolve() = (%q, %v), want (backend-a, true)", id, ok)
	}
}

func TestTableResolveMissOnUnknownKey(t *testing.T) {
	table := NewTable()
	if _, ok := table.Resolve("missing", time.Minute, nil); ok {
		t.Error("Resolve of an unbound key should miss")
	}
}

func TestTableResolvePurgesExpiredEntry(t *testing.T) {
	table := NewTable()
	table.Bind("session-1", "backend-a", -time.Second) // already expired

	if _, ok := table.Resolve("session-1", time.Minute, func(string) bool { return true }); ok {
		t.Error("an expired binding must not resolve")
	}
	if len(table.Snapshot()) != 0 {
		t.Error("the expired entry should have been purged")
	}
}

func TestTableResolveFailsOpenWhenBackendIsNotLive(t *testing.T) {
	table := NewTable()
	table.Bind("session-1", "backend-a", time.Minute)

	id, ok := table.Resolve("session-1", time.Minute, func(string) bool { return false })
	if ok || id != "" {
		t.Fatal("a binding to a dead backend must fail open, not be returned")
	}
	if len(table.Snapshot()) != 0 {
		t.Error("a binding to a dead backend should be purged on resolve")
	}
}

func TestTableResolveSlidesExpiry(t *testing.T) {
	table := NewTable()
	table.Bind("session-1", "backend-a", 10*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	if _, ok := table.Resolve("session-1", time.Hour, func(string) bool { return true }); !ok {
		t.Fatal("binding should still be live before its original TTL elapses")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := table.Resolve("session-1", time.Hour, func(string) bool { return true }); !ok {
		t.Fatal("a prior successful resolve should have slid the TTL forward")
	}
}

func TestTableEvictBackendPurgesAllItsBindings(t *testing.T) {
	table := NewTable()
	table.Bind("s1", "backend-a", time.Minute)
	table.Bind("s2", "backend-a", time.Minute)
	table.Bind("s3", "backend-b", time.Minute)

	table.EvictBackend("backend-a")

	if len(table.Snapshot()) != 1 {
		t.Fatalf("expected 1 binding left, got %d", len(table.Snapshot()))
	}
	if _, ok := table.Resolve("s3", time.Minute, func(string) bool { return true }); !ok {
		t.Error("bindings to other backends must survive EvictBackend")
	}
}

func TestTableSweepRemovesOnlyExpiredEntries(t *testing.T) {
	table := NewTable()
	table.Bind("stale", "backend-a", -time.Second)
	table.Bind("fresh", "backend-a", time.Minute)

	table.Sweep()

	snap := table.Snapshot()
	if len(snap) != 1 || snap[0].Key != "fresh" {
		t.Fatalf("Sweep should leave only the fresh entry, got %+v", snap)
	}
}

func TestKeyCookie(t *testing.T) {
	cfg := Config{Type: TypeCookie, CookieName: "lb_affinity"}
	r := httpRequest(t)
	r.AddCookie(&http.Cookie{Name: "lb_affinity", Value: "abc123"})

	if got := Key(cfg, r, "1.2.3.4"); got != "abc123" {
		t.Errorf("Key() = %q, want abc123", got)
	}
}

func TestKeyCookieDefaultName(t *testing.T) {
	cfg := Config{Type: TypeCookie}
	r := httpRequest(t)
	r.AddCookie(&http.Cookie{Name: "lb_affinity", Value: "xyz"})

	if got := Key(cfg, r, "1.2.3.4"); got != "xyz" {
		t.Errorf("Key() = %q, want xyz via the default cookie name", got)
	}
}

func TestKeyIPUsesClientIP(t *testing.T) {
	cfg := Config{Type: TypeIP}
	if got := Key(cfg, httpRequest(t), "9.9.9.9"); got != "9.9.9.9" {
		t.Errorf("Key() = %q, want 9.9.9.9", got)
	}
}

func TestKeyHeader(t *testing.T) {
	cfg := Config{Type: TypeHeader, HeaderName: "X-Session"}
	r := httpRequest(t)
	r.Header.Set("X-Session", "hdr-value")

	if got := Key(cfg, r, "1.2.3.4"); got != "hdr-value" {
		t.Errorf("Key() = %q, want hdr-value", got)
	}
}

func TestKeyCustomHeader(t *testing.T) {
	cfg := Config{Type: TypeCustom, CustomHeaderName: "X-Custom-Affinity"}
	r := httpRequest(t)
	r.Header.Set("X-Custom-Affinity", "custom-value")

	if got := Key(cfg, r, "1.2.3.4"); got != "custom-value" {
		t.Errorf("Key() = %q, want custom-value", got)
	}
}

func TestKeyNoneReturnsEmpty(t *testing.T) {
	cfg := Config{Type: TypeNone}
	if got := Key(cfg, httpRequest(t), "1.2.3.4"); got != "" {
		t.Errorf("Key() = %q, want empty for TypeNone", got)
	}
}

func httpRequest(t *testing.T) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return r
}
