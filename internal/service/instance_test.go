package service

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobalance/corelb/internal/backend"
	"github.com/gobalance/corelb/internal/config"
	"github.com/gobalance/corelb/internal/logging"
)

func testServiceConfig(t *testing.T, backendURL string) config.ServiceConfig {
	t.Helper()
	cfg := config.ServiceConfig{
		Hostname: "example.com",
		Pools: []config.PoolSpec{{
			ID: "default",
			Backends: []config.BackendSpec{
				{ID: "a", URL: backendURL, Weight: 1},
			},
		}},
	}
	cfg.ApplyDefaults()
	cfg.RetryPolicy.MaxRetries = 1
	return cfg
}

func TestServiceInstanceServeHTTPProxiesToBackend(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	svc := New(testServiceConfig(t, upstream.URL), config.NewMemoryStore(), logging.NewDevelopmentLogger("test"), nil)
	defer svc.Close()

	r := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
	w := httptest.NewRecorder()
	svc.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Backend-Used"); got != "a" {
		t.Errorf("X-Backend-Used = %q, want a", got)
	}
}

func TestServiceInstanceApplyConfigPersistsAndSwapsSnapshot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	store := config.NewMemoryStore()
	svc := New(testServiceConfig(t, upstream.URL), store, logging.NewDevelopmentLogger("test"), nil)
	defer svc.Close()

	newCfg := testServiceConfig(t, upstream.URL)
	newCfg.Pools[0].Backends = append(newCfg.Pools[0].Backends, config.BackendSpec{ID: "b", URL: upstream.URL, Weight: 1})

	if err := svc.ApplyConfig(newCfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	snap := svc.Snapshot()
	if len(snap.Pools[0].Backends()) != 2 {
		t.Fatalf("expected 2 backends after reload, got %d", len(snap.Pools[0].Backends()))
	}

	_, ok, err := store.Get("example.com")
	if err != nil || !ok {
		t.Fatalf("expected config persisted to store, got ok=%v err=%v", ok, err)
	}
}

func TestServiceInstanceApplyConfigPreservesUnrelatedBackendRuntimeState(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testServiceConfig(t, failing.URL)
	cfg.Pools[0].Backends[0].ID = "a"
	cfg.RetryPolicy.MaxRetries = 0

	svc := New(cfg, config.NewMemoryStore(), logging.NewDevelopmentLogger("test"), nil)
	defer svc.Close()

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
		w := httptest.NewRecorder()
		svc.ServeHTTP(w, r)
	}

	backendA := func() *backend.Backend {
		for _, pool := range svc.Snapshot().Pools {
			if b, ok := pool.GetBackend("a"); ok {
				return b
			}
		}
		return nil
	}

	before := backendA()
	if before == nil {
		t.Fatal("expected backend a to exist before reload")
	}
	statsBefore := before.RequestStats()
	if statsBefore.Requests != 3 || statsBefore.Failures != 3 {
		t.Fatalf("expected 3 recorded failures on backend a before reload, got %+v", statsBefore)
	}

	// Reload adds a sibling backend b; this has nothing to do with a,
	// but buildSnapshot rebuilds every *backend.Backend object on every
	// apply.
	newCfg := testServiceConfig(t, failing.URL)
	newCfg.Pools[0].Backends[0].ID = "a"
	newCfg.Pools[0].Backends = append(newCfg.Pools[0].Backends, config.BackendSpec{ID: "b", URL: upstream.URL, Weight: 1})
	newCfg.RetryPolicy.MaxRetries = 0

	if err := svc.ApplyConfig(newCfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	after := backendA()
	if after == nil {
		t.Fatal("expected backend a to still exist after reload")
	}
	statsAfter := after.RequestStats()

	if !reflect.DeepEqual(statsAfter, statsBefore) {
		t.Fatalf("expected backend a's counters to survive an unrelated config reload: before=%+v after=%+v", statsBefore, statsAfter)
	}
}

func TestServiceInstanceApplyConfigRejectsInvalidConfig(t *testing.T) {
	svc := New(testServiceConfig(t, "http://10.0.0.1:80"), config.NewMemoryStore(), logging.NewDevelopmentLogger("test"), nil)
	defer svc.Close()

	bad := testServiceConfig(t, "http://10.0.0.1:80")
	bad.Hostname = ""

	if err := svc.ApplyConfig(bad); err == nil {
		t.Error("expected an error for an invalid config")
	}
}

func TestServiceInstanceApplyConfigEvictsRemovedBackendFromAffinity(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	svc := New(testServiceConfig(t, upstream.URL), config.NewMemoryStore(), logging.NewDevelopmentLogger("test"), nil)
	defer svc.Close()

	svc.Affinity().Bind("client-1", "a", time.Minute)

	removed := testServiceConfig(t, upstream.URL)
	removed.Pools[0].Backends = nil
	removed.Pools[0].Disabled = true
	removed.Pools = append(removed.Pools, config.PoolSpec{
		ID: "aux",
		Backends: []config.BackendSpec{
			{ID: "c", URL: upstream.URL, Weight: 1},
		},
	})

	if err := svc.ApplyConfig(removed); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if _, ok := svc.Affinity().Resolve("client-1", time.Minute, func(string) bool { return true }); ok {
		t.Error("expected affinity binding to backend a to be evicted")
	}
}

func TestLoadFromStoreReturnsFalseWhenAbsent(t *testing.T) {
	store := config.NewMemoryStore()
	cfg, ok, err := LoadFromStore(store, "missing.example.com")
	if err != nil || ok || cfg != nil {
		t.Fatalf("LoadFromStore = (%v, %v, %v), want (nil, false, nil)", cfg, ok, err)
	}
}

func TestRunActiveProbeLoopProbesOnConfiguredInterval(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			atomic.AddInt32(&hits, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testServiceConfig(t, upstream.URL)
	cfg.ActiveHC.Enabled = true
	cfg.ActiveHC.Path = "/health"
	cfg.ActiveHC.Interval = time.Second
	cfg.ActiveHC.ConsecutiveDown = 1
	cfg.ActiveHC.ConsecutiveUp = 1

	svc := New(cfg, config.NewMemoryStore(), logging.NewDevelopmentLogger("test"), nil)
	defer svc.Close()

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&hits) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if atomic.LoadInt32(&hits) == 0 {
		t.Fatal("expected the active probe loop to have hit /health at least once within 3s")
	}
}

func TestRunActiveProbeLoopSkipsWhenDisabled(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			atomic.AddInt32(&hits, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testServiceConfig(t, upstream.URL)
	cfg.ActiveHC.Enabled = false
	cfg.ActiveHC.Path = "/health"

	svc := New(cfg, config.NewMemoryStore(), logging.NewDevelopmentLogger("test"), nil)
	defer svc.Close()

	time.Sleep(1500 * time.Millisecond)

	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Fatalf("expected no active probes while disabled, got %d", got)
	}
}

func TestLoadFromStoreRoundTrips(t *testing.T) {
	store := config.NewMemoryStore()
	original := testServiceConfig(t, "http://10.0.0.1:80")
	blob, err := marshalConfig(&original)
	if err != nil {
		t.Fatalf("marshalConfig: %v", err)
	}
	store.Put("example.com", blob)

	cfg, ok, err := LoadFromStore(store, "example.com")
	if err != nil || !ok || cfg.Hostname != "example.com" {
		t.Fatalf("LoadFromStore = (%+v, %v, %v)", cfg, ok, err)
	}
}
