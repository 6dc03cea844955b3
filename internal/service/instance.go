// Package service implements ServiceInstance, the per-hostname actor
// that owns one tenant's pools, health tracker, affinity table, and
// config snapshot. Config mutations run serialized through a single
// write lane; reads take a lock-free snapshot pointer. Health and
// circuit outcomes from active probes and live requests do not go
// through the write lane: the health tracker applies them directly to
// the backend objects.
package service

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobalance/corelb/internal/affinity"
	"github.com/gobalance/corelb/internal/backend"
	"github.com/gobalance/corelb/internal/config"
	"github.com/gobalance/corelb/internal/forwarder"
	"github.com/gobalance/corelb/internal/health"
	"github.com/gobalance/corelb/internal/logging"
	"github.com/gobalance/corelb/internal/metrics"
	"github.com/gobalance/corelb/internal/notify"
	"github.com/gobalance/corelb/internal/reqctx"
	"github.com/gobalance/corelb/internal/retry"
	"github.com/gobalance/corelb/internal/selector"
)

// Snapshot is the immutable, point-in-time view a reader obtains in
// O(1): the effective config plus the live pool objects it governs.
// Swapping the pointer is the only way a snapshot changes.
type Snapshot struct {
	Config *config.ServiceConfig
	Pools  []*backend.Pool
}

// poolSteering binds a snapshot to the forwarder.BackendPicker
// contract.
type poolSteering struct {
	snap            *Snapshot
	sel             *selector.Selector
	activeHCEnabled bool
}

func (p *poolSteering) steeringFor() []selector.PoolSteering {
	out := make([]selector.PoolSteering, 0, len(p.snap.Pools))
	for _, pool := range p.snap.Pools {
		steering := pool.EndpointSteering
		if steering == "" {
			steering = p.snap.Config.SteeringPolicy
		}
		out = append(out, selector.PoolSteering{Pool: pool, Steering: steering})
	}
	return out
}

func (p *poolSteering) Pick(excluded map[string]struct{}, pc selector.PickContext, affinityBackendID string) (*backend.Backend, bool) {
	return p.sel.Select(p.steeringFor(), excluded, p.activeHCEnabled, pc, affinityBackendID)
}

func (p *poolSteering) IsLive(backendID string) bool {
	for _, pool := range p.snap.Pools {
		if b, ok := pool.GetBackend(backendID); ok {
			return b.EffectiveHealthy(p.activeHCEnabled)
		}
	}
	return false
}

// ServiceInstance is the actor owning one hostname's routing,
// health-tracking, and affinity state.
type ServiceInstance struct {
	hostname  string
	store     config.Store
	logger    *logging.Logger
	notifier  notify.Sink
	selector  *selector.Selector
	affinity  *affinity.Table
	tracker   *health.Tracker
	prober    *health.Prober
	forwarder *forwarder.Forwarder
	startedAt time.Time

	snap atomic.Pointer[Snapshot]

	writeLane chan func()
	done      chan struct{}
}

// New builds a ServiceInstance from an initial config and starts its
// write lane goroutine. Callers must call Close when the service is
// removed.
func New(cfg config.ServiceConfig, store config.Store, logger *logging.Logger, notifier notify.Sink) *ServiceInstance {
	cfg.ApplyDefaults()
	affinityTable := affinity.NewTable()
	tracker := health.NewTracker(cfg.Hostname, cfg.ActiveHC, cfg.CircuitBreaker, notifier, logger)

	svc := &ServiceInstance{
		hostname:  cfg.Hostname,
		store:     store,
		logger:    logger,
		notifier:  notifier,
		selector:  selector.New(),
		affinity:  affinityTable,
		tracker:   tracker,
		prober:    health.NewProber(tracker, logger),
		forwarder: forwarder.New(cfg.Hostname, tracker, affinityTable, logger),
		startedAt: time.Now(),
		writeLane: make(chan func(), 64),
		done:      make(chan struct{}),
	}
	svc.snap.Store(buildSnapshot(&cfg, nil))
	go svc.runWriteLane()
	go svc.runActiveProbeLoop()
	return svc
}

// runActiveProbeLoop ticks at a fixed granularity and runs a probe
// batch whenever the service's configured active_hc.interval has
// elapsed, so a reload that changes the interval takes effect on the
// next tick without restarting the loop.
func (s *ServiceInstance) runActiveProbeLoop() {
	const tickGranularity = time.Second
	ticker := time.NewTicker(tickGranularity)
	defer ticker.Stop()

	var lastRun time.Time
	for {
		select {
		case <-ticker.C:
			snap := s.Snapshot()
			if !snap.Config.ActiveHC.Enabled {
				continue
			}
			if time.Since(lastRun) < snap.Config.ActiveHC.Interval {
				continue
			}
			lastRun = time.Now()
			s.RunActiveProbes(context.Background())
		case <-s.done:
			return
		}
	}
}

func (s *ServiceInstance) runWriteLane() {
	for {
		select {
		case fn := <-s.writeLane:
			fn()
		case <-s.done:
			return
		}
	}
}

// Close stops the write lane. In-flight requests already holding a
// snapshot are unaffected.
func (s *ServiceInstance) Close() {
	close(s.done)
}

// buildSnapshot builds a fresh Snapshot from cfg. When prev is
// non-nil, a backend that already existed under the same (pool_id, id)
// adopts its runtime state (health, circuit state, counters) from the
// prior snapshot's object instead of starting fresh, so an ApplyConfig
// that touches one backend does not reset every backend's metrics.
func buildSnapshot(cfg *config.ServiceConfig, prev *Snapshot) *Snapshot {
	cfgCopy := *cfg
	pools := make([]*backend.Pool, 0, len(cfg.Pools))
	for _, ps := range cfg.Pools {
		pool := backend.NewPool(ps.ID)
		pool.Disabled = ps.Disabled
		pool.MinimumOrigins = ps.MinimumOrigins
		pool.EndpointSteering = ps.EndpointSteering
		for _, bs := range ps.Backends {
			u, err := parseBackendURL(bs.URL)
			if err != nil {
				continue
			}
			enabled := true
			if bs.Enabled != nil {
				enabled = *bs.Enabled
			}
			b := backend.NewBackend(ps.ID, bs.ID, u, bs.Weight, bs.Priority)
			b.Regions = bs.Regions
			b.SetEnabled(enabled)
			if existing := findPreviousBackend(prev, ps.ID, bs.ID); existing != nil {
				b.AdoptRuntimeState(existing)
			}
			pool.AddBackend(b)
		}
		pools = append(pools, pool)
	}
	return &Snapshot{Config: &cfgCopy, Pools: pools}
}

func findPreviousBackend(prev *Snapshot, poolID, backendID string) *backend.Backend {
	if prev == nil {
		return nil
	}
	for _, pool := range prev.Pools {
		if pool.ID != poolID {
			continue
		}
		if b, ok := pool.GetBackend(backendID); ok {
			return b
		}
	}
	return nil
}

// Snapshot returns the current config+pools view in O(1), without
// blocking on the write lane.
func (s *ServiceInstance) Snapshot() *Snapshot {
	return s.snap.Load()
}

// ServeHTTP proxies one request against the current snapshot, driving
// the selector and the forwarder's retry/failover loop.
func (s *ServiceInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := s.Snapshot()
	ctx := reqctx.New(r, snap.Config.Observability.TrustedIPHeader)
	picker := &poolSteering{snap: snap, sel: s.selector, activeHCEnabled: snap.Config.ActiveHC.Enabled}
	s.forwarder.Forward(w, r, ctx, picker, snap.Config)
}

// ApplyConfig validates newCfg, persists it, and swaps in a freshly
// built snapshot. It blocks until the mutation has been applied by the
// write lane, preserving the total order of mutations for this
// service.
func (s *ServiceInstance) ApplyConfig(newCfg config.ServiceConfig) error {
	if err := newCfg.Validate(); err != nil {
		return err
	}
	newCfg.ApplyDefaults()

	errCh := make(chan error, 1)
	s.writeLane <- func() {
		blob, err := marshalConfig(&newCfg)
		if err != nil {
			errCh <- err
			return
		}
		if s.store != nil {
			if err := s.store.Put(newCfg.Hostname, blob); err != nil {
				errCh <- err
				return
			}
		}

		old := s.snap.Load()
		next := buildSnapshot(&newCfg, old)
		s.tracker.Reconfigure(newCfg.ActiveHC, newCfg.CircuitBreaker)
		for _, pool := range old.Pools {
			for _, b := range pool.Backends() {
				if !stillPresent(next.Pools, pool.ID, b.ID) {
					s.tracker.DropBackend(b.ID)
					s.affinity.EvictBackend(b.ID)
				}
			}
		}
		s.snap.Store(next)
		errCh <- nil
	}
	return <-errCh
}

func stillPresent(pools []*backend.Pool, poolID, backendID string) bool {
	for _, p := range pools {
		if p.ID != poolID {
			continue
		}
		_, ok := p.GetBackend(backendID)
		return ok
	}
	return false
}

// RunActiveProbes runs one batch of active health probes across every
// pool of the current snapshot.
func (s *ServiceInstance) RunActiveProbes(ctx context.Context) {
	snap := s.Snapshot()
	if !snap.Config.ActiveHC.Enabled {
		return
	}
	for _, pool := range snap.Pools {
		s.prober.RunBatch(ctx, snap.Config.ActiveHC, pool.Backends())
	}
}

// Tracker exposes the health tracker for admin force-probe/metrics use.
func (s *ServiceInstance) Tracker() *health.Tracker { return s.tracker }

// Affinity exposes the affinity table for the admin sessions endpoint.
func (s *ServiceInstance) Affinity() *affinity.Table { return s.affinity }

// Hostname returns the service's configured hostname.
func (s *ServiceInstance) Hostname() string { return s.hostname }

// StartedAt returns when this ServiceInstance was created, surfaced in
// the admin metrics endpoint.
func (s *ServiceInstance) StartedAt() time.Time { return s.startedAt }

// RetryBudget exposes the service's persistent retry budget, or nil if
// none has been created yet.
func (s *ServiceInstance) RetryBudget() *retry.Budget { return s.forwarder.Budget() }

// RetryBudgetTokens reports the service's available retry budget
// tokens, or (0, false) if no budget has been created yet. Satisfies
// metrics.Instance.
func (s *ServiceInstance) RetryBudgetTokens() (int64, bool) {
	b := s.RetryBudget()
	if b == nil {
		return 0, false
	}
	return b.GetAvailable(), true
}

// SetMetricsRecorder attaches a metrics recorder to the service's
// forwarder; passing nil disables recording.
func (s *ServiceInstance) SetMetricsRecorder(r forwarder.MetricsRecorder) {
	s.forwarder.SetRecorder(r)
}

// Backends returns every backend's runtime view across the current
// snapshot's pools. Satisfies metrics.Instance.
func (s *ServiceInstance) Backends() []metrics.BackendView {
	snap := s.Snapshot()
	out := make([]metrics.BackendView, 0)
	for _, pool := range snap.Pools {
		for _, b := range pool.Backends() {
			out = append(out, metrics.BackendView{ID: b.ID, Healthy: b.Healthy(), CBState: b.CBState().String(), Inflight: b.Inflight()})
		}
	}
	return out
}
