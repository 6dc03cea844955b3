package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gobalance/corelb/internal/backend"
	"github.com/gobalance/corelb/internal/logging"
)

// Prober runs one service's batch of active probes per tick. A batch
// is skipped entirely if the previous one is still in flight; the
// running batch is not cancelled by that later tick. Each probe is
// bounded by its own ActiveConfig.Timeout, and a probe that reaches it
// counts as one failed probe with reason "probe_timeout".
type Prober struct {
	tracker *Tracker
	client  *http.Client
	logger  *logging.Logger

	inFlight atomic.Bool
}

// NewProber creates a Prober bound to tracker.
func NewProber(tracker *Tracker, logger *logging.Logger) *Prober {
	return &Prober{
		tracker: tracker,
		client:  &http.Client{},
		logger:  logger,
	}
}

// RunBatch probes every enabled backend concurrently and reports
// whether a batch actually ran (false if skipped due to overlap).
func (p *Prober) RunBatch(ctx context.Context, cfg ActiveConfig, backends []*backend.Backend) bool {
	if !cfg.Enabled {
		return false
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		if p.logger != nil {
			p.logger.Warn("active_probe_batch_skipped_overlap")
		}
		return false
	}
	defer p.inFlight.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		b := b
		if !b.Enabled() {
			continue
		}
		g.Go(func() error {
			p.probeOne(gctx, cfg, b)
			return nil
		})
	}
	_ = g.Wait()
	return true
}

// probeOne runs an active probe against b, gated by the circuit breaker
// exactly like a live request: done/permitted come from tracker.Allow,
// which is also the only thing that drives gobreaker's internal
// Open -> HalfOpen timer. Live requests never reach Allow for an
// open-circuit backend (Pool.Candidates excludes it via
// EffectiveHealthy), so without this the breaker would never see
// another Allow call and could never leave the open state on its own.
func (p *Prober) probeOne(ctx context.Context, cfg ActiveConfig, b *backend.Backend) {
	done, permitted := p.tracker.Allow(b)
	if !permitted {
		return
	}

	success, reason := p.doProbe(ctx, cfg, b)
	done(success)
	p.tracker.RecordOutcome(b, success, reason)
}

func (p *Prober) doProbe(ctx context.Context, cfg ActiveConfig, b *backend.Backend) (success bool, reason string) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	path := cfg.Path
	if path == "" {
		path = "/health"
	}

	req, err := http.NewRequestWithContext(probeCtx, method, strings.TrimRight(b.URL.String(), "/")+path, nil)
	if err != nil {
		return false, "probe_request_error"
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return false, "probe_timeout"
		}
		return false, "probe_transport_error"
	}
	defer resp.Body.Close()

	if !statusExpected(resp.StatusCode, cfg.ExpectedStatus) {
		return false, fmt.Sprintf("probe_status_%d", resp.StatusCode)
	}

	if cfg.ExpectedBody != "" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if !strings.Contains(string(body), cfg.ExpectedBody) {
			return false, "probe_body_mismatch"
		}
	}

	return true, ""
}

func statusExpected(status int, allowed []int) bool {
	if len(allowed) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}
