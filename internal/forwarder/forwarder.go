// Package forwarder drives the retry/failover loop and performs the
// actual upstream request: header rewriting, host-header policy, body
// replay across attempts, WebSocket pass-through, and the
// observability headers set on every proxied response.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobalance/corelb/internal/affinity"
	"github.com/gobalance/corelb/internal/apierr"
	"github.com/gobalance/corelb/internal/backend"
	"github.com/gobalance/corelb/internal/config"
	"github.com/gobalance/corelb/internal/health"
	"github.com/gobalance/corelb/internal/logging"
	"github.com/gobalance/corelb/internal/reqctx"
	"github.com/gobalance/corelb/internal/retry"
	"github.com/gobalance/corelb/internal/selector"
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1,
// plus the proxy-specific headers the teacher also dropped.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// BackendPicker is the selection seam the forwarder consults for every
// attempt; ServiceInstance supplies the live implementation bound to
// the service's current config snapshot.
type BackendPicker interface {
	Pick(excluded map[string]struct{}, pc selector.PickContext, affinityBackendID string) (*backend.Backend, bool)
	IsLive(backendID string) bool
}

// MetricsRecorder receives per-attempt and per-retry observations. A
// nil recorder on a Forwarder disables metrics recording entirely.
type MetricsRecorder interface {
	ObserveRequest(service, backendID, method string, status int, d time.Duration)
	ObserveRetry(service, reason string)
}

// Forwarder drives one service's proxied requests.
type Forwarder struct {
	serviceName string
	tracker     *health.Tracker
	affinity    *affinity.Table
	logger      *logging.Logger
	transport   http.RoundTripper
	recorder    MetricsRecorder

	budgetMu      sync.Mutex
	budget        *retry.Budget
	budgetPercent int
}

// SetRecorder attaches a metrics recorder; passing nil disables
// recording.
func (f *Forwarder) SetRecorder(r MetricsRecorder) { f.recorder = r }

// New creates a Forwarder bound to a service's health tracker and
// affinity table.
func New(serviceName string, tracker *health.Tracker, affinityTable *affinity.Table, logger *logging.Logger) *Forwarder {
	return &Forwarder{
		serviceName: serviceName,
		tracker:     tracker,
		affinity:    affinityTable,
		logger:      logger,
		transport:   http.DefaultTransport,
	}
}

// Forward drives the retry/failover loop for one inbound request
// against picker, using cfg's retry policy, host-header policy, and
// observability header names.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, ctx *reqctx.Context, picker BackendPicker, cfg *config.ServiceConfig) {
	policy := cfg.RetryPolicy.ToPolicy()
	if cfg.RetryPolicy.BudgetPercent > 0 {
		policy = policy.WithExistingBudget(f.budgetFor(cfg.RetryPolicy.BudgetPercent))
	}
	obs := cfg.Observability

	bodyBytes, bufferable, err := retry.BufferRequestBody(r, policy.MaxBodyBytesForRetry)
	if err != nil {
		apierr.WriteError(w, apierr.BadRequest, "failed to read request body")
		return
	}

	start := time.Now()
	var lastErr error
	var lastStatus int
	bytesSentToClient := false

	affinityKey := affinity.Key(cfg.SessionAffinity, r, ctx.ClientIP)
	ctx.AffinityKey = affinityKey

	for attempt := 1; ; attempt++ {
		ctx.NextAttempt()

		if bufferable && (attempt > 1 || len(bodyBytes) > 0) {
			retry.RestoreRequestBody(r, bodyBytes)
		}

		affinityBackendID := ""
		if affinityKey != "" {
			if id, ok := f.affinity.Resolve(affinityKey, cfg.SessionAffinity.TTL, picker.IsLive); ok {
				affinityBackendID = id
			}
		}

		b, ok := picker.Pick(ctx.Excluded(), selector.PickContext{ClientIP: ctx.ClientIP, RegionTag: r.Header.Get(obs.RegionHeader)}, affinityBackendID)
		if !ok {
			if attempt == 1 {
				apierr.WriteError(w, apierr.NoBackendAvailable, "no healthy backend available")
			} else {
				f.writeFailure(w, ctx, attempt-1, lastStatus, lastErr)
			}
			return
		}

		done, permitted := f.tracker.Allow(b)
		if !permitted {
			ctx.MarkTried(b.ID)
			if !policy.ShouldRetry(r.Method, bytesSentToClient, false, attempt, time.Since(start)) {
				f.writeFailure(w, ctx, attempt, lastStatus, errors.New("circuit open"))
				return
			}
			f.observeRetry("circuit_open")
			continue
		}

		attemptStart := time.Now()
		status, attemptErr, upgraded := f.attempt(w, r, ctx, b, cfg, obs, policy.RetryableStatus, policy.AttemptTimeout, &bytesSentToClient)
		rt := time.Since(attemptStart)
		done(attemptErr == nil && !policy.RetryableStatus(status))
		if f.recorder != nil {
			f.recorder.ObserveRequest(f.serviceName, b.ID, r.Method, status, rt)
		}

		if upgraded {
			return
		}

		if attemptErr == nil && !policy.RetryableStatus(status) {
			f.tracker.RecordOutcome(b, true, "")
			b.RecordRequestOutcome(true, rt, "")
			if affinityKey != "" {
				f.affinity.Bind(affinityKey, b.ID, cfg.SessionAffinity.TTL)
			}
			return
		}

		reason := "upstream_failure"
		if attemptErr != nil {
			reason = classifyReason(attemptErr)
		} else {
			reason = fmt.Sprintf("status_%d", status)
		}
		f.tracker.RecordOutcome(b, false, reason)
		b.RecordRequestOutcome(false, rt, reason)
		ctx.MarkTried(b.ID)
		lastErr = attemptErr
		lastStatus = status

		if bytesSentToClient {
			return
		}

		connectFailure := attemptErr != nil && isConnectFailure(attemptErr)
		if !bufferable || !policy.ShouldRetry(r.Method, bytesSentToClient, connectFailure, attempt, time.Since(start)) {
			f.writeFailure(w, ctx, attempt, lastStatus, lastErr)
			return
		}

		f.observeRetry(reason)
		time.Sleep(policy.Delay(attempt))
	}
}

func (f *Forwarder) observeRetry(reason string) {
	if f.recorder != nil {
		f.recorder.ObserveRetry(f.serviceName, reason)
	}
}

// Budget returns the service's persistent retry budget, or nil if no
// request has yet enabled a budget_percent. Consulted by the metrics
// exporter for the retry_budget_tokens gauge.
func (f *Forwarder) Budget() *retry.Budget {
	f.budgetMu.Lock()
	defer f.budgetMu.Unlock()
	return f.budget
}

// budgetFor returns the service's persistent retry budget, recreating
// it only when the configured percentage changes.
func (f *Forwarder) budgetFor(percent int) *retry.Budget {
	f.budgetMu.Lock()
	defer f.budgetMu.Unlock()
	if f.budget == nil || f.budgetPercent != percent {
		f.budget = retry.NewBudget(percent)
		f.budgetPercent = percent
	}
	return f.budget
}

// attempt performs exactly one upstream call, bounded by attemptTimeout
// in addition to the inbound request's own deadline, returning the
// upstream status (0 on a transport-level failure), the transport error
// if any, and whether the connection was upgraded to a raw byte pipe.
// attemptTimeout stops governing the connection once it is upgraded;
// the passthrough pipe outlives the attempt's own deadline.
func (f *Forwarder) attempt(
	w http.ResponseWriter,
	r *http.Request,
	ctx *reqctx.Context,
	b *backend.Backend,
	cfg *config.ServiceConfig,
	obs config.ObservabilitySpec,
	retryableStatus func(int) bool,
	attemptTimeout time.Duration,
	bytesSentToClient *bool,
) (status int, err error, upgraded bool) {
	attemptCtx := r.Context()
	if attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, attemptTimeout)
		defer cancel()
	}

	upstreamReq, err := f.buildUpstreamRequest(attemptCtx, r, ctx, b, cfg, obs)
	if err != nil {
		return 0, err, false
	}

	b.IncInflight()
	resp, err := f.transport.RoundTrip(upstreamReq)
	b.DecInflight()
	if err != nil {
		return 0, err, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusSwitchingProtocols {
		if err := f.passthroughWebSocket(w, resp); err != nil {
			f.logger.Warn("websocket_passthrough_failed", "backend", b.ID, "error", err.Error())
		}
		return resp.StatusCode, nil, true
	}

	if retryableStatus(resp.StatusCode) {
		return resp.StatusCode, nil, false
	}

	f.writeSuccess(w, resp, b, ctx, obs)
	*bytesSentToClient = true
	return resp.StatusCode, nil, false
}

func (f *Forwarder) buildUpstreamRequest(attemptCtx context.Context, r *http.Request, ctx *reqctx.Context, b *backend.Backend, cfg *config.ServiceConfig, obs config.ObservabilitySpec) (*http.Request, error) {
	upstreamURL := *b.URL
	upstreamURL.Path = singleJoiningSlash(b.URL.Path, r.URL.Path)
	upstreamURL.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(attemptCtx, r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = r.ContentLength
	outReq.GetBody = r.GetBody

	outReq.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		if h == "Upgrade" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			continue
		}
		outReq.Header.Del(h)
	}

	if obs.AppendForwardedFor {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
				outReq.Header.Set("X-Forwarded-For", prior+", "+host)
			} else {
				outReq.Header.Set("X-Forwarded-For", host)
			}
		}
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	if obs.RequestIDHeader != "" {
		outReq.Header.Set(obs.RequestIDHeader, ctx.RequestID)
	}

	switch cfg.HostHeaderPolicy {
	case "backend_hostname":
		outReq.Host = b.URL.Hostname()
	case "preserve", "":
		outReq.Host = r.Host
	default:
		outReq.Host = cfg.HostHeaderPolicy
	}

	return outReq, nil
}

func (f *Forwarder) writeSuccess(w http.ResponseWriter, resp *http.Response, b *backend.Backend, ctx *reqctx.Context, obs config.ObservabilitySpec) {
	for k, vv := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if obs.BackendUsedHeader != "" {
		w.Header().Set(obs.BackendUsedHeader, b.ID)
	}
	if obs.AttemptsHeader != "" {
		w.Header().Set(obs.AttemptsHeader, strconv.Itoa(ctx.AttemptNumber()))
	}
	if obs.RequestIDHeader != "" {
		w.Header().Set(obs.RequestIDHeader, ctx.RequestID)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (f *Forwarder) writeFailure(w http.ResponseWriter, ctx *reqctx.Context, attempts int, lastStatus int, lastErr error) {
	code := apierr.AllBackendsFailed
	if lastErr != nil && isTimeout(lastErr) {
		code = apierr.UpstreamTimeout
	} else if lastStatus == 0 && lastErr != nil {
		code = apierr.NoBackendAvailable
	}
	f.logger.Warn("request_failed", "service", f.serviceName, "request_id", ctx.RequestID, "attempts", attempts)
	w.Header().Set("X-Attempts", strconv.Itoa(attempts))
	w.Header().Set("X-Request-Id", ctx.RequestID)
	apierr.WriteError(w, code, fmt.Sprintf("request_id=%s", ctx.RequestID))
}

// passthroughWebSocket hijacks the client connection and splices it to
// the already-upgraded upstream connection. No retries are possible
// past this point.
func (f *Forwarder) passthroughWebSocket(w http.ResponseWriter, resp *http.Response) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return fmt.Errorf("response writer does not support hijacking")
	}
	upstreamConn, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return fmt.Errorf("upstream response body is not a raw connection")
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return err
	}
	defer clientConn.Close()
	defer upstreamConn.Close()

	if err := resp.Write(clientConn); err != nil {
		return err
	}
	if clientBuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstreamConn, clientBuf.Reader, int64(clientBuf.Reader.Buffered())); err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstreamConn, clientConn)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, upstreamConn)
		errCh <- err
	}()
	<-errCh
	return nil
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	default:
		return a + b
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func classifyReason(err error) string {
	if isTimeout(err) {
		return "attempt_timeout"
	}
	if retry.IsTransportRetryable(err) {
		return "transport_error"
	}
	return "upstream_error"
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isConnectFailure(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

