package retry

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestBufferAndRestoreRequestBody(t *testing.T) {
	body := "test request body"
	req, err := http.NewRequest(http.MethodPost, "http://localhost:8080", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}

	buffered, ok, err := BufferRequestBody(req, 1<<20)
	if err != nil {
		t.Fatalf("buffer body: %v", err)
	}
	if !ok {
		t.Fatal("body within limit should be fully buffered")
	}
	if !bytes.Equal(buffered, []byte(body)) {
		t.Errorf("buffered bytes mismatch: want %q, got %q", body, string(buffered))
	}

	RestoreRequestBody(req, buffered)
	readBody, _ := io.ReadAll(req.Body)
	if string(readBody) != body {
		t.Errorf("restored body mismatch: want %q, got %q", body, string(readBody))
	}
}

func TestBufferRequestBodyOverLimitIsNotBuffered(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://localhost:8080", bytes.NewBufferString("0123456789"))
	buffered, ok, err := BufferRequestBody(req, 4)
	if err != nil {
		t.Fatal(err)
	}
	if ok || buffered != nil {
		t.Error("a body over the limit should report ok=false with no buffered bytes")
	}
	remaining, _ := io.ReadAll(req.Body)
	if string(remaining) != "0123456789" {
		t.Errorf("the original body must still be fully readable, got %q", remaining)
	}
}

func TestPolicyIsIdempotent(t *testing.T) {
	p := DefaultPolicy()
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete} {
		if !p.IsIdempotent(m) {
			t.Errorf("%s should be idempotent under the default policy", m)
		}
	}
	for _, m := range []string{http.MethodPost, http.MethodPatch} {
		if p.IsIdempotent(m) {
			t.Errorf("%s should not be idempotent under the default policy", m)
		}
	}
}

func TestPolicyShouldRetryRespectsMaxRetries(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRetries = 3
	if !p.ShouldRetry(http.MethodGet, false, false, 3, 0) {
		t.Error("after attempt 3 only 2 of 3 max retries are used, so it should be retryable")
	}
	if p.ShouldRetry(http.MethodGet, false, false, 4, 0) {
		t.Error("after attempt 4 all 3 max retries are used, so it should not retry again")
	}
}

func TestPolicyShouldRetryStopsAfterBytesSentToClient(t *testing.T) {
	p := DefaultPolicy()
	if p.ShouldRetry(http.MethodGet, true, false, 0, 0) {
		t.Error("once bytes have reached the client, no further attempts are allowed")
	}
}

func TestPolicyShouldRetryBlocksNonIdempotentUnlessConnectFailureAllowed(t *testing.T) {
	p := DefaultPolicy()
	if p.ShouldRetry(http.MethodPost, false, false, 0, 0) {
		t.Error("POST should not retry on a non-connect failure by default")
	}
	p.RetryNonIdempotentOnConnectFail = true
	if !p.ShouldRetry(http.MethodPost, false, true, 0, 0) {
		t.Error("POST should retry on a connect failure once explicitly allowed")
	}
}

func TestPolicyShouldRetryRespectsOverallDeadline(t *testing.T) {
	p := DefaultPolicy()
	p.OverallDeadline = 100 * time.Millisecond
	if p.ShouldRetry(http.MethodGet, false, false, 0, 200*time.Millisecond) {
		t.Error("a request past its overall deadline should not retry")
	}
}

func TestPolicyDelayRespectsCap(t *testing.T) {
	p := DefaultPolicy()
	p.Backoff = BackoffExponential
	p.BackoffBase = 100 * time.Millisecond
	p.BackoffCap = 300 * time.Millisecond

	d := p.Delay(10) // would be enormous without the cap
	if d > p.BackoffCap {
		t.Errorf("Delay() = %v, want capped at %v", d, p.BackoffCap)
	}
}

func TestPolicyDelayConstant(t *testing.T) {
	p := DefaultPolicy()
	p.Backoff = BackoffConstant
	p.BackoffBase = 50 * time.Millisecond
	p.BackoffCap = time.Second

	if got := p.Delay(1); got != 50*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 50ms", got)
	}
	if got := p.Delay(5); got != 50*time.Millisecond {
		t.Errorf("Delay(5) = %v, want 50ms (constant backoff)", got)
	}
}

func TestIsTransportRetryable(t *testing.T) {
	cases := map[string]bool{
		"connection refused":  true,
		"connection reset by peer": true,
		"i/o timeout":          true,
		"some unrelated error": false,
	}
	for msg, want := range cases {
		if got := IsTransportRetryable(errString(msg)); got != want {
			t.Errorf("IsTransportRetryable(%q) = %v, want %v", msg, got, want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestRetryBudgetTryConsume(t *testing.T) {
	budget := NewBudget(10)
	for i := 0; i < 1000; i++ {
		budget.TrackRequest()
	}
	if !budget.TryConsume() {
		t.Error("a freshly created budget should permit at least one retry")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	budget := NewBudget(1)
	consumed := 0
	for i := 0; i < 10_000; i++ {
		if budget.TryConsume() {
			consumed++
		} else {
			break
		}
	}
	if consumed == 10_000 {
		t.Error("a 1% budget should eventually refuse a retry under sustained consumption")
	}
}
