package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerRendersCollectors(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/api/v1/pending", "POST", 201, 30*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/pending", "POST", 502, time.Second)
	m.Preview("sepolia")
	m.Refusal("TOKEN_REQUIRED")
	m.Submission("sepolia", "ok")
	m.Outcome("sepolia", "confirmed", 2*time.Second)
	m.CleanedUp(3)

	if got := testutil.ToFloat64(m.errors.WithLabelValues("/api/v1/pending", "POST")); got != 1 {
		t.Fatalf("expected one server error, got %v", got)
	}
	if got := testutil.ToFloat64(m.cleanupCount); got != 3 {
		t.Fatalf("expected 3 cleaned up, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`openmcp_http_requests_total{code="201",handler="/api/v1/pending",method="POST"} 1`,
		`openmcp_broadcast_refusals_total{code="TOKEN_REQUIRED"} 1`,
		`openmcp_broadcast_confirms_total{network="sepolia",outcome="confirmed"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.Preview("x")
	m.Outcome("x", "failed", time.Second)
	m.ObserveHTTPRequest("h", "GET", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatal("nil metrics must not expose a registry")
	}
}
