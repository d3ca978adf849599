package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	m.RecordRequest("deploy", "accepted")
	m.RecordTransition("NEW", "CREATE_REQUESTED")
	m.RecordEventPublished("CREATE_REQUESTED", nil)
	m.RecordEventConsumed("CREATE_REQUESTED", "processed")
	m.RecordProvisionerCall("fake", "create", time.Millisecond)
	m.RecordProvisionerError("fake", "create", "Unknown")
	m.RecordPollCycle(1)
	m.RecordPollOutcome("CREATE", "active")
	m.AddPollInFlight(1)
	m.RecordInvocation("forwarded")
	m.RecordForward(200, time.Millisecond)
	m.RecordArtifactUpload("s3", nil)

	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestDisabledMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordRequest("deploy", "accepted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from disabled handler, got %d", rec.Code)
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "fnplane", Path: "/metrics"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordRequest("deploy", "accepted")
	m.RecordRequest("deploy", "accepted")
	m.RecordEventPublished("DELETE_REQUESTED", errors.New("broker down"))
	m.RecordPollCycle(4)
	m.AddPollInFlight(2)
	m.AddPollInFlight(-1)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("deploy", "accepted")); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.eventsPublished.WithLabelValues("DELETE_REQUESTED", "error")); got != 1 {
		t.Errorf("failed publishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pollerLeased); got != 4 {
		t.Errorf("leased = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.pollerInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "fnplane_requests_total") {
		t.Error("expected requests counter in exposition")
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		200: "2xx",
		302: "3xx",
		404: "4xx",
		502: "5xx",
		100: "other",
	}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestNilTracerStartsNoopSpans(t *testing.T) {
	var tr *Tracer
	_, span := tr.StartProvisionerSpan(t.Context(), "fake", "create", "fn")
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("expected invalid span context from nil tracer")
	}
}
