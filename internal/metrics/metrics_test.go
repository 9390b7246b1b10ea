package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestMetrics_CountersAndSnapshot(t *testing.T) {
	m := New()
	m.Inc(Joins)
	m.Add(Relays, 3)

	if got := m.Get(Joins); got != 1 {
		t.Fatalf("joins = %d, want 1", got)
	}
	if got := m.Get(Relays); got != 3 {
		t.Fatalf("relays = %d, want 3", got)
	}
	if got := m.Get(RelayDropNoTarget); got != 0 {
		t.Fatalf("untouched counter = %d, want 0", got)
	}

	snap := m.Snapshot()
	m.Inc(Joins)
	if snap[Joins] != 1 {
		t.Fatalf("snapshot must not track later increments, got %d", snap[Joins])
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(Joins)
	if got := m.Get(Joins); got != 0 {
		t.Fatalf("nil metrics Get = %d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("nil metrics Snapshot = %v, want nil", snap)
	}
}

func TestMetrics_ConcurrentInc(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(Relays)
			}
		}()
	}
	wg.Wait()
	if got := m.Get(Relays); got != 3200 {
		t.Fatalf("relays = %d, want 3200", got)
	}
}

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(Joins)
	m.Add(RelayDropNoTarget, 2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE meshconf_signaling_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `meshconf_signaling_events_total{event="joins"} 1`) {
		t.Fatalf("missing joins counter: %s", body)
	}
	if !strings.Contains(body, `meshconf_signaling_events_total{event="relay_drops_no_target"} 2`) {
		t.Fatalf("missing drop counter: %s", body)
	}
}
