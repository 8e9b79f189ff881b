package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	RecordScan("accepted")
	RecordScan("duplicate")
	RecordDeliveryAttempt("success")
	RecordRetryExhausted()
	RecordFlush("ok", 0.002)
	RecordRotation()
	SetArchiveFiles(2)
	RecordStateTransition("idle", "scanning")
	SetCurrentState("scanning", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"scanflow_scan_events_total":              false,
		"scanflow_delivery_attempts_total":        false,
		"scanflow_delivery_retry_exhausted_total": false,
		"scanflow_history_flushes_total":          false,
		"scanflow_history_flush_duration_seconds": false,
		"scanflow_history_rotations_total":        false,
		"scanflow_history_archive_files":          false,
		"scanflow_state_transitions_total":        false,
		"scanflow_state_current":                  false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	// default gatherer always exposes go runtime collectors
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics output looks empty:\n%s", body)
	}
}
