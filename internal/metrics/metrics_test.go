package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	m.CacheLoadsTotal.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluations(t *testing.T) {
	m := New()

	m.RecordEvaluations(2, 1)
	m.RecordEvaluations(1, 0)

	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("matched")); v != 3 {
		t.Fatalf("expected matched count 3, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("no_match")); v != 1 {
		t.Fatalf("expected no_match count 1, got %v", v)
	}
}

func TestSetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize("dep1", 5)
	if v := testutil.ToFloat64(m.CacheSize.WithLabelValues("dep1")); v != 5 {
		t.Fatalf("expected cache size 5, got %v", v)
	}
}

func TestResetCacheSize(t *testing.T) {
	m := New()

	m.SetCacheSize("dep1", 10)
	m.SetCacheSize("dep2", 20)
	m.ResetCacheSize()

	if v := testutil.ToFloat64(m.CacheSize.WithLabelValues("dep1")); v != 0 {
		t.Fatalf("expected cache size 0 after reset, got %v", v)
	}
}

func TestClientCounters(t *testing.T) {
	m := New()

	m.RecordUpdaterFailure("variants", true)
	m.RecordUpdaterFailure("variants", true)
	m.RecordUpdaterFailure("flags", false)
	m.RecordExposure(true)
	m.RecordExposure(false)
	m.RecordExposure(false)

	if v := testutil.ToFloat64(m.UpdaterFailuresTotal.WithLabelValues("variants", "true")); v != 2 {
		t.Fatalf("expected 2 retriable variant failures, got %v", v)
	}
	if v := testutil.ToFloat64(m.UpdaterFailuresTotal.WithLabelValues("flags", "false")); v != 1 {
		t.Fatalf("expected 1 terminal flag failure, got %v", v)
	}
	if v := testutil.ToFloat64(m.ExposuresTotal.WithLabelValues("suppressed")); v != 2 {
		t.Fatalf("expected 2 suppressed exposures, got %v", v)
	}
	if v := testutil.ToFloat64(m.ExposuresTotal.WithLabelValues("forwarded")); v != 1 {
		t.Fatalf("expected 1 forwarded exposure, got %v", v)
	}
}

func TestInstrument(t *testing.T) {
	m := New()
	h := m.Instrument("/sdk/v2/vardata", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sdk/v2/vardata", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/sdk/v2/vardata", "418")); v != 1 {
		t.Fatalf("expected 1 request, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheLoadsTotal.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "expz_cache_loads_total") {
		t.Fatal("expected response to contain expz_cache_loads_total")
	}
}

func TestIncCacheLoads(t *testing.T) {
	m := New()

	m.IncCacheLoads()
	m.IncCacheLoads()

	if v := testutil.ToFloat64(m.CacheLoadsTotal); v != 2 {
		t.Fatalf("expected cache loads 2, got %v", v)
	}
}

func TestIncCacheInvalidations(t *testing.T) {
	m := New()

	m.IncCacheInvalidations()
	m.IncCacheInvalidations()
	m.IncCacheInvalidations()

	if v := testutil.ToFloat64(m.CacheInvalidations); v != 3 {
		t.Fatalf("expected cache invalidations 3, got %v", v)
	}
}
