package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	r := New()
	r.RecordCycle("ok", 2*time.Second)
	r.RecordCycle("ok", time.Second)
	r.RecordCandlesUpserted("BTCUSDT", "1h", 3)
	r.RecordCandlesUpserted("BTCUSDT", "1h", 0)
	r.RecordHeldBase("BTCUSDT", true)

	if got := testutil.ToFloat64(r.cycles.WithLabelValues("ok")); got != 2 {
		t.Fatalf("Expected 2 cycles, got %v", got)
	}
	if got := testutil.ToFloat64(r.candlesUpserted.WithLabelValues("BTCUSDT", "1h")); got != 3 {
		t.Fatalf("Expected 3 candles, got %v", got)
	}
	if got := testutil.ToFloat64(r.heldBase.WithLabelValues("BTCUSDT")); got != 1 {
		t.Fatalf("Expected held base gauge 1, got %v", got)
	}
}

func TestRecordersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordOracle("ok", "BUY")
	if got := testutil.ToFloat64(b.oracleRequests.WithLabelValues("ok", "BUY")); got != 0 {
		t.Fatalf("Expected separate registries, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RecordOutcome("BUY", "skipped")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `quantis_strategy_outcomes_total{action="BUY",status="skipped"} 1`) {
		t.Fatalf("Expected outcome counter in output:\n%s", body)
	}
}
