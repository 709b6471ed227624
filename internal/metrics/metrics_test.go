package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreExposed(t *testing.T) {
	m := New()
	m.Triggers.WithLabelValues("manual", "applied").Inc()
	m.Verdicts.WithLabelValues("match").Add(2)

	if got := testutil.ToFloat64(m.Verdicts.WithLabelValues("match")); got != 2 {
		t.Fatalf("expected 2 verdicts, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `facecheck_triggers_total{outcome="applied",source="manual"} 1`) {
		t.Fatalf("trigger counter missing from exposition:\n%s", body)
	}
}
