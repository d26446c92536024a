package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RunStarted()
	m.StageFinished("container-release", "test", "failure", 2*time.Second)
	m.RunFinished("container-release", "failed", 5*time.Second)
	m.PushAttempt(false)
	m.PushAttempt(true)
	m.Provisioned(true, time.Second)
	m.Reported(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		`pipelined_runs_total{status="failed",template="container-release"} 1`,
		`pipelined_stages_total{outcome="failure",stage="test",template="container-release"} 1`,
		`pipelined_publish_attempts_total{result="failure"} 1`,
		`pipelined_publish_attempts_total{result="success"} 1`,
		`pipelined_runs_active 0`,
		`pipelined_reports_total{result="success"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("t", "succeeded", time.Second)
	m.StageFinished("t", "s", "success", time.Second)
	m.Provisioned(false, time.Second)
	m.PushAttempt(true)
	m.Reported(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
