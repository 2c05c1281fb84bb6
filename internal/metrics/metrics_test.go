package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestProm_ExposesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm("enchanted", reg)

	p.IncDispatch("cleanup", "operator", "inline")
	p.IncRateLimited("generate-title")
	p.IncJobOutcome("cleanup", "success")
	p.IncStep("cleanup", "ok")
	p.AddRecordsDeleted(120)
	p.AddRecordsDeleted(-5)
	p.ObserveLLMCall("platform", 200, 150*time.Millisecond)
	p.ObserveLLMCall("platform", 0, time.Second)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`enchanted_workflow_dispatch_total{class="operator",endpoint="cleanup",path="inline"} 1`,
		`enchanted_workflow_rate_limited_total{endpoint="generate-title"} 1`,
		`enchanted_workflow_job_outcomes_total{kind="cleanup",result="success"} 1`,
		`enchanted_cleanup_records_deleted_total 120`,
		`enchanted_title_llm_request_duration_seconds_count{provider="platform",status="error"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNoop_SatisfiesInterface(t *testing.T) {
	var m Metrics = Noop{}
	m.IncDispatch("a", "b", "c")
	m.ObserveLLMCall("p", 500, time.Second)
}
