package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncRecordsRouted("telemetry")
	m.IncRecordsQuarantined("telemetry")
	m.IncTasksOpened("HIGH")
	m.IncTasksClosed("RESOLVED")
	m.IncTasksEscalated("CRITICAL")
	m.IncAccessDenied("report.generate")
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("mycelia")
	m.IncRecordsRouted("telemetry")
	m.IncRecordsQuarantined("telemetry")
	m.IncTasksOpened("HIGH")
	m.IncTasksClosed("RESOLVED")
	m.IncTasksEscalated("CRITICAL")
	m.IncAccessDenied("report.generate")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "mycelia_records_routed_total", map[string]string{"phase": "telemetry"}) {
		t.Fatalf("expected records_routed metric")
	}
	if !hasMetric(families, "mycelia_records_quarantined_total", map[string]string{"phase": "telemetry"}) {
		t.Fatalf("expected records_quarantined metric")
	}
	if !hasMetric(families, "mycelia_tasks_opened_total", map[string]string{"severity": "HIGH"}) {
		t.Fatalf("expected tasks_opened metric")
	}
	if !hasMetric(families, "mycelia_tasks_closed_total", map[string]string{"state": "RESOLVED"}) {
		t.Fatalf("expected tasks_closed metric")
	}
	if !hasMetric(families, "mycelia_tasks_escalated_total", map[string]string{"severity": "CRITICAL"}) {
		t.Fatalf("expected tasks_escalated metric")
	}
	if !hasMetric(families, "mycelia_access_denied_total", map[string]string{"action": "report.generate"}) {
		t.Fatalf("expected access_denied metric")
	}
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("mycelia")
	m.ObserveRequest("GET", "/api/v1/health", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "mycelia_http_requests_total", map[string]string{"method": "GET", "route": "/api/v1/health", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "mycelia_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/api/v1/health"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestReportMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewReportProm("mycelia")
	m.IncReportsRequested("harvest")
	m.IncReportsCompleted("harvest", "ok")
	m.IncReportExports("csv")
	m.IncScheduleFires()
	m.ObserveReportDuration("harvest", 0.5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "mycelia_reports_requested_total", map[string]string{"category": "harvest"}) {
		t.Fatalf("expected reports_requested metric")
	}
	if !hasMetric(families, "mycelia_reports_completed_total", map[string]string{"category": "harvest", "status": "ok"}) {
		t.Fatalf("expected reports_completed metric")
	}
	if !hasMetric(families, "mycelia_report_exports_total", map[string]string{"format": "csv"}) {
		t.Fatalf("expected report_exports metric")
	}
	if !hasMetric(families, "mycelia_schedule_fires_total", nil) {
		t.Fatalf("expected schedule_fires metric")
	}
	if !hasMetric(families, "mycelia_report_duration_seconds", map[string]string{"category": "harvest"}) {
		t.Fatalf("expected report_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("mycelia")
	m.IncRecordsRouted("telemetry")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
