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
	m.IncUpload("created", "ok")
	m.ObserveUpload(0.1)
	m.IncDownload("ok")
	m.ObserveRequest("GET", "/health", "200", 0.01)
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("addonhub")
	m.IncUpload("created", "ok")
	m.IncUpload("none", "conflict")
	m.ObserveUpload(0.2)
	m.IncDownload("not_found")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "addonhub_addon_uploads_total", map[string]string{"action": "created", "outcome": "ok"}) {
		t.Fatalf("expected addon_uploads metric")
	}
	if !hasMetric(families, "addonhub_addon_uploads_total", map[string]string{"action": "none", "outcome": "conflict"}) {
		t.Fatalf("expected failed upload metric")
	}
	if !hasMetric(families, "addonhub_addon_upload_duration_seconds", nil) {
		t.Fatalf("expected upload duration metric")
	}
	if !hasMetric(families, "addonhub_addon_downloads_total", map[string]string{"outcome": "not_found"}) {
		t.Fatalf("expected addon_downloads metric")
	}
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("addonhub")
	m.ObserveRequest("POST", "/api/v1/addons", "201", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "addonhub_http_requests_total", map[string]string{"method": "POST", "route": "/api/v1/addons", "status": "201"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "addonhub_http_request_duration_seconds", map[string]string{"method": "POST", "route": "/api/v1/addons"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("addonhub")
	m.IncDownload("ok")

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
