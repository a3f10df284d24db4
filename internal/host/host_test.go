package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arkham/core/internal/platform/config"
)

func TestNewDegradesWhenWorkersDisabled(t *testing.T) {
	cfg := &config.HostConfig{
		LogMode:              "test",
		DisableWorkers:       true,
		DisableResources:     true,
		DisableShards:        true,
		EventHistoryCapacity: 10,
		HTTPAddr:             ":0",
	}

	h, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	if h.Substrate != nil {
		t.Fatal("expected substrate to stay nil when workers are disabled")
	}
	if h.Dispatcher == nil {
		t.Fatal("expected dispatcher to still be built in degraded mode")
	}
	if h.Resources != nil {
		t.Fatal("expected resources detector to be nil when disabled")
	}
}

func TestHealthzReportsSubstrateDisabled(t *testing.T) {
	cfg := &config.HostConfig{
		LogMode:              "test",
		DisableWorkers:       true,
		DisableResources:     true,
		DisableShards:        true,
		EventHistoryCapacity: 10,
	}

	h, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); !containsAll(body, `"substrate":"disabled"`, `"status":"ok"`) {
		t.Fatalf("expected disabled substrate status in body, got %s", body)
	}
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	cfg := &config.HostConfig{
		LogMode:              "test",
		DisableWorkers:       true,
		DisableResources:     true,
		DisableShards:        true,
		EventHistoryCapacity: 10,
	}

	h, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer h.Close()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !containsAll(rec.Body.String(), "arkham_jobs_enqueued_total") {
		t.Fatalf("expected arkham_jobs_enqueued_total in metrics output")
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}
