package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	if metrics.EventsSavedTotal == nil || metrics.DeferredDroppedTotal == nil || metrics.RetentionRunsTotal == nil {
		t.Fatal("Expected metric vectors to be initialized")
	}

	metrics.EventsSavedTotal.WithLabelValues("Updated", "coalesced").Inc()
	metrics.EventsSavedTotal.WithLabelValues("Updated", "coalesced").Inc()

	if got := testutil.ToFloat64(metrics.EventsSavedTotal.WithLabelValues("Updated", "coalesced")); got != 2 {
		t.Errorf("Expected 2 saved events, got %v", got)
	}

	t.Run("registering twice panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("Expected panic on duplicate registration")
			}
		}()
		NewMetrics(registry)
	})
}

func TestNewUnregisteredMetrics(t *testing.T) {
	a := NewUnregisteredMetrics()
	b := NewUnregisteredMetrics()
	a.DeferredGapsSkipped.Inc()

	if got := testutil.ToFloat64(b.DeferredGapsSkipped); got != 0 {
		t.Errorf("Expected independent registries, got %v", got)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(metrics, "/audit/events/{id}")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/audit/events/42", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/audit/events/{id}", "404")); got != 1 {
		t.Errorf("Expected one 404 request, got %v", got)
	}
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.RetentionDeletedTotal.Add(5)

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "audittrail_retention_deleted_total 5") {
		t.Errorf("Expected retention counter in output, got:\n%s", body)
	}
}
