package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sternrassler/paged-api-client/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"

	// Register the metrics of every client package.
	_ "github.com/Sternrassler/paged-api-client/pkg/cache"
	_ "github.com/Sternrassler/paged-api-client/pkg/client"
	_ "github.com/Sternrassler/paged-api-client/pkg/pagination"
	_ "github.com/Sternrassler/paged-api-client/pkg/ratelimit"
	_ "github.com/Sternrassler/paged-api-client/pkg/throttle"
)

func TestRegistry(t *testing.T) {
	if metrics.Registry == nil {
		t.Error("Registry should not be nil")
	}

	if metrics.Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

func TestNamesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, name := range metrics.Names {
		if !strings.HasPrefix(name, "paged_") {
			t.Errorf("metric %q lacks the paged_ prefix", name)
		}
		if seen[name] {
			t.Errorf("metric %q listed twice", name)
		}
		seen[name] = true
	}
}

func TestHandler(t *testing.T) {
	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}

	// Metrics without labels are exported before the first observation.
	for _, name := range []string{"paged_pages_fetched_total", "paged_cache_hits_total", "paged_304_responses_total", "paged_ratelimit_remaining"} {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}
