package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/seantiz/cinder/internal/model"
)

func TestHealthzEndpoint(t *testing.T) {
	env := newTestServer(t)

	resp := env.do(t, http.MethodGet, "/healthz", nil)
	wantStatus(t, resp, http.StatusOK)

	body := decode[healthResponse](t, resp)
	if body.Status != "ok" || body.Stores != 1 || body.Workers != 0 {
		t.Errorf("healthz = %+v, want ok with one store and no workers", body)
	}
}

func TestHealthzStoreDown(t *testing.T) {
	env := newTestServer(t)
	env.store.Close()

	resp := env.do(t, http.MethodGet, "/healthz", nil)
	wantStatus(t, resp, http.StatusServiceUnavailable)
	if body := decode[healthResponse](t, resp); body.Status != "unavailable" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)

	// Make a request to generate metrics.
	env.do(t, http.MethodGet, "/healthz", nil)

	resp := env.do(t, http.MethodGet, "/metrics", nil)
	wantStatus(t, resp, http.StatusOK)

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	body := bodyString(t, resp)
	for _, name := range []string{
		"cinder_http_requests_total",
		"cinder_http_request_duration_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestGetStatsEmpty(t *testing.T) {
	env := newTestServer(t)

	resp := env.do(t, http.MethodGet, "/v1/stats", nil)
	wantStatus(t, resp, http.StatusOK)

	stats := decode[statsResponse](t, resp)
	if stats.Total != 0 || stats.Workers != 0 || stats.Locations != 0 {
		t.Errorf("stats = %+v, want zeroes", stats)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	env.dataset(t, "a.txt", "alpha")
	env.dataset(t, "b.txt", "bravo")
	if _, err := env.machine.Create(ctx, &model.Bundle{BundleType: model.BundleTypeRun, Command: "true"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.broker.Checkin(ctx, "w1", model.WorkerInfo{}, 0); err != nil {
		t.Fatalf("Checkin: %v", err)
	}

	resp := env.do(t, http.MethodGet, "/v1/stats", nil)
	wantStatus(t, resp, http.StatusOK)

	stats := decode[statsResponse](t, resp)
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByState[model.StateReady] != 2 {
		t.Errorf("by_state[ready] = %d, want 2", stats.ByState[model.StateReady])
	}
	if stats.ByState[model.StateStaged] != 1 {
		t.Errorf("by_state[staged] = %d, want 1", stats.ByState[model.StateStaged])
	}
	if stats.ByType[model.BundleTypeDataset] != 2 || stats.ByType[model.BundleTypeRun] != 1 {
		t.Errorf("by_type = %v", stats.ByType)
	}
	if stats.Locations != 2 {
		t.Errorf("locations = %d, want 2", stats.Locations)
	}
	if stats.Workers != 1 {
		t.Errorf("workers = %d, want 1", stats.Workers)
	}
}
