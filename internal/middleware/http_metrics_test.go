package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/webhooks/stripe", "/webhooks/stripe"},
		{"/webhooks/PayPal", "/webhooks/paypal"},
		{"/webhooks/paypal/", "/webhooks/paypal"},
		{"/webhooks/square", "/webhooks/{unknown}"},
		{"/webhooks/a/b/c", "/webhooks/{unknown}"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/wp-admin/login.php", "other"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func findMetric(families []*dto.MetricFamily, name string, labels map[string]string) *dto.Metric {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return m
		}
	}
	return nil
}

func TestHTTPMetrics(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		path         string
		body         string
		status       int
		wantPath     string
		wantRecorded bool
	}{
		{"webhook accepted", http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, http.StatusOK, "/webhooks/stripe", true},
		{"webhook rejected", http.MethodPost, "/webhooks/paypal", `{}`, http.StatusUnauthorized, "/webhooks/paypal", true},
		{"unknown provider", http.MethodPost, "/webhooks/nope", `{}`, http.StatusNotFound, "/webhooks/{unknown}", true},
		{"health excluded", http.MethodGet, "/health", "", http.StatusOK, "", false},
		{"ready excluded", http.MethodGet, "/ready", "", http.StatusOK, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics()
			reg := prometheus.NewRegistry()
			if err := m.Register(reg); err != nil {
				t.Fatalf("Register() failed: %v", err)
			}

			handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"status":"success"}`))
			}))
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}

			families, err := reg.Gather()
			if err != nil {
				t.Fatalf("Gather() failed: %v", err)
			}
			if !tt.wantRecorded {
				if len(families) != 0 {
					t.Errorf("expected no metrics, got %d families", len(families))
				}
				return
			}

			labels := map[string]string{
				"method": tt.method,
				"path":   tt.wantPath,
				"status": strconv.Itoa(tt.status),
			}
			total := findMetric(families, MetricHTTPRequestsTotal, labels)
			if total == nil || total.GetCounter().GetValue() != 1 {
				t.Fatalf("http_requests_total with %v not recorded", labels)
			}
			size := findMetric(families, MetricHTTPRequestSizeBytes, labels)
			if size == nil {
				t.Fatalf("http_request_size_bytes with %v not recorded", labels)
			}
			if got := size.GetHistogram().GetSampleSum(); got != float64(len(tt.body)) {
				t.Errorf("request size = %v, want %d", got, len(tt.body))
			}
		})
	}
}
