package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/giggatek/reconciler/internal/archive"
	"github.com/giggatek/reconciler/internal/config"
	"github.com/giggatek/reconciler/internal/payment"
)

const testSecret = "whsec_test_secret"

func testConfig() *config.Config {
	return &config.Config{
		Env:                       "test",
		StripeWebhookSecret:       testSecret,
		StripeTolerance:           5 * time.Minute,
		NotifyWorkers:             1,
		NotifyQueueSize:           8,
		RentalBillingPeriodMonths: 1,
	}
}

func newTestApp(t *testing.T, store payment.Store, logger *slog.Logger) *app {
	t.Helper()
	a, err := newApp(testConfig(), services{store: store, archive: archive.NewMemoryArchiver()}, prometheus.NewRegistry(), logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.dispatcher.Close(ctx)
	})
	return a
}

func signedStripeRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return req
}

func TestNewApp_ReconcilesAndExposesMetrics(t *testing.T) {
	store := payment.NewInMemoryStore()
	store.PutOrder(payment.Order{
		ID:          42,
		UserID:      5,
		Status:      payment.OrderStatusPending,
		TotalAmount: decimal.RequireFromString("49.99"),
	})

	var logBuf bytes.Buffer
	a := newTestApp(t, store, slog.New(slog.NewJSONHandler(&logBuf, nil)))

	body := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded",
		"data":{"object":{"id":"pi_42","object":"payment_intent","amount":4999,"amount_received":4999,
		"currency":"usd","metadata":{"order_id":"42"}}}}`)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, signedStripeRequest(t, body))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
	order, err := store.Order(42)
	if err != nil || order.Status != payment.OrderStatusPaid {
		t.Errorf("order = %+v, %v", order, err)
	}
	if !strings.Contains(logBuf.String(), `"provider":"stripe"`) {
		t.Errorf("request log missing provider: %s", logBuf.String())
	}

	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	metrics := w.Body.String()
	for _, name := range []string{"webhook_events_total", "http_requests_total", "reconciliation_duration_seconds"} {
		if !strings.Contains(metrics, name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestNewApp_Probes(t *testing.T) {
	a := newTestApp(t, payment.NewInMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, path := range []string{"/health", "/ready"} {
		w := httptest.NewRecorder()
		a.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestNewApp_RequiresProvider(t *testing.T) {
	cfg := testConfig()
	cfg.StripeWebhookSecret = ""
	_, err := newApp(cfg, services{store: payment.NewInMemoryStore()}, prometheus.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Error("expected error without any provider")
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestServe_ShutdownOnCancel(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Handler: mux}
	ln := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, ln, logger) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server failed to stop in time")
	}

	logs := logBuf.String()
	startIdx := strings.Index(logs, "starting server")
	shutdownIdx := strings.Index(logs, "shutting down server")
	stoppedIdx := strings.Index(logs, "server stopped")
	if startIdx == -1 || shutdownIdx == -1 || stoppedIdx == -1 {
		t.Fatalf("missing lifecycle logs: %s", logs)
	}
	if startIdx > shutdownIdx || shutdownIdx > stoppedIdx {
		t.Error("lifecycle logs out of order")
	}
}

func TestServe_InFlightRequestsComplete(t *testing.T) {
	var mu sync.Mutex
	var requestCompleted bool
	handlerStarted := make(chan struct{})
	handlerCanContinue := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(handlerStarted)
		<-handlerCanContinue

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"completed"}`))

		mu.Lock()
		requestCompleted = true
		mu.Unlock()
	})
	srv := &http.Server{Handler: mux}
	ln := listen(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, ln, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	type result struct {
		status int
		body   map[string]string
		err    error
	}
	respCh := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/slow")
		if err != nil {
			respCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var body map[string]string
		err = json.NewDecoder(resp.Body).Decode(&body)
		respCh <- result{status: resp.StatusCode, body: body, err: err}
	}()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler failed to start in time")
	}

	// Shut down while the request is in flight, then let it finish.
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(handlerCanContinue)

	select {
	case res := <-respCh:
		if res.err != nil {
			t.Fatalf("request error: %v", res.err)
		}
		if res.status != http.StatusOK || res.body["status"] != "completed" {
			t.Errorf("response = %d %v", res.status, res.body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request failed to complete in time")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("shutdown error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown failed to complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if !requestCompleted {
		t.Error("expected request to have completed")
	}
}
