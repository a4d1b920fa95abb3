package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestWebhookNotifier_Delivers(t *testing.T) {
	var got webhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 2*time.Second)
	if err := n.Notify(context.Background(), "identity blocked"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Service != "subrelay" || got.Message != "identity blocked" {
		t.Fatalf("envelope = %+v", got)
	}
	if got.At.IsZero() {
		t.Fatal("envelope timestamp unset")
	}
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 2*time.Second)
	if err := n.Notify(context.Background(), "x"); err == nil {
		t.Fatal("Notify against 502 endpoint: want error")
	}
}

func TestWebhookNotifier_BreakerOpensOnConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 2*time.Second)
	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), "x")
	}
	// After three consecutive failures the breaker opens and later deliveries
	// are rejected without touching the endpoint.
	if hits != 3 {
		t.Fatalf("endpoint hits = %d, want 3 before the breaker opened", hits)
	}
	if err := n.Notify(context.Background(), "x"); err == nil {
		t.Fatal("Notify with open breaker: want error")
	}
}

func TestLogNotifier(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}
