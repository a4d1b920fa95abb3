package notify

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

// WebhookNotifier POSTs a JSON envelope to a configured endpoint. The call
// sits behind a circuit breaker so a dead alert endpoint cannot pile up
// connections during a sustained blocking incident (the exact moment alerts
// fire most).
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewWebhookNotifier creates a webhook notifier with the given per-delivery
// timeout.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "notify-webhook",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[notify] breaker %s: %s -> %s", name, from, to)
		},
	})
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type webhookEnvelope struct {
	Service string    `json:"service"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notify delivers one message. Returns an error when the breaker is open or
// the endpoint rejects the delivery.
func (n *WebhookNotifier) Notify(ctx context.Context, message string) error {
	_, err := n.breaker.Execute(func() (any, error) {
		body, err := json.Marshal(webhookEnvelope{
			Service: "subrelay",
			Message: message,
			At:      time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("notify: marshal: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("notify: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("notify: post: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("notify: webhook status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
