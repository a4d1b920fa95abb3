// Package notify delivers operational alerts (confirmed identity blocks,
// daily usage summaries) to an external sink. Delivery is fire-and-forget
// and best-effort.
package notify

import (
	"context"
	"log"
)

// Notifier delivers one message. Implementations must be safe for concurrent
// use and must not block callers beyond their own timeout.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogNotifier writes messages to the process log. Used when no webhook is
// configured, so alert emission points stay exercised in every deployment.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, message string) error {
	log.Printf("[notify] %s", message)
	return nil
}
