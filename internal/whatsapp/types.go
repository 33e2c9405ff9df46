package whatsapp

import (
	"fmt"
	"time"
)

// InboundMessage is a normalized text message extracted from a webhook.
type InboundMessage struct {
	UserID    string
	Text      string
	Timestamp string
}

// StatusEvent is an asynchronous delivery-status notification for a
// previously sent message.
type StatusEvent struct {
	MessageID   string
	Status      string
	RecipientID string
}

const (
	StatusFailed          = "failed"
	StatusUnableToDeliver = "unable_to_deliver"
)

// Undeliverable reports whether the event means the message never reached
// the recipient.
func (e StatusEvent) Undeliverable() bool {
	return e.Status == StatusFailed || e.Status == StatusUnableToDeliver
}

// DeliveryError is a provider API failure. RetryAfter is only set for
// rate-limit responses.
type DeliveryError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("WhatsApp API error (%d): %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the provider asked us to slow down. These are
// re-scheduled, never counted as hard failures.
func (e *DeliveryError) RateLimited() bool {
	return e.StatusCode == 429
}

// Permanent reports whether retrying the same request is pointless.
func (e *DeliveryError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}
