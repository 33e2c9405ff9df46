package store

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationTurn is one entry of a user's rolling conversation history,
// stored JSON-encoded in a Redis list under history:<userId>.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DeadLetterRecord is a delivery job that exhausted all retries. Appended
// to the dead-letters list for offline inspection, never retried.
type DeadLetterRecord struct {
	UserID        string    `json:"userId"`
	ResponseText  string    `json:"responseText"`
	FailureReason string    `json:"failureReason"`
	FailedAt      time.Time `json:"failedAt"`
}
