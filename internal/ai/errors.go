package ai

import (
	"fmt"
)

// Error is a non-recoverable AI gateway failure. StatusCode mirrors the
// upstream HTTP status, or the closest equivalent for validation failures.
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("AI service error (%d): %s", e.StatusCode, e.Detail)
}
