package loom

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns current time as Unix milliseconds. Message
// timestamps use millisecond precision so same-second turns still
// order chronologically.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
