package models

import "time"

// Status event constants emitted on the notification lifecycle topic.
const (
	StatusEventQueued = "queued"
	StatusEventSent   = "sent"
	StatusEventFailed = "failed"
)

// StatusEvent represents a lifecycle update for an outbound notification.
// Events are a side-channel: publishing failures are logged and never affect
// the operation that produced them.
type StatusEvent struct {
	Recipient string    `json:"recipient"`
	Kind      string    `json:"kind"`
	EventType string    `json:"event_type"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
