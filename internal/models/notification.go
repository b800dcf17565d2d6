package models

import (
	"fmt"
	"time"
)

// Notification kinds supported by the composer.
const (
	KindReport       = "report"
	KindConfirmation = "confirmation"
)

// Queue statuses for notifications awaiting redelivery.
const (
	QueueStatusPending = "pending"
	QueueStatusSent    = "sent"
	QueueStatusFailed  = "failed"
)

// Notification is an immutable rendered message. It is produced by the
// composer and consumed exactly once, either by the delivery coordinator or
// by serialisation into a QueuedNotification.
type Notification struct {
	Recipient     string `json:"recipient"`
	RecipientName string `json:"recipient_name,omitempty"`
	Subject       string `json:"subject"`
	HTMLBody      string `json:"html_body"`
	Kind          string `json:"kind"`
}

// QueuedNotification is the durable form of a notification whose delivery
// exhausted every configured sender. Status transitions are driven by the
// retry worker; status "sent" implies SentAt is set and Attempts >= 1.
type QueuedNotification struct {
	ID            string     `json:"id"`
	Recipient     string     `json:"recipient"`
	RecipientName string     `json:"recipient_name,omitempty"`
	Subject       string     `json:"subject"`
	HTMLBody      string     `json:"html_body"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	LastError     string     `json:"last_error,omitempty"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// Notification reconstructs the immutable message carried by the queued row
// so it can be redelivered without re-deriving content.
func (q QueuedNotification) Notification() Notification {
	return Notification{
		Recipient:     q.Recipient,
		RecipientName: q.RecipientName,
		Subject:       q.Subject,
		HTMLBody:      q.HTMLBody,
		Kind:          q.Kind,
	}
}

// SenderIdentity is a configured "from" address and display name. An ordered
// list of these is the delivery fallback policy; it is configuration, not
// persisted state.
type SenderIdentity struct {
	Address string
	Name    string
}

// Format renders the identity as an RFC 5322 mailbox for the From header.
func (s SenderIdentity) Format() string {
	if s.Name == "" {
		return s.Address
	}
	return fmt.Sprintf("%s <%s>", s.Name, s.Address)
}
