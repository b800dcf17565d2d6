// Package delivery sends rendered notifications through an outbound email
// transport, rotating across an ordered list of sender identities so a
// rejected or misconfigured identity does not lose the message.
package delivery

import (
	"context"
	"fmt"

	"github.com/example/ingestion-service/internal/models"
)

// TransportError describes a single failed delivery attempt. Code carries the
// SMTP status when one was observed; zero means the failure happened before a
// status was issued (dial, TLS, timeout).
type TransportError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("transport error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("transport error: %s", e.Message)
}

// Transport is the outbound message-sending boundary. Implementations own
// their own timeout behaviour; the coordinator does not differentiate per
// sender.
type Transport interface {
	Send(ctx context.Context, from models.SenderIdentity, to, subject, htmlBody string) error
}
