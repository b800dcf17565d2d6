package delivery

import (
	"context"
	"errors"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/models"
)

// ErrNoSenders is reported when delivery is attempted with an empty sender
// identity list.
var ErrNoSenders = errors.New("delivery: no sender identities configured")

// Outcome summarises one delivery run across the sender list. AttemptsTried
// counts transport calls actually made; LastError holds the most recent
// failure when Sent is false.
type Outcome struct {
	Sent          bool
	AttemptsTried int
	LastError     error
}

// Coordinator walks an ordered sender identity list, stopping at the first
// successful transport call. It is stateless and never persists anything; on
// exhaustion the caller is responsible for handing the notification to the
// retry queue.
type Coordinator struct {
	transport Transport
	logger    zerolog.Logger
}

// NewCoordinator constructs a delivery coordinator over the given transport.
func NewCoordinator(transport Transport, logger zerolog.Logger) (*Coordinator, error) {
	if transport == nil {
		return nil, errors.New("delivery: transport dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Coordinator{
		transport: transport,
		logger:    logger.With().Str("component", "delivery_coordinator").Logger(),
	}, nil
}

// Deliver attempts the notification once per sender identity in order.
// Identities are independently deliverable-or-not (domain verification,
// reputation), so any transport error advances to the next sender without
// further classification. Iteration is strictly sequential: fanning the same
// message out across identities could duplicate delivery to the recipient.
func (c *Coordinator) Deliver(ctx context.Context, n models.Notification, senders []models.SenderIdentity) Outcome {
	if len(senders) == 0 {
		return Outcome{Sent: false, AttemptsTried: 0, LastError: ErrNoSenders}
	}

	var lastErr error
	attempts := 0
	for _, sender := range senders {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		attempts++
		err := c.transport.Send(ctx, sender, n.Recipient, n.Subject, n.HTMLBody)
		if err == nil {
			c.logger.Info().
				Str("recipient", n.Recipient).
				Str("kind", n.Kind).
				Str("sender", sender.Address).
				Int("attempts", attempts).
				Msg("notification delivered")
			return Outcome{Sent: true, AttemptsTried: attempts}
		}

		lastErr = err
		c.logger.Warn().
			Str("recipient", n.Recipient).
			Str("kind", n.Kind).
			Str("sender", sender.Address).
			Int("attempt", attempts).
			Err(err).
			Msg("delivery attempt failed, advancing to next sender")
	}

	c.logger.Error().
		Str("recipient", n.Recipient).
		Str("kind", n.Kind).
		Int("attempts", attempts).
		Err(lastErr).
		Msg("sender list exhausted")
	return Outcome{Sent: false, AttemptsTried: attempts, LastError: lastErr}
}
