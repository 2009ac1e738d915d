// Package ledger talks to the value ledger the engine settles against.
//
// Inbound payments are confirmed by transaction id before a draw is queued,
// and payouts are submitted with the outbox transfer id as idempotency key so
// a retried payout is never paid twice.
package ledger

import (
	"context"

	"prizedraw/internal/models"
)

// Client confirms inbound payments and submits payouts.
type Client interface {
	// Confirm succeeds when the ledger has settled t.TxID moving exactly the
	// value t describes.
	Confirm(ctx context.Context, t models.Transfer) error
	// Pay submits the outbound transfer t. Submitting the same t.ID again is a no-op.
	Pay(ctx context.Context, t models.Transfer) error
}
