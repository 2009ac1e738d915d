package oracle

import (
	"context"
	"math/big"

	"github.com/google/logger"
	"github.com/pkg/errors"

	"prizedraw/internal/errs"
	"prizedraw/internal/models"
)

const (
	// MaxOffset bounds how far before the target round a draw may look.
	// Rounds [seed-7, seed] are all covered by the seed round's signature.
	MaxOffset = 2

	// ValueSize is the width in bytes of one random value.
	ValueSize = 32
)

// Resolver turns oracle responses into 256-bit random values.
type Resolver struct {
	client Client
}

func NewResolver(client Client) *Resolver {
	return &Resolver{client: client}
}

// Request returns the random value for account at round targetRound-offset.
// One call is made per drawn unit so that every unit is independently
// verifiable against the oracle.
func (r *Resolver) Request(ctx context.Context, ref string, account models.Address, targetRound uint64, offset int) (*big.Int, error) {
	if offset < 0 || offset > MaxOffset || uint64(offset) > targetRound {
		return nil, errors.Errorf("oracle: offset %d invalid for round %d", offset, targetRound)
	}
	round := targetRound - uint64(offset)

	raw, err := r.client.Get(ctx, ref, round, []byte(account))
	if err != nil {
		logger.Warningf("oracle get round %d for %s: %v", round, account, err)
		return nil, errors.Wrapf(errs.ErrOracleUnavailable, "round %d: %v", round, err)
	}

	payload, err := DecodeEnvelope(raw)
	if err != nil {
		logger.Errorf("oracle returned malformed envelope for round %d (%d bytes)", round, len(raw))
		return nil, err
	}
	if len(payload) > ValueSize {
		return nil, errs.ErrOracleInvalid
	}
	if isZero(payload) {
		return nil, errs.ErrRandomnessNotReady
	}
	return new(big.Int).SetBytes(payload), nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
