package services

import (
	"math/bits"

	"prizedraw/internal/errs"
	"prizedraw/internal/models"
)

// ValidatePayment checks that the first transfer of b pays multiplier times
// price in the native unit from the sender to treasury.
func ValidatePayment(b models.Bundle, multiplier, price uint64, treasury models.Address) error {
	first, ok := b.First()
	if !ok || first.Kind != models.TransferNative || first.From != b.Sender {
		return errs.ErrPaymentIncorrect
	}
	want, ok := mulAmount(multiplier, price)
	if !ok || first.Amount != want {
		return errs.ErrPaymentAmountInvalid
	}
	if first.To != treasury {
		return errs.ErrPaymentIncorrect
	}
	return nil
}

// ValidateFreeDrawPayment checks that the first transfer of b deposits
// multiplier free-draw tokens of the sender with the engine.
func ValidateFreeDrawPayment(b models.Bundle, multiplier, tokenID uint64, engine models.Address) error {
	first, ok := b.First()
	if !ok || first.Kind != models.TransferAsset || first.From != b.Sender {
		return errs.ErrPaymentIncorrect
	}
	if first.Amount != multiplier {
		return errs.ErrPaymentAmountInvalid
	}
	if first.To != engine || first.AssetID != tokenID {
		return errs.ErrPaymentIncorrect
	}
	return nil
}

func mulAmount(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}
