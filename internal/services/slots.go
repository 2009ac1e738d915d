package services

import (
	"prizedraw/internal/errs"
	"prizedraw/internal/models"
)

// FreeSlot returns the 1-based index of the first empty slot, scanning slot1 to slot3.
func FreeSlot(a models.Account) (int, bool) {
	for i, id := range a.Slots {
		if id == 0 {
			return i + 1, true
		}
	}
	return 0, false
}

// RequireFreeSlots checks there is room to draw n prizes. A single draw needs
// any empty slot; larger draws need every slot empty.
func RequireFreeSlots(a models.Account, n uint64) error {
	if n == 1 {
		if _, ok := FreeSlot(a); !ok {
			return errs.ErrNoFreeSlot
		}
		return nil
	}
	for _, id := range a.Slots {
		if id != 0 {
			return errs.ErrSlotNotEmpty
		}
	}
	return nil
}

// Burn empties slot index (1-based) and returns the prize id it held.
func Burn(a *models.Account, index uint64) (uint64, error) {
	if index < 1 || index > models.SlotCount {
		return 0, errs.ErrInvalidSlot
	}
	prior := a.Slots[index-1]
	if prior == 0 {
		return 0, errs.ErrNoBurnAvailable
	}
	a.Slots[index-1] = 0
	return prior, nil
}

// Collect empties every full slot and returns one payout per prize, sent from engine.
func Collect(a *models.Account, engine models.Address) ([]models.Transfer, error) {
	var out []models.Transfer
	for i, id := range a.Slots {
		if id == 0 {
			continue
		}
		out = append(out, models.Transfer{
			Kind:    models.TransferAsset,
			From:    engine,
			To:      a.Address,
			AssetID: id,
			Amount:  1,
			Reason:  "collect",
		})
		a.Slots[i] = 0
	}
	if len(out) == 0 {
		return nil, errs.ErrNoSlotsFull
	}
	return out, nil
}
