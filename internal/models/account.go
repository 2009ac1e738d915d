package models

import (
	"math"
	"time"
)

// Address identifies a ledger account.
type Address string

// SlotCount is the number of prize slots held per account.
const SlotCount = 3

// MaxRandomnessWindow bounds the randomness window, in rounds.
const MaxRandomnessWindow = 1 << 32

// DrawState is the derived lifecycle state of an account's pending draw.
type DrawState string

const (
	DrawStateIdle       DrawState = "idle"
	DrawStateQueued     DrawState = "queued"     // target round not reached yet
	DrawStateResolvable DrawState = "resolvable" // inside the randomness window
	DrawStateExpired    DrawState = "expired"    // window lapsed, refund only
)

// Account is the per-user record. Slots hold prize ids, 0 means empty.
// DrawAmount > 0 if and only if DrawRound > 0.
type Account struct {
	Address        Address           `json:"address"`
	Slots          [SlotCount]uint64 `json:"slots"`
	DrawRound      uint64            `json:"drawRound"`
	DrawAmount     uint64            `json:"drawAmount"`
	DrawAmountPaid uint64            `json:"drawAmountPaid"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Queued reports whether a draw is outstanding.
func (a Account) Queued() bool {
	return a.DrawAmount > 0
}

// ResetDraw returns the draw fields to the idle state.
func (a *Account) ResetDraw() {
	a.DrawRound = 0
	a.DrawAmount = 0
	a.DrawAmountPaid = 0
}

// ExpiryRound is the last round the queued draw may be executed in. It
// saturates instead of wrapping.
func (a Account) ExpiryRound(window uint64) uint64 {
	last := a.DrawRound + window
	if last < a.DrawRound {
		return math.MaxUint64
	}
	return last
}

// State derives the pending draw state at the given round.
func (a Account) State(current, window uint64) DrawState {
	switch {
	case !a.Queued():
		return DrawStateIdle
	case current < a.DrawRound:
		return DrawStateQueued
	case current > a.ExpiryRound(window):
		return DrawStateExpired
	default:
		return DrawStateResolvable
	}
}
