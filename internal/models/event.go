package models

import "time"

// DrawEvent records one resolved draw unit: the randomness consumed and the prize it mapped to.
type DrawEvent struct {
	ID        string    `json:"id"`
	Account   Address   `json:"account"`
	Round     uint64    `json:"round"`
	Offset    int       `json:"offset"`
	Random    string    `json:"random"` // hex
	Mapped    uint64    `json:"mapped"`
	PrizeID   uint64    `json:"prizeId"`
	Slot      int       `json:"slot"`
	CreatedAt time.Time `json:"createdAt"`
}

// Commit is the complete outcome of one successful operation. Stores apply it
// all-or-nothing.
type Commit struct {
	Config    *GlobalConfig
	Accounts  []Account
	Deleted   []Address
	Transfers []Transfer
	// Receipts are the confirmed payments the operation consumed. A ledger
	// transaction is receipted at most once.
	Receipts []Transfer
	Events   []DrawEvent
}

// Empty reports whether the commit carries no changes.
func (c Commit) Empty() bool {
	return c.Config == nil && len(c.Accounts) == 0 && len(c.Deleted) == 0 &&
		len(c.Transfers) == 0 && len(c.Receipts) == 0 && len(c.Events) == 0
}
