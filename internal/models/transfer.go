package models

import "time"

// TransferKind is the instrument a transfer moves.
type TransferKind string

const (
	TransferNative TransferKind = "native"
	TransferAsset  TransferKind = "asset"
)

// Transfer is a value movement: the payment leading a bundle, or a payout
// the engine owes once an operation commits.
//
// A payment names the ledger transaction that settled it in TxID and is kept
// as a receipt once confirmed. Payouts wait in the outbox until Sent.
type Transfer struct {
	ID        string       `json:"id,omitempty"`
	TxID      string       `json:"txId,omitempty"`
	Kind      TransferKind `json:"kind"`
	From      Address      `json:"from,omitempty"`
	To        Address      `json:"to"`
	AssetID   uint64       `json:"assetId,omitempty"`
	Amount    uint64       `json:"amount"`
	Reason    string       `json:"reason,omitempty"`
	Sent      bool         `json:"sent"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Matches reports whether t moves the same value between the same parties as o.
func (t Transfer) Matches(o Transfer) bool {
	return t.Kind == o.Kind && t.From == o.From && t.To == o.To &&
		t.AssetID == o.AssetID && t.Amount == o.Amount
}

// Bundle is an atomically grouped request. The first transfer pays for the
// call that follows it.
type Bundle struct {
	Sender    Address    `json:"sender"`
	Transfers []Transfer `json:"transfers"`
}

// First returns the leading transfer of the bundle.
func (b Bundle) First() (Transfer, bool) {
	if len(b.Transfers) == 0 {
		return Transfer{}, false
	}
	return b.Transfers[0], true
}
