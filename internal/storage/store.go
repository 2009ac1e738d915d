// Package storage persists engine state. Every successful operation is
// written through a single Commit so that accounts, configuration, payouts
// and draw events change together or not at all.
package storage

import (
	"context"
	"errors"

	"prizedraw/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateReceipt is returned by Commit when a receipt names a ledger
	// transaction that was already consumed.
	ErrDuplicateReceipt = errors.New("storage: duplicate receipt")
)

// Store is the persistence boundary of the draw engine.
type Store interface {
	// Bootstrap stores cfg unless a configuration already exists.
	Bootstrap(ctx context.Context, cfg models.GlobalConfig) error
	GetConfig(ctx context.Context) (models.GlobalConfig, error)
	GetAccount(ctx context.Context, addr models.Address) (models.Account, error)
	// ListQueued returns every account with an outstanding draw.
	ListQueued(ctx context.Context) ([]models.Account, error)
	// ListEvents returns the most recent draw events of addr, newest first.
	ListEvents(ctx context.Context, addr models.Address, limit int) ([]models.DrawEvent, error)
	// PendingTransfers returns payouts not yet handed to the ledger, oldest first.
	PendingTransfers(ctx context.Context, limit int) ([]models.Transfer, error)
	MarkTransferSent(ctx context.Context, id string) error
	// HasReceipt reports whether the payment settled by txID was already consumed.
	HasReceipt(ctx context.Context, txID string) (bool, error)
	// Commit applies c atomically.
	Commit(ctx context.Context, c models.Commit) error
	Close() error
}
