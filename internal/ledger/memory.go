package ledger

import (
	"context"
	"sync"

	"prizedraw/internal/errs"
	"prizedraw/internal/models"
)

// Memory is an in-process ledger. Payments must be settled with Settle before
// Confirm accepts them.
type Memory struct {
	mu      sync.Mutex
	settled map[string]models.Transfer
	paid    []models.Transfer
	paidIDs map[string]bool

	// AcceptUnsettled makes Confirm accept payments nothing settled. For local
	// development only: no value is checked.
	AcceptUnsettled bool
}

func NewMemory() *Memory {
	return &Memory{
		settled: make(map[string]models.Transfer),
		paidIDs: make(map[string]bool),
	}
}

// Settle records t as a settled ledger transaction.
func (m *Memory) Settle(t models.Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[t.TxID] = t
}

func (m *Memory) Confirm(ctx context.Context, t models.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.TxID == "" {
		return errs.ErrPaymentUnconfirmed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settled[t.TxID]
	if !ok {
		if m.AcceptUnsettled {
			return nil
		}
		return errs.ErrPaymentUnconfirmed
	}
	if !s.Matches(t) {
		return errs.ErrPaymentUnconfirmed
	}
	return nil
}

func (m *Memory) Pay(ctx context.Context, t models.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paidIDs[t.ID] {
		return nil
	}
	m.paidIDs[t.ID] = true
	m.paid = append(m.paid, t)
	return nil
}

// Paid returns every payout submitted so far.
func (m *Memory) Paid() []models.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Transfer(nil), m.paid...)
}
