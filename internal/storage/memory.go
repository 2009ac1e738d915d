package storage

import (
	"context"
	"sort"
	"sync"

	"prizedraw/internal/models"
)

// Memory is a process-local Store.
type Memory struct {
	mu        sync.RWMutex
	config    *models.GlobalConfig
	accounts  map[models.Address]models.Account
	events    []models.DrawEvent
	transfers []models.Transfer
	receipts  map[string]models.Transfer
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[models.Address]models.Account),
		receipts: make(map[string]models.Transfer),
	}
}

func (m *Memory) Bootstrap(_ context.Context, cfg models.GlobalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		m.config = &cfg
	}
	return nil
}

func (m *Memory) GetConfig(context.Context) (models.GlobalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return models.GlobalConfig{}, ErrNotFound
	}
	return *m.config, nil
}

func (m *Memory) GetAccount(_ context.Context, addr models.Address) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[addr]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *Memory) ListQueued(context.Context) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Account
	for _, acct := range m.accounts {
		if acct.Queued() {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DrawRound != out[j].DrawRound {
			return out[i].DrawRound < out[j].DrawRound
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func (m *Memory) ListEvents(_ context.Context, addr models.Address, limit int) ([]models.DrawEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DrawEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Account != addr {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PendingTransfers(_ context.Context, limit int) ([]models.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transfer
	for _, tr := range m.transfers {
		if tr.Sent {
			continue
		}
		out = append(out, tr)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkTransferSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.transfers {
		if m.transfers[i].ID == id {
			m.transfers[i].Sent = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) HasReceipt(_ context.Context, txID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.receipts[txID]
	return ok, nil
}

func (m *Memory) Commit(_ context.Context, c models.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(c.Receipts))
	for _, r := range c.Receipts {
		if _, ok := m.receipts[r.TxID]; ok || seen[r.TxID] {
			return ErrDuplicateReceipt
		}
		seen[r.TxID] = true
	}
	if c.Config != nil {
		cfg := *c.Config
		m.config = &cfg
	}
	for _, acct := range c.Accounts {
		m.accounts[acct.Address] = acct
	}
	for _, addr := range c.Deleted {
		delete(m.accounts, addr)
	}
	m.transfers = append(m.transfers, c.Transfers...)
	for _, r := range c.Receipts {
		m.receipts[r.TxID] = r
	}
	m.events = append(m.events, c.Events...)
	return nil
}

// Transfers returns every recorded payout, sent or not.
func (m *Memory) Transfers() []models.Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Transfer(nil), m.transfers...)
}

// Receipts returns every consumed payment.
func (m *Memory) Receipts() []models.Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Transfer, 0, len(m.receipts))
	for _, r := range m.receipts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out
}

func (m *Memory) Close() error { return nil }
