package oracle

import (
	"context"
	"crypto/sha512"
	"sync"
)

type valueKey struct {
	round   uint64
	account string
}

// Memory is an in-process oracle. Published seeds are mixed with the account
// bytes so every account sees an independent value for the same round.
type Memory struct {
	mu     sync.RWMutex
	seeds  map[uint64][]byte
	values map[valueKey][]byte
	raw    map[uint64][]byte

	// Fallback supplies seeds for rounds nothing was published for.
	Fallback func(round uint64) ([]byte, bool)
}

func NewMemory() *Memory {
	return &Memory{
		seeds:  make(map[uint64][]byte),
		values: make(map[valueKey][]byte),
		raw:    make(map[uint64][]byte),
	}
}

// SetSeed publishes the seed for round.
func (m *Memory) SetSeed(round uint64, seed []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeds[round] = append([]byte(nil), seed...)
}

// SetValue pins the exact payload returned to account for round.
func (m *Memory) SetValue(round uint64, account []byte, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[valueKey{round, string(account)}] = append([]byte(nil), value...)
}

// SetRaw pins the raw response for round, bypassing the envelope.
func (m *Memory) SetRaw(round uint64, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[round] = append([]byte(nil), raw...)
}

func (m *Memory) Get(ctx context.Context, _ string, round uint64, account []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if raw, ok := m.raw[round]; ok {
		return raw, nil
	}
	if v, ok := m.values[valueKey{round, string(account)}]; ok {
		return EncodeEnvelope(v), nil
	}
	seed, ok := m.seeds[round]
	if !ok && m.Fallback != nil {
		seed, ok = m.Fallback(round)
	}
	if !ok {
		return EncodeEnvelope(nil), nil
	}
	h := sha512.Sum512_256(append(append([]byte(nil), seed...), account...))
	return EncodeEnvelope(h[:]), nil
}
