package odds

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// StaticProvider serves entries held in process, laid out like the external table.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[int]uint64
}

// NewStaticProvider lays entries out as keys 1..2n. At most EntryCount entries are accepted.
func NewStaticProvider(entries []Entry) (*StaticProvider, error) {
	p := &StaticProvider{}
	if err := p.Publish(context.Background(), entries); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *StaticProvider) Fetch(_ context.Context, index int) (uint64, error) {
	if index < 1 || index > KeyCount {
		return 0, errors.Errorf("odds: key %d out of range", index)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.values[index], nil
}

// Publish replaces the served entries.
func (p *StaticProvider) Publish(_ context.Context, entries []Entry) error {
	if len(entries) > EntryCount {
		return errors.Errorf("odds: %d entries exceed the %d slot table", len(entries), EntryCount)
	}
	values := make(map[int]uint64, len(entries)*2)
	for i, e := range entries {
		values[2*i+1] = e.PrizeID
		values[2*i+2] = e.Weight
	}
	p.mu.Lock()
	p.values = values
	p.mu.Unlock()
	return nil
}
