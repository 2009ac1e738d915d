// Package odds maps uniform random values onto prize ids through a weighted
// cumulative table read from an external key/value provider.
//
// The provider exposes 64 numbered integer keys. Odd key 2k-1 holds the prize
// id of entry k and even key 2k its cumulative weight, so entry k wins for
// every value in [weight(k-1), weight(k)).
package odds

import (
	"context"
	"math/big"

	"github.com/pkg/errors"

	"prizedraw/internal/errs"
)

const (
	EntryCount = 32
	KeyCount   = EntryCount * 2
)

// Provider reads one numbered integer key. Missing keys read as 0.
type Provider interface {
	Fetch(ctx context.Context, index int) (uint64, error)
}

// Publisher replaces the whole table. Entries past the last one given read as 0.
type Publisher interface {
	Publish(ctx context.Context, entries []Entry) error
}

// Entry is one prize with its cumulative weight.
type Entry struct {
	PrizeID uint64 `json:"prizeId" yaml:"prize_id"`
	Weight  uint64 `json:"weight" yaml:"weight"`
}

// Table is an immutable snapshot of the odds, read once per resolution.
type Table struct {
	Entries [EntryCount]Entry
}

// Load reads all keys from p into a snapshot.
func Load(ctx context.Context, p Provider) (Table, error) {
	var t Table
	for i := 1; i <= KeyCount; i++ {
		v, err := p.Fetch(ctx, i)
		if err != nil {
			return Table{}, errors.Wrapf(err, "fetch odds key %d", i)
		}
		e := &t.Entries[(i-1)/2]
		if i%2 == 1 {
			e.PrizeID = v
		} else {
			e.Weight = v
		}
	}
	return t, nil
}

// Map reduces random modulo total and returns the prize id of the first entry
// whose cumulative weight exceeds the result. The reduction is taken on the
// full-width value; it is only uniform when total is a power of two.
func (t Table) Map(random *big.Int, total uint64) (uint64, error) {
	if random == nil || total == 0 {
		return 0, errs.ErrDrawingFailed
	}
	r := new(big.Int).Mod(random, new(big.Int).SetUint64(total)).Uint64()
	return t.lookup(r)
}

func (t Table) lookup(r uint64) (uint64, error) {
	for _, e := range t.Entries {
		if e.Weight > r {
			if e.PrizeID == 0 {
				return 0, errs.ErrDrawingFailed
			}
			return e.PrizeID, nil
		}
	}
	return 0, errs.ErrDrawingFailed
}

// Reduce returns random mod total, the value Map looks up.
func Reduce(random *big.Int, total uint64) uint64 {
	if random == nil || total == 0 {
		return 0
	}
	return new(big.Int).Mod(random, new(big.Int).SetUint64(total)).Uint64()
}

// Used returns the leading entries that carry a prize.
func (t Table) Used() []Entry {
	var out []Entry
	for _, e := range t.Entries {
		if e.PrizeID == 0 && e.Weight == 0 {
			break
		}
		out = append(out, e)
	}
	return out
}

// Validate checks the table is well formed for total: at least one entry,
// non-zero ids, strictly increasing weights ending at total.
func (t Table) Validate(total uint64) error {
	used := t.Used()
	if len(used) == 0 {
		return errors.New("odds table is empty")
	}
	var prev uint64
	for i, e := range used {
		if e.PrizeID == 0 {
			return errors.Errorf("odds entry %d has no prize id", i+1)
		}
		if e.Weight <= prev {
			return errors.Errorf("odds entry %d weight %d not above %d", i+1, e.Weight, prev)
		}
		prev = e.Weight
	}
	if prev != total {
		return errors.Errorf("last cumulative weight %d does not match total %d", prev, total)
	}
	return nil
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
