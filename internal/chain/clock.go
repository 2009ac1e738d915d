// Package chain supplies the global round counter every draw is timed against.
package chain

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock reports the current round.
type Clock interface {
	CurrentRound(ctx context.Context) (uint64, error)
}

// WallClock derives rounds from elapsed time since a genesis instant.
type WallClock struct {
	genesis  time.Time
	interval time.Duration
	offset   uint64
	now      func() time.Time
}

// NewWallClock returns a clock that advances one round per interval, starting
// at offset when now == genesis.
func NewWallClock(genesis time.Time, interval time.Duration, offset uint64) *WallClock {
	if interval <= 0 {
		interval = time.Second
	}
	return &WallClock{genesis: genesis, interval: interval, offset: offset, now: time.Now}
}

func (c *WallClock) CurrentRound(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return c.offset, nil
	}
	return c.offset + uint64(elapsed/c.interval), nil
}

// ManualClock is advanced explicitly. Safe for concurrent use.
type ManualClock struct {
	round atomic.Uint64
}

func NewManualClock(round uint64) *ManualClock {
	c := &ManualClock{}
	c.round.Store(round)
	return c
}

func (c *ManualClock) CurrentRound(context.Context) (uint64, error) {
	return c.round.Load(), nil
}

// Set jumps to round.
func (c *ManualClock) Set(round uint64) { c.round.Store(round) }

// Advance moves the clock forward by n rounds and returns the new round.
func (c *ManualClock) Advance(n uint64) uint64 { return c.round.Add(n) }

// NextSeedRound returns the round whose randomness a draw queued at current
// will consume: current itself when it is a non-zero multiple of 8 (its seed
// is not committed yet), otherwise the next multiple of 8.
func NextSeedRound(current uint64) uint64 {
	if current%8 == 0 && current != 0 {
		return current
	}
	return current + (8 - current%8)
}
