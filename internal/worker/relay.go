// Package worker runs the background loops around the draw service: the
// relay that executes resolvable draws and the payout outbox dispatcher.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/logger"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"prizedraw/internal/errs"
	"prizedraw/internal/models"
)

// Executor is the part of the draw service the relay drives.
type Executor interface {
	Pending(ctx context.Context) ([]models.Account, uint64, error)
	Exec(ctx context.Context, caller, addr models.Address) ([]models.DrawEvent, error)
}

// RelayRecorder counts exec attempts by result.
type RelayRecorder interface {
	RelayAttempt(result string)
}

const (
	resultOK     = "ok"
	resultRetry  = "retry"
	resultFailed = "failed"
	resultKilled = "killed"
)

// Relay executes every resolvable draw on a cron schedule so that users do
// not have to submit exec themselves. Draws the oracle is not ready for are
// picked up again on the next tick.
type Relay struct {
	exec     Executor
	caller   models.Address
	recorder RelayRecorder
	timeout  time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

func NewRelay(exec Executor, caller models.Address, recorder RelayRecorder) *Relay {
	return &Relay{
		exec:     exec,
		caller:   caller,
		recorder: recorder,
		timeout:  30 * time.Second,
	}
}

// Start schedules RunOnce on schedule, a standard cron spec or descriptor
// such as "@every 5s". Ticks never overlap.
func (r *Relay) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() {
		tickCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		r.RunOnce(tickCtx)
	}); err != nil {
		return err
	}
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	logger.Infof("relay: started on schedule %q as %s", schedule, r.caller)
	return nil
}

// Stop halts the schedule and waits for a running tick to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	c := r.cron
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	logger.Infof("relay: stopped")
}

// RunOnce executes every currently resolvable draw and returns how many succeeded.
func (r *Relay) RunOnce(ctx context.Context) int {
	pending, round, err := r.exec.Pending(ctx)
	if err != nil {
		logger.Warningf("relay: list pending draws: %v", err)
		return 0
	}
	done := 0
	for _, acct := range pending {
		if ctx.Err() != nil {
			break
		}
		events, err := r.exec.Exec(ctx, r.caller, acct.Address)
		switch {
		case errors.Is(err, errs.ErrContractKilled):
			// every other exec fails the same way until the switch is lifted
			r.record(resultKilled)
			logger.V(1).Infof("relay: kill switch on, skipping %d pending draws at round %d", len(pending), round)
			return done
		case err == nil:
			done++
			r.record(resultOK)
			logger.Infof("relay: executed %d units for %s at round %d", len(events), acct.Address, round)
		case errs.KindOf(err).Retryable():
			r.record(resultRetry)
			logger.Infof("relay: %s not ready at round %d: %v", acct.Address, round, err)
		default:
			r.record(resultFailed)
			logger.Errorf("relay: exec %s at round %d: %v", acct.Address, round, err)
		}
	}
	return done
}

func (r *Relay) record(result string) {
	if r.recorder != nil {
		r.recorder.RelayAttempt(result)
	}
}
