package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/logger"

	"prizedraw/internal/models"
)

// Outbox is the part of the store holding payouts not yet handed to the ledger.
type Outbox interface {
	PendingTransfers(ctx context.Context, limit int) ([]models.Transfer, error)
	MarkTransferSent(ctx context.Context, id string) error
}

// Payer submits one payout to the ledger.
type Payer interface {
	Pay(ctx context.Context, t models.Transfer) error
}

// PayoutRecorder counts payout attempts by result.
type PayoutRecorder interface {
	Payout(result string)
}

// Payouts drains the transfer outbox on a fixed interval. A transfer that
// fails to pay stays pending and is retried on the next tick. Without a payer
// nothing is sent and the outbox keeps growing.
type Payouts struct {
	outbox   Outbox
	payer    Payer
	recorder PayoutRecorder
	batch    int
}

func NewPayouts(outbox Outbox, payer Payer, batch int, recorder PayoutRecorder) *Payouts {
	if batch <= 0 {
		batch = 100
	}
	return &Payouts{outbox: outbox, payer: payer, batch: batch, recorder: recorder}
}

// Start runs the dispatcher until ctx is done.
func (p *Payouts) Start(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	if p.payer == nil {
		logger.Warningf("payout: no ledger configured, payouts stay pending")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce pays one batch of pending transfers and returns how many were sent.
func (p *Payouts) RunOnce(ctx context.Context) int {
	if p.payer == nil {
		return 0
	}
	listCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	pending, err := p.outbox.PendingTransfers(listCtx, p.batch)
	cancel()
	if err != nil {
		logger.Warningf("payout: list pending failed: %v", err)
		return 0
	}
	sent := 0
	for _, t := range pending {
		if err := p.payer.Pay(ctx, t); err != nil {
			p.record(resultFailed)
			logger.Warningf("payout: pay %s failed: %v", t.ID, err)
			continue
		}
		if t.Kind == models.TransferAsset {
			logger.Infof("payout %s: %d of asset %d to %s (%s)", t.ID, t.Amount, t.AssetID, t.To, t.Reason)
		} else {
			logger.Infof("payout %s: %s to %s (%s)", t.ID, models.FormatAmount(t.Amount), t.To, t.Reason)
		}
		if err := p.outbox.MarkTransferSent(ctx, t.ID); err != nil {
			p.record(resultFailed)
			logger.Warningf("payout: mark %s sent failed: %v", t.ID, err)
			continue
		}
		sent++
		p.record(resultOK)
	}
	return sent
}

func (p *Payouts) record(result string) {
	if p.recorder != nil {
		p.recorder.Payout(result)
	}
}
