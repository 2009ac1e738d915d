package services

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"prizedraw/internal/chain"
	"prizedraw/internal/errs"
	"prizedraw/internal/models"
	"prizedraw/internal/odds"
	"prizedraw/internal/oracle"
	"prizedraw/internal/storage"
)

// Recorder receives the outcome of every operation.
type Recorder interface {
	Queued(entry string, units uint64)
	Executed(units int, elapsed time.Duration)
	Prize(id uint64)
	Refunded(amount uint64)
	Collected(prizes int)
	Failed(op string, err error)
}

type nopRecorder struct{}

func (nopRecorder) Queued(string, uint64)       {}
func (nopRecorder) Executed(int, time.Duration) {}
func (nopRecorder) Prize(uint64)                {}
func (nopRecorder) Refunded(uint64)             {}
func (nopRecorder) Collected(int)               {}
func (nopRecorder) Failed(string, error)        {}

// Ledger confirms that a payment was settled before the engine acts on it.
type Ledger interface {
	Confirm(ctx context.Context, t models.Transfer) error
}

// DrawService runs the draw lifecycle. Operations are serialized; each one
// works on a copy of the state it reads and writes its whole outcome through
// a single store commit, so a failed operation leaves nothing behind.
type DrawService struct {
	mu       sync.Mutex
	store    storage.Store
	clock    chain.Clock
	odds     odds.Provider
	publish  odds.Publisher
	resolver *oracle.Resolver
	ledger   Ledger
	recorder Recorder
	now      func() time.Time
}

// NewDrawService creates a DrawService. Every payment is confirmed with
// payments before it is accepted.
func NewDrawService(store storage.Store, clock chain.Clock, provider odds.Provider, resolver *oracle.Resolver, payments Ledger) *DrawService {
	return &DrawService{
		store:    store,
		clock:    clock,
		odds:     provider,
		resolver: resolver,
		ledger:   payments,
		recorder: nopRecorder{},
		now:      time.Now,
	}
}

// SetRecorder replaces the outcome recorder.
func (s *DrawService) SetRecorder(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// SetPublisher enables replacing the odds table through PublishOdds.
func (s *DrawService) SetPublisher(p odds.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish = p
}

// op is the working copy of one operation.
type op struct {
	cfg    models.GlobalConfig
	round  uint64
	commit models.Commit
}

func (o *op) save(a models.Account) {
	for i := range o.commit.Accounts {
		if o.commit.Accounts[i].Address == a.Address {
			o.commit.Accounts[i] = a
			return
		}
	}
	o.commit.Accounts = append(o.commit.Accounts, a)
}

// run executes fn under the service lock and commits what it produced.
func (s *DrawService) run(ctx context.Context, name string, fn func(o *op) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.runLocked(ctx, fn)
	if err != nil {
		s.recorder.Failed(name, err)
	}
	return err
}

func (s *DrawService) runLocked(ctx context.Context, fn func(o *op) error) error {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	round, err := s.clock.CurrentRound(ctx)
	if err != nil {
		return errors.Wrap(err, "read current round")
	}
	o := &op{cfg: cfg, round: round}
	if err := fn(o); err != nil {
		return err
	}
	s.stamp(&o.commit)
	if err := s.store.Commit(ctx, o.commit); err != nil {
		if errors.Is(err, storage.ErrDuplicateReceipt) {
			return errs.ErrPaymentReused
		}
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (s *DrawService) stamp(c *models.Commit) {
	now := s.now().UTC()
	for i := range c.Accounts {
		c.Accounts[i].UpdatedAt = now
	}
	for i := range c.Transfers {
		if c.Transfers[i].ID == "" {
			c.Transfers[i].ID = uuid.NewString()
		}
		c.Transfers[i].CreatedAt = now
	}
	for i := range c.Receipts {
		if c.Receipts[i].ID == "" {
			c.Receipts[i].ID = uuid.NewString()
		}
		c.Receipts[i].CreatedAt = now
	}
	for i := range c.Events {
		if c.Events[i].ID == "" {
			c.Events[i].ID = uuid.NewString()
		}
		c.Events[i].CreatedAt = now
	}
}

func (s *DrawService) account(ctx context.Context, addr models.Address) (models.Account, error) {
	acct, err := s.store.GetAccount(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Account{}, errs.ErrNotOptedIn
	}
	if err != nil {
		return models.Account{}, errors.Wrapf(err, "load account %s", addr)
	}
	return acct, nil
}

// receive confirms the leading payment of b with the ledger and books it as a
// receipt of o. A ledger transaction pays for one operation only.
func (s *DrawService) receive(ctx context.Context, o *op, b models.Bundle, reason string) (models.Transfer, error) {
	first, ok := b.First()
	if !ok || first.TxID == "" {
		return models.Transfer{}, errs.ErrPaymentUnconfirmed
	}
	used, err := s.store.HasReceipt(ctx, first.TxID)
	if err != nil {
		return models.Transfer{}, errors.Wrapf(err, "look up receipt %s", first.TxID)
	}
	if used {
		return models.Transfer{}, errs.ErrPaymentReused
	}
	if err := s.ledger.Confirm(ctx, first); err != nil {
		logger.Warningf("payment %s from %s not confirmed: %v", first.TxID, b.Sender, err)
		return models.Transfer{}, err
	}
	first.ID, first.Reason, first.Sent = "", reason, false
	o.commit.Receipts = append(o.commit.Receipts, first)
	return first, nil
}

// queue records a draw of amount units charged paidUnits times the price of kind.
func queue(o *op, acct *models.Account, amount, paidUnits uint64, kind models.PriceKind) (uint64, error) {
	price := o.cfg.Price(kind)
	if price == 0 {
		return 0, errs.ErrDrawingDisabled
	}
	if acct.Queued() {
		return 0, errs.ErrDrawQueued
	}
	acct.DrawAmount = amount
	acct.DrawAmountPaid = price * paidUnits
	acct.DrawRound = chain.NextSeedRound(o.round)
	o.save(*acct)
	return acct.DrawRound, nil
}

// OptIn creates the empty record for addr.
func (s *DrawService) OptIn(ctx context.Context, addr models.Address) (models.Account, error) {
	var out models.Account
	err := s.run(ctx, "optin", func(o *op) error {
		_, err := s.account(ctx, addr)
		if err == nil {
			return errs.ErrAlreadyOptedIn
		}
		if !errors.Is(err, errs.ErrNotOptedIn) {
			return err
		}
		out = models.Account{Address: addr}
		o.save(out)
		return nil
	})
	if err != nil {
		return models.Account{}, err
	}
	logger.Infof("account %s opted in", addr)
	return out, nil
}

// CloseOut pays out any held prizes and removes the record of addr. A queued
// draw is forfeited.
func (s *DrawService) CloseOut(ctx context.Context, addr models.Address) ([]models.Transfer, error) {
	var out []models.Transfer
	err := s.run(ctx, "closeout", func(o *op) error {
		acct, err := s.account(ctx, addr)
		if err != nil {
			return err
		}
		if acct.Slots != [models.SlotCount]uint64{} {
			out, err = Collect(&acct, o.cfg.Engine)
			if err != nil {
				return err
			}
		}
		if acct.Queued() {
			logger.Warningf("account %s closed out with %d units queued for round %d", addr, acct.DrawAmount, acct.DrawRound)
		}
		o.commit.Transfers = out
		o.commit.Deleted = append(o.commit.Deleted, addr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Collected(len(out))
	logger.Infof("account %s closed out, %d prizes paid out", addr, len(out))
	return out, nil
}

// Draw queues one unit paid in the native unit.
func (s *DrawService) Draw(ctx context.Context, b models.Bundle) (uint64, error) {
	return s.queueEntry(ctx, "draw", b, func(o *op, acct *models.Account) (uint64, error) {
		if err := ValidatePayment(b, 1, o.cfg.TicketPrice, o.cfg.Treasury); err != nil {
			return 0, err
		}
		if err := RequireFreeSlots(*acct, 1); err != nil {
			return 0, err
		}
		return queue(o, acct, 1, 1, models.PriceTicket)
	})
}

// Draw3 queues three units paid in the native unit. Every slot must be empty.
func (s *DrawService) Draw3(ctx context.Context, b models.Bundle) (uint64, error) {
	return s.queueEntry(ctx, "draw3", b, func(o *op, acct *models.Account) (uint64, error) {
		if err := ValidatePayment(b, 3, o.cfg.TicketPrice, o.cfg.Treasury); err != nil {
			return 0, err
		}
		if err := RequireFreeSlots(*acct, 3); err != nil {
			return 0, err
		}
		return queue(o, acct, 3, 3, models.PriceTicket)
	})
}

// FreeDraw queues one unit paid with a free-draw token. Nothing is refunded
// for it if the randomness expires.
func (s *DrawService) FreeDraw(ctx context.Context, b models.Bundle) (uint64, error) {
	return s.queueEntry(ctx, "free_draw", b, func(o *op, acct *models.Account) (uint64, error) {
		if o.cfg.TicketPrice == 0 {
			return 0, errs.ErrDrawingDisabled
		}
		if err := ValidateFreeDrawPayment(b, 1, o.cfg.FreeDrawTokenID, o.cfg.Engine); err != nil {
			return 0, err
		}
		if err := RequireFreeSlots(*acct, 1); err != nil {
			return 0, err
		}
		return queue(o, acct, 1, 0, models.PriceTicket)
	})
}

// BurnDraw surrenders the prize in slot and queues one unit at the burn price.
func (s *DrawService) BurnDraw(ctx context.Context, b models.Bundle, slot uint64) (uint64, error) {
	return s.queueEntry(ctx, "burn_draw", b, func(o *op, acct *models.Account) (uint64, error) {
		if _, err := Burn(acct, slot); err != nil {
			return 0, err
		}
		if err := ValidatePayment(b, 1, o.cfg.BurnTicketPrice, o.cfg.Treasury); err != nil {
			return 0, err
		}
		return queue(o, acct, 1, 1, models.PriceBurnTicket)
	})
}

// BurnDraw2 surrenders two distinct slots and queues two units.
func (s *DrawService) BurnDraw2(ctx context.Context, b models.Bundle, slot1, slot2 uint64) (uint64, error) {
	return s.queueEntry(ctx, "burn_draw2", b, func(o *op, acct *models.Account) (uint64, error) {
		if slot1 == slot2 {
			return 0, errs.ErrDuplicateBurnSlot
		}
		if _, err := Burn(acct, slot1); err != nil {
			return 0, err
		}
		if _, err := Burn(acct, slot2); err != nil {
			return 0, err
		}
		if err := ValidatePayment(b, 2, o.cfg.BurnTicketPrice, o.cfg.Treasury); err != nil {
			return 0, err
		}
		return queue(o, acct, 2, 2, models.PriceBurnTicket)
	})
}

// BurnDraw3 surrenders all three slots, which must all be full, and queues three units.
func (s *DrawService) BurnDraw3(ctx context.Context, b models.Bundle) (uint64, error) {
	return s.queueEntry(ctx, "burn_draw3", b, func(o *op, acct *models.Account) (uint64, error) {
		if _, ok := FreeSlot(*acct); ok {
			return 0, errs.ErrNoBurnAvailable
		}
		if err := ValidatePayment(b, 3, o.cfg.BurnTicketPrice, o.cfg.Treasury); err != nil {
			return 0, err
		}
		acct.Slots = [models.SlotCount]uint64{}
		return queue(o, acct, 3, 3, models.PriceBurnTicket)
	})
}

func (s *DrawService) queueEntry(ctx context.Context, name string, b models.Bundle, fn func(o *op, acct *models.Account) (uint64, error)) (uint64, error) {
	var target, units uint64
	err := s.run(ctx, name, func(o *op) error {
		if err := NotKilled(o.cfg); err != nil {
			return err
		}
		acct, err := s.account(ctx, b.Sender)
		if err != nil {
			return err
		}
		target, err = fn(o, &acct)
		if err != nil {
			return err
		}
		paid, err := s.receive(ctx, o, b, name)
		if err != nil {
			return err
		}
		// a refund can never exceed what the ledger confirmed
		if acct.DrawAmountPaid > 0 && (paid.Kind != models.TransferNative || paid.Amount != acct.DrawAmountPaid) {
			logger.Errorf("%s: account %s owes %d but receipt %s carries %d", name, b.Sender, acct.DrawAmountPaid, paid.TxID, paid.Amount)
			return errs.ErrPaymentAmountInvalid
		}
		units = acct.DrawAmount
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.recorder.Queued(name, units)
	logger.Infof("%s: account %s queued %d units for round %d", name, b.Sender, units, target)
	return target, nil
}

// Exec resolves the queued draw of addr. Anyone may call it.
func (s *DrawService) Exec(ctx context.Context, caller, addr models.Address) ([]models.DrawEvent, error) {
	start := s.now()
	var events []models.DrawEvent
	err := s.run(ctx, "exec", func(o *op) error {
		if err := NotKilled(o.cfg); err != nil {
			return err
		}
		acct, err := s.account(ctx, addr)
		if err != nil {
			return err
		}
		switch acct.State(o.round, o.cfg.RandomnessWindow) {
		case models.DrawStateIdle:
			return errs.ErrNoDrawQueued
		case models.DrawStateQueued:
			return errs.ErrWaitForRandomness
		case models.DrawStateExpired:
			return errs.ErrRandomnessExpired
		}

		table, err := odds.Load(ctx, s.odds)
		if err != nil {
			return errors.Wrap(err, "load odds table")
		}
		for i := 0; i < int(acct.DrawAmount); i++ {
			random, err := s.resolver.Request(ctx, o.cfg.OracleRef, addr, acct.DrawRound, i)
			if err != nil {
				return err
			}
			prize, err := table.Map(random, o.cfg.MaxOdds)
			if err != nil {
				logger.Errorf("odds table failed to map round %d offset %d for %s", acct.DrawRound, i, addr)
				return err
			}
			slot, ok := FreeSlot(acct)
			if !ok {
				return errs.ErrNoFreeSlot
			}
			acct.Slots[slot-1] = prize
			events = append(events, models.DrawEvent{
				Account: addr,
				Round:   acct.DrawRound,
				Offset:  i,
				Random:  hex.EncodeToString(random.Bytes()),
				Mapped:  odds.Reduce(random, o.cfg.MaxOdds),
				PrizeID: prize,
				Slot:    slot,
			})
		}
		acct.ResetDraw()
		o.save(acct)
		// events shares its backing array with the commit, so it picks up ids and times.
		o.commit.Events = events
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Executed(len(events), s.now().Sub(start))
	for _, e := range events {
		s.recorder.Prize(e.PrizeID)
		logger.Infof("exec by %s: account %s round %d offset %d won prize %d into slot %d", caller, addr, e.Round, e.Offset, e.PrizeID, e.Slot)
	}
	return events, nil
}

// Refund returns the paid amount of an expired draw to addr and resets it.
// It stays available while the engine is killed.
func (s *DrawService) Refund(ctx context.Context, caller, addr models.Address) (uint64, error) {
	var amount, round uint64
	err := s.run(ctx, "refund", func(o *op) error {
		acct, err := s.account(ctx, addr)
		if err != nil {
			return err
		}
		switch acct.State(o.round, o.cfg.RandomnessWindow) {
		case models.DrawStateIdle:
			return errs.ErrNoDrawQueued
		case models.DrawStateQueued, models.DrawStateResolvable:
			return errs.ErrRandomnessNotExpired
		}
		amount, round = acct.DrawAmountPaid, acct.DrawRound
		acct.ResetDraw()
		o.save(acct)
		if amount > 0 {
			o.commit.Transfers = append(o.commit.Transfers, models.Transfer{
				Kind:   models.TransferNative,
				From:   o.cfg.Engine,
				To:     addr,
				Amount: amount,
				Reason: "refund",
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.recorder.Refunded(amount)
	logger.Infof("refund by %s: account %s round %d refunded %s", caller, addr, round, models.FormatAmount(amount))
	return amount, nil
}

// Collect pays out every prize held by addr. It stays available while the
// engine is killed.
func (s *DrawService) Collect(ctx context.Context, addr models.Address) ([]models.Transfer, error) {
	var out []models.Transfer
	err := s.run(ctx, "collect", func(o *op) error {
		acct, err := s.account(ctx, addr)
		if err != nil {
			return err
		}
		out, err = Collect(&acct, o.cfg.Engine)
		if err != nil {
			return err
		}
		o.save(acct)
		o.commit.Transfers = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Collected(len(out))
	logger.Infof("account %s collected %d prizes", addr, len(out))
	return out, nil
}

// AccountView is an account together with the state of its pending draw.
type AccountView struct {
	models.Account
	State        models.DrawState `json:"state"`
	CurrentRound uint64           `json:"currentRound"`
	// ExpiresAfter is the last round the pending draw may be executed in.
	ExpiresAfter uint64 `json:"expiresAfter,omitempty"`
	PaidDisplay  string `json:"drawAmountPaidDisplay"`
}

// Account returns the view of addr at the current round.
func (s *DrawService) Account(ctx context.Context, addr models.Address) (AccountView, error) {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return AccountView{}, errors.Wrap(err, "load config")
	}
	round, err := s.clock.CurrentRound(ctx)
	if err != nil {
		return AccountView{}, errors.Wrap(err, "read current round")
	}
	acct, err := s.account(ctx, addr)
	if err != nil {
		return AccountView{}, err
	}
	v := AccountView{
		Account:      acct,
		State:        acct.State(round, cfg.RandomnessWindow),
		CurrentRound: round,
		PaidDisplay:  models.FormatAmount(acct.DrawAmountPaid),
	}
	if acct.Queued() {
		v.ExpiresAfter = acct.ExpiryRound(cfg.RandomnessWindow)
	}
	return v, nil
}

// Events returns the most recent draw events of addr, newest first.
func (s *DrawService) Events(ctx context.Context, addr models.Address, limit int) ([]models.DrawEvent, error) {
	if _, err := s.account(ctx, addr); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, addr, limit)
	return events, errors.Wrapf(err, "list events of %s", addr)
}

// Pending returns the accounts whose draw may be executed at the current round.
func (s *DrawService) Pending(ctx context.Context) ([]models.Account, uint64, error) {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load config")
	}
	round, err := s.clock.CurrentRound(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "read current round")
	}
	queued, err := s.store.ListQueued(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list queued")
	}
	var out []models.Account
	for _, a := range queued {
		if a.State(round, cfg.RandomnessWindow) == models.DrawStateResolvable {
			out = append(out, a)
		}
	}
	return out, round, nil
}
