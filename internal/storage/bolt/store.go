// Package bolt stores engine state in an embedded storm (bbolt) database.
package bolt

import (
	"context"
	"time"

	"github.com/asdine/storm"
	"github.com/asdine/storm/q"
	"github.com/pkg/errors"

	"prizedraw/internal/models"
	"prizedraw/internal/storage"
)

const (
	configBucket = "config"
	configKey    = "global"
)

type accountRecord struct {
	Address        string `storm:"id"`
	Slots          [models.SlotCount]uint64
	DrawRound      uint64 `storm:"index"`
	DrawAmount     uint64 `storm:"index"`
	DrawAmountPaid uint64
	UpdatedAt      time.Time
}

type eventRecord struct {
	Seq       int    `storm:"id,increment"`
	ID        string `storm:"unique"`
	Account   string `storm:"index"`
	Round     uint64
	Offset    int
	Random    string
	Mapped    uint64
	PrizeID   uint64
	Slot      int
	CreatedAt time.Time
}

type transferRecord struct {
	Seq       int    `storm:"id,increment"`
	ID        string `storm:"unique"`
	Kind      string
	From      string
	To        string
	AssetID   uint64
	Amount    uint64
	Reason    string
	Sent      bool `storm:"index"`
	CreatedAt time.Time
}

type receiptRecord struct {
	TxID      string `storm:"id"`
	Kind      string
	From      string
	To        string
	AssetID   uint64
	Amount    uint64
	Reason    string
	CreatedAt time.Time
}

// Store is a storage.Store on a single bolt file.
type Store struct {
	db *storm.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt store %s", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Bootstrap(_ context.Context, cfg models.GlobalConfig) error {
	var existing models.GlobalConfig
	err := s.db.Get(configBucket, configKey, &existing)
	if err == nil {
		return nil
	}
	if err != storm.ErrNotFound {
		return errors.Wrap(err, "read config")
	}
	return errors.Wrap(s.db.Set(configBucket, configKey, cfg), "bootstrap config")
}

func (s *Store) GetConfig(context.Context) (models.GlobalConfig, error) {
	var cfg models.GlobalConfig
	if err := s.db.Get(configBucket, configKey, &cfg); err != nil {
		if err == storm.ErrNotFound {
			return models.GlobalConfig{}, storage.ErrNotFound
		}
		return models.GlobalConfig{}, errors.Wrap(err, "read config")
	}
	return cfg, nil
}

func (s *Store) GetAccount(_ context.Context, addr models.Address) (models.Account, error) {
	var rec accountRecord
	if err := s.db.One("Address", string(addr), &rec); err != nil {
		if err == storm.ErrNotFound {
			return models.Account{}, storage.ErrNotFound
		}
		return models.Account{}, errors.Wrapf(err, "read account %s", addr)
	}
	return rec.account(), nil
}

func (s *Store) ListQueued(context.Context) ([]models.Account, error) {
	var recs []accountRecord
	err := s.db.Select(q.Gt("DrawAmount", uint64(0))).OrderBy("DrawRound", "Address").Find(&recs)
	if err != nil && err != storm.ErrNotFound {
		return nil, errors.Wrap(err, "list queued accounts")
	}
	out := make([]models.Account, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.account())
	}
	return out, nil
}

func (s *Store) ListEvents(_ context.Context, addr models.Address, limit int) ([]models.DrawEvent, error) {
	query := s.db.Select(q.Eq("Account", string(addr))).OrderBy("Seq").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var recs []eventRecord
	if err := query.Find(&recs); err != nil && err != storm.ErrNotFound {
		return nil, errors.Wrapf(err, "list events of %s", addr)
	}
	out := make([]models.DrawEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.DrawEvent{
			ID:        r.ID,
			Account:   models.Address(r.Account),
			Round:     r.Round,
			Offset:    r.Offset,
			Random:    r.Random,
			Mapped:    r.Mapped,
			PrizeID:   r.PrizeID,
			Slot:      r.Slot,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) PendingTransfers(_ context.Context, limit int) ([]models.Transfer, error) {
	query := s.db.Select(q.Eq("Sent", false)).OrderBy("Seq")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var recs []transferRecord
	if err := query.Find(&recs); err != nil && err != storm.ErrNotFound {
		return nil, errors.Wrap(err, "list pending transfers")
	}
	out := make([]models.Transfer, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.Transfer{
			ID:        r.ID,
			Kind:      models.TransferKind(r.Kind),
			From:      models.Address(r.From),
			To:        models.Address(r.To),
			AssetID:   r.AssetID,
			Amount:    r.Amount,
			Reason:    r.Reason,
			Sent:      r.Sent,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) MarkTransferSent(_ context.Context, id string) error {
	var rec transferRecord
	if err := s.db.One("ID", id, &rec); err != nil {
		if err == storm.ErrNotFound {
			return storage.ErrNotFound
		}
		return errors.Wrapf(err, "read transfer %s", id)
	}
	return errors.Wrapf(s.db.UpdateField(&rec, "Sent", true), "mark transfer %s", id)
}

func (s *Store) HasReceipt(_ context.Context, txID string) (bool, error) {
	var rec receiptRecord
	err := s.db.One("TxID", txID, &rec)
	if err == storm.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read receipt %s", txID)
	}
	return true, nil
}

// Commit applies c inside one writable bolt transaction.
func (s *Store) Commit(_ context.Context, c models.Commit) error {
	if c.Empty() {
		return nil
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if c.Config != nil {
		if err := tx.Set(configBucket, configKey, *c.Config); err != nil {
			return errors.Wrap(err, "write config")
		}
	}
	for _, a := range c.Accounts {
		rec := newAccountRecord(a)
		if err := tx.Save(&rec); err != nil {
			return errors.Wrapf(err, "write account %s", a.Address)
		}
	}
	for _, addr := range c.Deleted {
		err := tx.DeleteStruct(&accountRecord{Address: string(addr)})
		if err != nil && err != storm.ErrNotFound {
			return errors.Wrapf(err, "delete account %s", addr)
		}
	}
	for _, t := range c.Transfers {
		rec := transferRecord{
			ID:        t.ID,
			Kind:      string(t.Kind),
			From:      string(t.From),
			To:        string(t.To),
			AssetID:   t.AssetID,
			Amount:    t.Amount,
			Reason:    t.Reason,
			Sent:      t.Sent,
			CreatedAt: t.CreatedAt,
		}
		if err := tx.Save(&rec); err != nil {
			return errors.Wrapf(err, "write transfer %s", t.ID)
		}
	}
	for _, r := range c.Receipts {
		var existing receiptRecord
		err := tx.One("TxID", r.TxID, &existing)
		if err == nil {
			return storage.ErrDuplicateReceipt
		}
		if err != storm.ErrNotFound {
			return errors.Wrapf(err, "read receipt %s", r.TxID)
		}
		rec := receiptRecord{
			TxID:      r.TxID,
			Kind:      string(r.Kind),
			From:      string(r.From),
			To:        string(r.To),
			AssetID:   r.AssetID,
			Amount:    r.Amount,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		}
		if err := tx.Save(&rec); err != nil {
			return errors.Wrapf(err, "write receipt %s", r.TxID)
		}
	}
	for _, e := range c.Events {
		rec := eventRecord{
			ID:        e.ID,
			Account:   string(e.Account),
			Round:     e.Round,
			Offset:    e.Offset,
			Random:    e.Random,
			Mapped:    e.Mapped,
			PrizeID:   e.PrizeID,
			Slot:      e.Slot,
			CreatedAt: e.CreatedAt,
		}
		if err := tx.Save(&rec); err != nil {
			return errors.Wrapf(err, "write event %s", e.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *Store) Close() error {
	return s.db.Close()
}

func newAccountRecord(a models.Account) accountRecord {
	return accountRecord{
		Address:        string(a.Address),
		Slots:          a.Slots,
		DrawRound:      a.DrawRound,
		DrawAmount:     a.DrawAmount,
		DrawAmountPaid: a.DrawAmountPaid,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (r accountRecord) account() models.Account {
	return models.Account{
		Address:        models.Address(r.Address),
		Slots:          r.Slots,
		DrawRound:      r.DrawRound,
		DrawAmount:     r.DrawAmount,
		DrawAmountPaid: r.DrawAmountPaid,
		UpdatedAt:      r.UpdatedAt,
	}
}
