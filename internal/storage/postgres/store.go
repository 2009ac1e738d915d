// Package postgres implements storage.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"prizedraw/internal/models"
	"prizedraw/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL. Each Commit runs in one transaction.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS draw_config (
		id SMALLINT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS draw_accounts (
		address TEXT PRIMARY KEY,
		slot1 BIGINT NOT NULL DEFAULT 0,
		slot2 BIGINT NOT NULL DEFAULT 0,
		slot3 BIGINT NOT NULL DEFAULT 0,
		draw_round BIGINT NOT NULL DEFAULT 0,
		draw_amount BIGINT NOT NULL DEFAULT 0,
		draw_amount_paid BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS draw_accounts_queued_idx ON draw_accounts (draw_round) WHERE draw_amount > 0`,
	`CREATE TABLE IF NOT EXISTS draw_events (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		round BIGINT NOT NULL,
		draw_offset INT NOT NULL,
		random TEXT NOT NULL,
		mapped BIGINT NOT NULL,
		prize_id BIGINT NOT NULL,
		slot INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS draw_events_account_idx ON draw_events (account, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS draw_transfers (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		asset_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		reason TEXT NOT NULL,
		sent BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS draw_transfers_pending_idx ON draw_transfers (created_at) WHERE NOT sent`,
	`CREATE TABLE IF NOT EXISTS draw_receipts (
		tx_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		from_addr TEXT NOT NULL,
		to_addr TEXT NOT NULL,
		asset_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

type accountRow struct {
	Address        string    `db:"address"`
	Slot1          uint64    `db:"slot1"`
	Slot2          uint64    `db:"slot2"`
	Slot3          uint64    `db:"slot3"`
	DrawRound      uint64    `db:"draw_round"`
	DrawAmount     uint64    `db:"draw_amount"`
	DrawAmountPaid uint64    `db:"draw_amount_paid"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func toAccountRow(a models.Account) accountRow {
	return accountRow{
		Address:        string(a.Address),
		Slot1:          a.Slots[0],
		Slot2:          a.Slots[1],
		Slot3:          a.Slots[2],
		DrawRound:      a.DrawRound,
		DrawAmount:     a.DrawAmount,
		DrawAmountPaid: a.DrawAmountPaid,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (r accountRow) model() models.Account {
	return models.Account{
		Address:        models.Address(r.Address),
		Slots:          [models.SlotCount]uint64{r.Slot1, r.Slot2, r.Slot3},
		DrawRound:      r.DrawRound,
		DrawAmount:     r.DrawAmount,
		DrawAmountPaid: r.DrawAmountPaid,
		UpdatedAt:      r.UpdatedAt,
	}
}

type eventRow struct {
	ID        string    `db:"id"`
	Account   string    `db:"account"`
	Round     uint64    `db:"round"`
	Offset    int       `db:"draw_offset"`
	Random    string    `db:"random"`
	Mapped    uint64    `db:"mapped"`
	PrizeID   uint64    `db:"prize_id"`
	Slot      int       `db:"slot"`
	CreatedAt time.Time `db:"created_at"`
}

type transferRow struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	From      string    `db:"from_addr"`
	To        string    `db:"to_addr"`
	AssetID   uint64    `db:"asset_id"`
	Amount    uint64    `db:"amount"`
	Reason    string    `db:"reason"`
	Sent      bool      `db:"sent"`
	CreatedAt time.Time `db:"created_at"`
}

type receiptRow struct {
	TxID      string    `db:"tx_id"`
	Kind      string    `db:"kind"`
	From      string    `db:"from_addr"`
	To        string    `db:"to_addr"`
	AssetID   uint64    `db:"asset_id"`
	Amount    uint64    `db:"amount"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}

const accountColumns = `address, slot1, slot2, slot3, draw_round, draw_amount, draw_amount_paid, updated_at`

func (s *Store) Bootstrap(ctx context.Context, cfg models.GlobalConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO draw_config (id, doc, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO NOTHING
	`, doc, time.Now().UTC())
	return errors.Wrap(err, "bootstrap config")
}

func (s *Store) GetConfig(ctx context.Context) (models.GlobalConfig, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT doc FROM draw_config WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GlobalConfig{}, storage.ErrNotFound
	}
	if err != nil {
		return models.GlobalConfig{}, errors.Wrap(err, "get config")
	}
	var cfg models.GlobalConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return models.GlobalConfig{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

func (s *Store) GetAccount(ctx context.Context, addr models.Address) (models.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM draw_accounts WHERE address = $1`, string(addr))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Account{}, errors.Wrapf(err, "get account %s", addr)
	}
	return row.model(), nil
}

func (s *Store) ListQueued(ctx context.Context) ([]models.Account, error) {
	var rows []accountRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+` FROM draw_accounts
		WHERE draw_amount > 0
		ORDER BY draw_round, address
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list queued")
	}
	out := make([]models.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, addr models.Address, limit int) ([]models.DrawEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account, round, draw_offset, random, mapped, prize_id, slot, created_at
		FROM draw_events
		WHERE account = $1
		ORDER BY created_at DESC, draw_offset DESC
		LIMIT $2
	`, string(addr), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	out := make([]models.DrawEvent, 0, len(rows))
	for _, r := range rows {
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

func (s *Store) PendingTransfers(ctx context.Context, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []transferRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, from_addr, to_addr, asset_id, amount, reason, sent, created_at
		FROM draw_transfers
		WHERE NOT sent
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pending transfers")
	}
	out := make([]models.Transfer, 0, len(rows))
	for _, r := range rows {
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

func (s *Store) MarkTransferSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE draw_transfers SET sent = TRUE, sent_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "mark transfer %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) HasReceipt(ctx context.Context, txID string) (bool, error) {
	var found bool
	err := s.db.GetContext(ctx, &found, `SELECT EXISTS (SELECT 1 FROM draw_receipts WHERE tx_id = $1)`, txID)
	return found, errors.Wrapf(err, "look up receipt %s", txID)
}

const (
	upsertConfig = `
		INSERT INTO draw_config (id, doc, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`
	upsertAccount = `
		INSERT INTO draw_accounts (` + accountColumns + `)
		VALUES (:address, :slot1, :slot2, :slot3, :draw_round, :draw_amount, :draw_amount_paid, :updated_at)
		ON CONFLICT (address) DO UPDATE SET
			slot1 = EXCLUDED.slot1, slot2 = EXCLUDED.slot2, slot3 = EXCLUDED.slot3,
			draw_round = EXCLUDED.draw_round, draw_amount = EXCLUDED.draw_amount,
			draw_amount_paid = EXCLUDED.draw_amount_paid, updated_at = EXCLUDED.updated_at`
	insertTransfer = `
		INSERT INTO draw_transfers (id, kind, from_addr, to_addr, asset_id, amount, reason, sent, created_at)
		VALUES (:id, :kind, :from_addr, :to_addr, :asset_id, :amount, :reason, :sent, :created_at)`
	insertReceipt = `
		INSERT INTO draw_receipts (tx_id, kind, from_addr, to_addr, asset_id, amount, reason, created_at)
		VALUES (:tx_id, :kind, :from_addr, :to_addr, :asset_id, :amount, :reason, :created_at)
		ON CONFLICT (tx_id) DO NOTHING`
	insertEvent = `
		INSERT INTO draw_events (id, account, round, draw_offset, random, mapped, prize_id, slot, created_at)
		VALUES (:id, :account, :round, :draw_offset, :random, :mapped, :prize_id, :slot, :created_at)`
)

func (s *Store) Commit(ctx context.Context, c models.Commit) error {
	if c.Empty() {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin commit")
	}
	defer func() { _ = tx.Rollback() }()

	if c.Config != nil {
		doc, err := json.Marshal(c.Config)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertConfig, doc, time.Now().UTC()); err != nil {
			return errors.Wrap(err, "write config")
		}
	}
	for _, acct := range c.Accounts {
		if _, err := tx.NamedExecContext(ctx, upsertAccount, toAccountRow(acct)); err != nil {
			return errors.Wrapf(err, "write account %s", acct.Address)
		}
	}
	for _, addr := range c.Deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM draw_accounts WHERE address = $1`, string(addr)); err != nil {
			return errors.Wrapf(err, "delete account %s", addr)
		}
	}
	for _, tr := range c.Transfers {
		row := transferRow{
			ID:        tr.ID,
			Kind:      string(tr.Kind),
			From:      string(tr.From),
			To:        string(tr.To),
			AssetID:   tr.AssetID,
			Amount:    tr.Amount,
			Reason:    tr.Reason,
			Sent:      tr.Sent,
			CreatedAt: tr.CreatedAt,
		}
		if _, err := tx.NamedExecContext(ctx, insertTransfer, row); err != nil {
			return errors.Wrapf(err, "write transfer %s", tr.ID)
		}
	}
	for _, r := range c.Receipts {
		row := receiptRow{
			TxID:      r.TxID,
			Kind:      string(r.Kind),
			From:      string(r.From),
			To:        string(r.To),
			AssetID:   r.AssetID,
			Amount:    r.Amount,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt,
		}
		res, err := tx.NamedExecContext(ctx, insertReceipt, row)
		if err != nil {
			return errors.Wrapf(err, "write receipt %s", r.TxID)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrDuplicateReceipt
		}
	}
	for _, ev := range c.Events {
		row := eventRow{
			ID:        ev.ID,
			Account:   string(ev.Account),
			Round:     ev.Round,
			Offset:    ev.Offset,
			Random:    ev.Random,
			Mapped:    ev.Mapped,
			PrizeID:   ev.PrizeID,
			Slot:      ev.Slot,
			CreatedAt: ev.CreatedAt,
		}
		if _, err := tx.NamedExecContext(ctx, insertEvent, row); err != nil {
			return errors.Wrapf(err, "write event %s", ev.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *Store) Close() error {
	return s.db.Close()
}
