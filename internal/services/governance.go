package services

import (
	"context"

	"github.com/google/logger"
	"github.com/pkg/errors"

	"prizedraw/internal/errs"
	"prizedraw/internal/models"
	"prizedraw/internal/odds"
)

// NotKilled fails when the kill switch is on.
func NotKilled(cfg models.GlobalConfig) error {
	if cfg.Killed {
		return errs.ErrContractKilled
	}
	return nil
}

// AdminOnly fails unless caller is the configured administrator.
func AdminOnly(cfg models.GlobalConfig, caller models.Address) error {
	if caller == "" || caller != cfg.Admin {
		return errs.ErrUnauthorized
	}
	return nil
}

// Config returns the current configuration snapshot.
func (s *DrawService) Config(ctx context.Context) (models.GlobalConfig, error) {
	cfg, err := s.store.GetConfig(ctx)
	return cfg, errors.Wrap(err, "load config")
}

// SetKillSwitch turns the kill switch on or off. It is accepted while killed
// so the switch can be lifted again.
func (s *DrawService) SetKillSwitch(ctx context.Context, caller models.Address, killed bool) error {
	err := s.run(ctx, "kill_switch", func(o *op) error {
		if err := AdminOnly(o.cfg, caller); err != nil {
			return err
		}
		cfg := o.cfg
		cfg.Killed = killed
		o.commit.Config = &cfg
		return nil
	})
	if err != nil {
		return err
	}
	logger.Infof("kill switch set to %t by %s", killed, caller)
	return nil
}

// UpdateConfig applies u to the configuration.
func (s *DrawService) UpdateConfig(ctx context.Context, caller models.Address, u models.ConfigUpdate) (models.GlobalConfig, error) {
	var out models.GlobalConfig
	err := s.run(ctx, "update_config", func(o *op) error {
		if err := AdminOnly(o.cfg, caller); err != nil {
			return err
		}
		if err := NotKilled(o.cfg); err != nil {
			return err
		}
		if u.MaxOdds != nil && !odds.IsPowerOfTwo(*u.MaxOdds) {
			return errs.ErrInvalidMaxOdds
		}
		if u.RandomnessWindow != nil && *u.RandomnessWindow > models.MaxRandomnessWindow {
			return errs.ErrInvalidWindow
		}
		out = u.Apply(o.cfg)
		o.commit.Config = &out
		return nil
	})
	if err != nil {
		return models.GlobalConfig{}, err
	}
	logger.Infof("config updated by %s: ticket=%s burn=%s maxOdds=%d window=%d oracle=%q",
		caller, models.FormatAmount(out.TicketPrice), models.FormatAmount(out.BurnTicketPrice),
		out.MaxOdds, out.RandomnessWindow, out.OracleRef)
	return out, nil
}

// IssueFreeDrawTokens sells num free-draw tokens to the administrator, who
// pays num times the ticket price to the treasury in the leading transfer of b.
func (s *DrawService) IssueFreeDrawTokens(ctx context.Context, b models.Bundle, num uint64) (models.Transfer, error) {
	var issued []models.Transfer
	err := s.run(ctx, "free_tokens", func(o *op) error {
		if err := AdminOnly(o.cfg, b.Sender); err != nil {
			return err
		}
		if err := NotKilled(o.cfg); err != nil {
			return err
		}
		if o.cfg.TicketPrice == 0 {
			return errs.ErrDrawingDisabled
		}
		if num == 0 {
			return errs.ErrInvalidCount
		}
		if err := ValidatePayment(b, num, o.cfg.TicketPrice, o.cfg.Treasury); err != nil {
			return err
		}
		if _, err := s.receive(ctx, o, b, "free_tokens"); err != nil {
			return err
		}
		issued = []models.Transfer{{
			Kind:    models.TransferAsset,
			From:    o.cfg.Engine,
			To:      o.cfg.Admin,
			AssetID: o.cfg.FreeDrawTokenID,
			Amount:  num,
			Reason:  "free_draw_tokens",
		}}
		o.commit.Transfers = issued
		return nil
	})
	if err != nil {
		return models.Transfer{}, err
	}
	logger.Infof("issued %d free-draw tokens to %s", num, b.Sender)
	return issued[0], nil
}

// Odds returns the prize entries currently served by the odds provider.
func (s *DrawService) Odds(ctx context.Context) ([]odds.Entry, error) {
	table, err := odds.Load(ctx, s.odds)
	if err != nil {
		return nil, errors.Wrap(err, "load odds table")
	}
	return table.Used(), nil
}

// PublishOdds replaces the odds table. The entries must add up to the
// configured max odds. The table lives outside the store, so the change is
// not part of any commit.
func (s *DrawService) PublishOdds(ctx context.Context, caller models.Address, entries []odds.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.publishOdds(ctx, caller, entries)
	if err != nil {
		s.recorder.Failed("publish_odds", err)
		return err
	}
	logger.Infof("odds table replaced by %s: %d entries", caller, len(entries))
	return nil
}

func (s *DrawService) publishOdds(ctx context.Context, caller models.Address, entries []odds.Entry) error {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if err := AdminOnly(cfg, caller); err != nil {
		return err
	}
	if err := NotKilled(cfg); err != nil {
		return err
	}
	if s.publish == nil {
		return errs.ErrOddsReadOnly
	}
	if len(entries) > odds.EntryCount {
		return errs.ErrInvalidOdds
	}
	var table odds.Table
	copy(table.Entries[:], entries)
	if err := table.Validate(cfg.MaxOdds); err != nil {
		logger.Warningf("rejected odds table from %s: %v", caller, err)
		return errs.ErrInvalidOdds
	}
	return errors.Wrap(s.publish.Publish(ctx, entries), "publish odds")
}
