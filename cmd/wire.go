package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/logger"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"prizedraw/internal/config"
	"prizedraw/internal/ledger"
	"prizedraw/internal/odds"
	"prizedraw/internal/oracle"
	"prizedraw/internal/storage"
	"prizedraw/internal/storage/bolt"
	"prizedraw/internal/storage/postgres"
)

// openStore returns the configured store. Postgres schemas are migrated on open.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "bolt":
		return bolt.Open(cfg.Path)
	case "memory", "":
		logger.Warningf("using the in-memory store, state is lost on restart")
		return storage.NewMemory(), nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// openOracle returns the configured oracle client. The memory oracle derives
// a seed for every round so a local setup resolves draws without a gateway.
// Anyone can compute those seeds, so config only allows it in dev mode.
func openOracle(cfg config.OracleConfig) (oracle.Client, error) {
	switch cfg.Driver {
	case "http":
		return oracle.NewHTTPClient(cfg.URL, cfg.Timeout), nil
	case "memory":
		logger.Warningf("DEV: using the memory oracle, every draw outcome is predictable")
		m := oracle.NewMemory()
		m.Fallback = func(round uint64) ([]byte, bool) {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], round)
			seed := sha256.Sum256(b[:])
			return seed[:], true
		}
		return m, nil
	default:
		return nil, errors.Errorf("unknown oracle driver %q", cfg.Driver)
	}
}

// openLedger returns the configured ledger gateway. The memory ledger accepts
// every payment and only records payouts.
func openLedger(cfg config.LedgerConfig) (ledger.Client, error) {
	switch cfg.Driver {
	case "http":
		return ledger.NewHTTPClient(cfg.URL, cfg.Timeout), nil
	case "memory":
		logger.Warningf("DEV: using the memory ledger, payments are not checked and payouts go nowhere")
		m := ledger.NewMemory()
		m.AcceptUnsettled = true
		return m, nil
	default:
		return nil, errors.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

type oddsBackend interface {
	odds.Provider
	odds.Publisher
}

// openOdds returns the configured odds table and a close func.
func openOdds(ctx context.Context, cfg config.OddsConfig) (oddsBackend, func() error, error) {
	switch cfg.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, errors.Wrapf(err, "ping redis %s", cfg.RedisAddr)
		}
		p := odds.NewRedisProvider(rdb, cfg.RedisKey)
		// configured entries only seed an empty table
		current, err := odds.Load(ctx, p)
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		if len(current.Used()) == 0 && len(cfg.Entries) > 0 {
			if err := p.Publish(ctx, cfg.Entries); err != nil {
				rdb.Close()
				return nil, nil, err
			}
			logger.Infof("seeded odds table %s with %d entries", cfg.RedisKey, len(cfg.Entries))
		}
		return p, rdb.Close, nil
	case "static", "":
		p, err := odds.NewStaticProvider(cfg.Entries)
		if err != nil {
			return nil, nil, err
		}
		return p, func() error { return nil }, nil
	default:
		return nil, nil, errors.Errorf("unknown odds driver %q", cfg.Driver)
	}
}
