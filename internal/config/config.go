// Package config loads service configuration from a YAML file, a .env file
// and PRIZEDRAW_* environment variables, in increasing order of precedence.
package config

import (
	"context"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"prizedraw/internal/models"
	"prizedraw/internal/odds"
)

type Config struct {
	// Dev allows the in-process oracle and ledger. Neither checks anything.
	Dev     bool          `yaml:"dev" env:"PRIZEDRAW_DEV"`
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Odds    OddsConfig    `yaml:"odds"`
	Chain   ChainConfig   `yaml:"chain"`
	Engine  EngineConfig  `yaml:"engine"`
	Relay   RelayConfig   `yaml:"relay"`
	Payout  PayoutConfig  `yaml:"payout"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr      string  `yaml:"addr" env:"PRIZEDRAW_ADDR"`
	Mode      string  `yaml:"mode" env:"PRIZEDRAW_GIN_MODE"`
	RateLimit float64 `yaml:"rate_limit" env:"PRIZEDRAW_RATE_LIMIT"` // requests per second per client, 0 disables
	RateBurst int     `yaml:"rate_burst" env:"PRIZEDRAW_RATE_BURST"`
	// TrustedProxies may set X-Forwarded-For. Empty means the peer address is
	// always the client.
	TrustedProxies []string `yaml:"trusted_proxies" env:"PRIZEDRAW_TRUSTED_PROXIES"`
}

// AuthConfig holds the HMAC secret bearer tokens are signed with.
type AuthConfig struct {
	Secret   string        `yaml:"secret" env:"PRIZEDRAW_AUTH_SECRET"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"PRIZEDRAW_TOKEN_TTL"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" env:"PRIZEDRAW_STORAGE"` // memory, postgres or bolt
	DSN    string `yaml:"dsn" env:"PRIZEDRAW_DATABASE_URL"`
	Path   string `yaml:"path" env:"PRIZEDRAW_BOLT_PATH"`
}

type OracleConfig struct {
	Driver  string        `yaml:"driver" env:"PRIZEDRAW_ORACLE"` // http or memory
	URL     string        `yaml:"url" env:"PRIZEDRAW_ORACLE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"PRIZEDRAW_ORACLE_TIMEOUT"`
}

type LedgerConfig struct {
	Driver  string        `yaml:"driver" env:"PRIZEDRAW_LEDGER"` // http or memory
	URL     string        `yaml:"url" env:"PRIZEDRAW_LEDGER_URL"`
	Timeout time.Duration `yaml:"timeout" env:"PRIZEDRAW_LEDGER_TIMEOUT"`
}

type OddsConfig struct {
	Driver        string       `yaml:"driver" env:"PRIZEDRAW_ODDS"` // static or redis
	Entries       []odds.Entry `yaml:"entries"`
	RedisAddr     string       `yaml:"redis_addr" env:"PRIZEDRAW_REDIS_ADDR"`
	RedisPassword string       `yaml:"redis_password" env:"PRIZEDRAW_REDIS_PASSWORD"`
	RedisDB       int          `yaml:"redis_db" env:"PRIZEDRAW_REDIS_DB"`
	RedisKey      string       `yaml:"redis_key" env:"PRIZEDRAW_REDIS_KEY"`
}

// ChainConfig describes how rounds advance: Offset at Genesis (unix seconds),
// then one per Interval.
type ChainConfig struct {
	Genesis  int64         `yaml:"genesis" env:"PRIZEDRAW_GENESIS"`
	Interval time.Duration `yaml:"interval" env:"PRIZEDRAW_ROUND_INTERVAL"`
	Offset   uint64        `yaml:"offset" env:"PRIZEDRAW_ROUND_OFFSET"`
}

// GenesisTime returns Genesis as a time.
func (c ChainConfig) GenesisTime() time.Time {
	return time.Unix(c.Genesis, 0).UTC()
}

// EngineConfig seeds the global configuration the first time a store is used.
type EngineConfig struct {
	TicketPrice      uint64 `yaml:"ticket_price" env:"PRIZEDRAW_TICKET_PRICE"`
	BurnTicketPrice  uint64 `yaml:"burn_ticket_price" env:"PRIZEDRAW_BURN_TICKET_PRICE"`
	FreeDrawTokenID  uint64 `yaml:"free_draw_token_id" env:"PRIZEDRAW_FREE_DRAW_TOKEN_ID"`
	MaxOdds          uint64 `yaml:"max_odds" env:"PRIZEDRAW_MAX_ODDS"`
	RandomnessWindow uint64 `yaml:"randomness_window" env:"PRIZEDRAW_RANDOMNESS_WINDOW"`
	OracleRef        string `yaml:"oracle_ref" env:"PRIZEDRAW_ORACLE_REF"`
	Admin            string `yaml:"admin" env:"PRIZEDRAW_ADMIN"`
	Treasury         string `yaml:"treasury" env:"PRIZEDRAW_TREASURY"`
	Address          string `yaml:"address" env:"PRIZEDRAW_ENGINE_ADDRESS"`
}

type RelayConfig struct {
	Enabled  bool   `yaml:"enabled" env:"PRIZEDRAW_RELAY"`
	Schedule string `yaml:"schedule" env:"PRIZEDRAW_RELAY_SCHEDULE"`
	Caller   string `yaml:"caller" env:"PRIZEDRAW_RELAY_CALLER"`
}

type PayoutConfig struct {
	Enabled  bool          `yaml:"enabled" env:"PRIZEDRAW_PAYOUT"`
	Interval time.Duration `yaml:"interval" env:"PRIZEDRAW_PAYOUT_INTERVAL"`
	Batch    int           `yaml:"batch" env:"PRIZEDRAW_PAYOUT_BATCH"`
}

type LogConfig struct {
	Verbose bool   `yaml:"verbose" env:"PRIZEDRAW_LOG_VERBOSE"`
	File    string `yaml:"file" env:"PRIZEDRAW_LOG_FILE"`
}

// Default returns the base configuration. The oracle and ledger gateways,
// the auth secret and the engine addresses still have to be supplied.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080", Mode: "release", RateLimit: 20, RateBurst: 40},
		Auth:    AuthConfig{TokenTTL: 24 * time.Hour},
		Storage: StorageConfig{Driver: "memory"},
		Oracle:  OracleConfig{Driver: "http", Timeout: 5 * time.Second},
		Ledger:  LedgerConfig{Driver: "http", Timeout: 5 * time.Second},
		Odds:    OddsConfig{Driver: "static", RedisKey: "prizedraw:odds"},
		Chain:   ChainConfig{Interval: 3 * time.Second},
		Engine: EngineConfig{
			TicketPrice:      1000000,
			BurnTicketPrice:  500000,
			MaxOdds:          1048576,
			RandomnessWindow: 1000,
		},
		Relay:  RelayConfig{Enabled: true, Schedule: "@every 5s", Caller: "relay"},
		Payout: PayoutConfig{Enabled: true, Interval: 5 * time.Second, Batch: 100},
	}
}

// Load reads path (optional), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, errors.Wrap(err, "decode environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MinSecretLength is the shortest accepted token signing secret.
const MinSecretLength = 32

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return errors.Errorf("server: unknown mode %q", c.Server.Mode)
	}
	if len(c.Auth.Secret) < MinSecretLength {
		return errors.Errorf("auth: secret must be at least %d bytes", MinSecretLength)
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth: token_ttl must be positive")
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage: postgres needs a dsn")
		}
	case "bolt":
		if c.Storage.Path == "" {
			return errors.New("storage: bolt needs a path")
		}
	default:
		return errors.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}

	switch c.Oracle.Driver {
	case "memory":
		if !c.Dev {
			return errors.New("oracle: memory driver is predictable and needs dev mode")
		}
	case "http":
		if c.Oracle.URL == "" && c.Engine.OracleRef == "" {
			return errors.New("oracle: http needs a url")
		}
	default:
		return errors.Errorf("oracle: unknown driver %q", c.Oracle.Driver)
	}

	switch c.Ledger.Driver {
	case "memory":
		if !c.Dev {
			return errors.New("ledger: memory driver accepts any payment and needs dev mode")
		}
	case "http":
		if c.Ledger.URL == "" {
			return errors.New("ledger: http needs a url")
		}
	default:
		return errors.Errorf("ledger: unknown driver %q", c.Ledger.Driver)
	}

	if !odds.IsPowerOfTwo(c.Engine.MaxOdds) {
		return errors.Errorf("engine: max_odds %d is not a power of two", c.Engine.MaxOdds)
	}
	if c.Engine.RandomnessWindow > models.MaxRandomnessWindow {
		return errors.Errorf("engine: randomness_window %d exceeds %d", c.Engine.RandomnessWindow, uint64(models.MaxRandomnessWindow))
	}
	if c.Engine.Admin == "" || c.Engine.Treasury == "" || c.Engine.Address == "" {
		return errors.New("engine: admin, treasury and address are required")
	}

	switch c.Odds.Driver {
	case "static":
		p, err := odds.NewStaticProvider(c.Odds.Entries)
		if err != nil {
			return errors.Wrap(err, "odds")
		}
		table, err := odds.Load(context.Background(), p)
		if err != nil {
			return errors.Wrap(err, "odds")
		}
		if err := table.Validate(c.Engine.MaxOdds); err != nil {
			return errors.Wrap(err, "odds")
		}
	case "redis":
		if c.Odds.RedisAddr == "" || c.Odds.RedisKey == "" {
			return errors.New("odds: redis needs an address and a key")
		}
	default:
		return errors.Errorf("odds: unknown driver %q", c.Odds.Driver)
	}

	if c.Chain.Interval <= 0 {
		return errors.New("chain: interval must be positive")
	}
	if c.Relay.Enabled {
		if _, err := cron.ParseStandard(c.Relay.Schedule); err != nil {
			return errors.Wrapf(err, "relay: schedule %q", c.Relay.Schedule)
		}
	}
	if c.Payout.Enabled && c.Payout.Interval <= 0 {
		return errors.New("payout: interval must be positive")
	}
	return nil
}

// GlobalConfig returns the engine configuration a new store is bootstrapped with.
func (e EngineConfig) GlobalConfig() models.GlobalConfig {
	return models.GlobalConfig{
		FreeDrawTokenID:  e.FreeDrawTokenID,
		TicketPrice:      e.TicketPrice,
		BurnTicketPrice:  e.BurnTicketPrice,
		MaxOdds:          e.MaxOdds,
		OracleRef:        e.OracleRef,
		RandomnessWindow: e.RandomnessWindow,
		Admin:            models.Address(e.Admin),
		Treasury:         models.Address(e.Treasury),
		Engine:           models.Address(e.Address),
	}
}
