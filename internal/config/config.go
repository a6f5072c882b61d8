package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/votechain/adapters/ledger"
	"github.com/layer-3/votechain/core"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. VOTECHAIN_REDIS_URL
const EnvPrefix = "VOTECHAIN"

// Config is the full process configuration
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Challenge   ChallengeConfig   `mapstructure:"challenge"`
	Session     SessionConfig     `mapstructure:"session"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Log         LogConfig         `mapstructure:"log"`
}

type HTTPConfig struct {
	Listen     string `mapstructure:"listen"`
	AdminToken string `mapstructure:"admin_token"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LedgerConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Degrade         string        `mapstructure:"degrade"`
	GasFallback     uint64        `mapstructure:"gas_fallback"`
	GasMargin       uint64        `mapstructure:"gas_margin"`
	GasCap          uint64        `mapstructure:"gas_cap"`
}

type IdentityConfig struct {
	Salt string `mapstructure:"salt"`
}

type ChallengeConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	CodeLength  int           `mapstructure:"code_length"`
}

type SessionConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	SigningKeyFile string        `mapstructure:"signing_key_file"`
}

type CoordinatorConfig struct {
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
}

type AuditConfig struct {
	// Interval of the background audit; zero disables it
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ToLedger converts the section into ledger client settings
func (c LedgerConfig) ToLedger() ledger.Config {
	return ledger.Config{
		RPCURL:          c.RPCURL,
		ContractAddress: c.ContractAddress,
		PrivateKey:      c.PrivateKey,
		ConfirmTimeout:  c.ConfirmTimeout,
		PollInterval:    c.PollInterval,
		Degrade:         ledger.DegradePolicy(c.Degrade),
		GasFallback:     c.GasFallback,
		GasMargin:       c.GasMargin,
		GasCap:          c.GasCap,
	}
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.listen", ":9000")
	v.SetDefault("http.admin_token", "")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("database.path", "votechain.db")
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.contract_address", "")
	v.SetDefault("ledger.private_key", "")
	v.SetDefault("ledger.confirm_timeout", ledger.DefaultConfirmTimeout)
	v.SetDefault("ledger.poll_interval", ledger.DefaultPollInterval)
	v.SetDefault("ledger.degrade", string(ledger.FailOpen))
	v.SetDefault("ledger.gas_fallback", ledger.DefaultGasFallback)
	v.SetDefault("ledger.gas_margin", ledger.DefaultGasMargin)
	v.SetDefault("ledger.gas_cap", ledger.DefaultGasCap)
	v.SetDefault("identity.salt", "")
	v.SetDefault("challenge.ttl", core.DefaultChallengeTTL)
	v.SetDefault("challenge.max_attempts", core.DefaultMaxAttempts)
	v.SetDefault("challenge.code_length", core.DefaultCodeLength)
	v.SetDefault("session.ttl", core.DefaultSessionTTL)
	v.SetDefault("session.signing_key_file", "")
	v.SetDefault("coordinator.max_concurrent", 16)
	v.SetDefault("audit.interval", time.Duration(0))
	v.SetDefault("audit.concurrency", 8)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the optional config file at path, then VOTECHAIN_* environment
// variables, on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing or inconsistent value
func (c *Config) Validate() error {
	var errs []error

	if c.Identity.Salt == "" {
		errs = append(errs, errors.New("identity.salt is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required"))
	}
	switch ledger.DegradePolicy(c.Ledger.Degrade) {
	case ledger.FailOpen, ledger.FailClosed:
	default:
		errs = append(errs, fmt.Errorf("ledger.degrade must be %s or %s", ledger.FailOpen, ledger.FailClosed))
	}
	if c.Ledger.ContractAddress != "" && c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("ledger.rpc_url is required when a contract is configured"))
	}
	if c.Challenge.MaxAttempts <= 0 {
		errs = append(errs, errors.New("challenge.max_attempts must be positive"))
	}
	if c.Challenge.TTL <= 0 {
		errs = append(errs, errors.New("challenge.ttl must be positive"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Coordinator.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("coordinator.max_concurrent must be positive"))
	}
	if c.Audit.Concurrency <= 0 {
		errs = append(errs, errors.New("audit.concurrency must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrValidation, errors.Join(errs...))
	}
	return nil
}
