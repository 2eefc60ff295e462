// Package config loads the stakeledger YAML configuration and converts it into the ledger, keeper and
// minter settings.
package config

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/TxnLab/stakeledger/internal/lib/keeper"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/minter"
)

// Duration wraps time.Duration to support human readable YAML values.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func D(d time.Duration) Duration { return Duration{Duration: d} }

type Config struct {
	Ledger  LedgerConfig             `yaml:"ledger"`
	Tiers   []TierConfig             `yaml:"tiers"`
	Bundles map[string][]VoucherSpec `yaml:"bundles,omitempty"`
	Keeper  KeeperConfig             `yaml:"keeper"`
	Storage StorageConfig            `yaml:"storage"`
	API     APIConfig                `yaml:"api"`
	Minter  MinterConfig             `yaml:"minter"`
}

type LedgerConfig struct {
	RewardInterval       Duration `yaml:"reward_interval"`
	MinWaitTime          Duration `yaml:"min_wait_time"`
	MaxPositionsPerOwner int      `yaml:"max_positions_per_owner"`
	MaxLockDuration      Duration `yaml:"max_lock_duration"`
	GenesisAdmins        []string `yaml:"genesis_admins,omitempty"`
}

type TierConfig struct {
	Tier         string   `yaml:"tier"`
	MinAmount    string   `yaml:"min_amount"`
	MinDuration  Duration `yaml:"min_duration"`
	RewardWeight uint64   `yaml:"reward_weight"`
}

type VoucherSpec struct {
	Kind        string   `yaml:"kind"`
	Name        string   `yaml:"name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Value       string   `yaml:"value,omitempty"`
	MaxUses     uint32   `yaml:"max_uses"`
	TTL         Duration `yaml:"ttl"`
}

type KeeperConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	BatchSize      int      `yaml:"batch_size"`
	Concurrency    int      `yaml:"concurrency"`
	MintAttempts   int      `yaml:"mint_attempts"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `yaml:"retry_max_delay"`
	// AutoBundle issues the tier voucher bundle for every newly opened position.
	AutoBundle bool `yaml:"auto_bundle"`
	// Operator is the identity the daemon acts as for automatic operations; it needs the Minter role.
	Operator string `yaml:"operator,omitempty"`
}

type StorageConfig struct {
	// DSN is the SQLite database; empty keeps everything in memory.
	DSN string `yaml:"dsn"`
	// Journal is the LevelDB audit journal directory; empty keeps it in memory.
	Journal string `yaml:"journal"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
	// RateLimit is the sustained number of mutating requests per second allowed per identity.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// TokenTTL bounds the lifetime of tokens issued by the token command.
	TokenTTL Duration `yaml:"token_ttl"`
}

type MinterConfig struct {
	// Kind is "local" or "algorand".
	Kind       string `yaml:"kind"`
	Network    string `yaml:"network,omitempty"`
	Account    string `yaml:"account,omitempty"`
	UnitName   string `yaml:"unit_name,omitempty"`
	NamePrefix string `yaml:"name_prefix,omitempty"`
	URL        string `yaml:"url,omitempty"`
}

const (
	MinterLocal    = "local"
	MinterAlgorand = "algorand"
)

func Default() Config {
	lcfg := ledger.DefaultConfig()
	kcfg := keeper.DefaultConfig()
	acfg := minter.DefaultAlgoConfig()
	cfg := Config{
		Ledger: LedgerConfig{
			RewardInterval:       D(lcfg.RewardInterval),
			MinWaitTime:          D(lcfg.MinWaitTime),
			MaxPositionsPerOwner: lcfg.MaxPositionsPerOwner,
		},
		Keeper: KeeperConfig{
			PollInterval:   D(time.Minute),
			BatchSize:      kcfg.BatchSize,
			Concurrency:    kcfg.Concurrency,
			MintAttempts:   kcfg.MintAttempts,
			RetryBaseDelay: D(kcfg.RetryBaseDelay),
			RetryMaxDelay:  D(kcfg.RetryMaxDelay),
		},
		Storage: StorageConfig{DSN: "stakeledger.db", Journal: "journal"},
		API: APIConfig{
			Listen:    ":8080",
			RateLimit: 5,
			Burst:     10,
			TokenTTL:  D(24 * time.Hour),
		},
		Minter: MinterConfig{
			Kind:       MinterLocal,
			Network:    "testnet",
			UnitName:   acfg.UnitName,
			NamePrefix: acfg.NamePrefix,
		},
	}
	for _, def := range ledger.DefaultTierDefinitions() {
		cfg.Tiers = append(cfg.Tiers, TierConfig{
			Tier:         def.Tier.String(),
			MinAmount:    def.MinAmount.Dec(),
			MinDuration:  D(def.MinDuration),
			RewardWeight: def.RewardWeight,
		})
	}
	return cfg
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("%w: decode config: %w", ledger.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func (c Config) Validate() error {
	lcfg, err := c.LedgerConfig()
	if err != nil {
		return err
	}
	if err = lcfg.Validate(); err != nil {
		return err
	}
	if _, err = ledger.NewTierTable(1, time.Time{}, lcfg.TierDefinitions); err != nil {
		return err
	}
	if err = c.KeeperConfig().Validate(); err != nil {
		return err
	}
	if c.Keeper.PollInterval.Duration <= 0 {
		return fmt.Errorf("%w: keeper poll interval must be positive", ledger.ErrInvalidConfig)
	}
	if c.Keeper.AutoBundle && c.Keeper.Operator == "" {
		return fmt.Errorf("%w: keeper auto_bundle requires an operator identity", ledger.ErrInvalidConfig)
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		return fmt.Errorf("%w: api rate limits must not be negative", ledger.ErrInvalidConfig)
	}
	switch c.Minter.Kind {
	case MinterLocal:
	case MinterAlgorand:
		if err = c.AlgoConfig().Validate(); err != nil {
			return err
		}
		if !slices.Contains([]string{"sandbox", "betanet", "testnet", "mainnet", "voitestnet"}, c.Minter.Network) {
			return fmt.Errorf("%w: unknown network:%s", ledger.ErrInvalidConfig, c.Minter.Network)
		}
	default:
		return fmt.Errorf("%w: unknown minter kind %q", ledger.ErrInvalidConfig, c.Minter.Kind)
	}
	return nil
}

// LedgerConfig converts the ledger, tier and bundle sections.
func (c Config) LedgerConfig() (ledger.Config, error) {
	cfg := ledger.Config{
		RewardInterval:       c.Ledger.RewardInterval.Duration,
		MinWaitTime:          c.Ledger.MinWaitTime.Duration,
		MaxPositionsPerOwner: c.Ledger.MaxPositionsPerOwner,
		MaxLockDuration:      c.Ledger.MaxLockDuration.Duration,
	}
	for _, admin := range c.Ledger.GenesisAdmins {
		id, err := ledger.ParseIdentity(admin)
		if err != nil {
			return ledger.Config{}, err
		}
		cfg.GenesisAdmins = append(cfg.GenesisAdmins, id)
	}
	defs, err := TierDefinitions(c.Tiers)
	if err != nil {
		return ledger.Config{}, err
	}
	cfg.TierDefinitions = defs
	if len(c.Bundles) > 0 {
		cfg.Bundles = map[ledger.Tier][]ledger.VoucherSpec{}
	}
	for name, specs := range c.Bundles {
		tier, err := ledger.ParseTier(name)
		if err != nil {
			return ledger.Config{}, fmt.Errorf("%w: bundle %q: %w", ledger.ErrInvalidConfig, name, err)
		}
		for _, s := range specs {
			spec := ledger.VoucherSpec{
				Kind:        s.Kind,
				Name:        s.Name,
				Description: s.Description,
				Value:       s.Value,
				MaxUses:     s.MaxUses,
				TTL:         s.TTL.Duration,
			}
			if err = spec.Validate(); err != nil {
				return ledger.Config{}, fmt.Errorf("bundle %s: %w", name, err)
			}
			cfg.Bundles[tier] = append(cfg.Bundles[tier], spec)
		}
	}
	return cfg, nil
}

// TierDefinitions converts tier entries into ledger definitions. Table level rules (ordering,
// duplicates) are checked by the ledger.
func TierDefinitions(tiers []TierConfig) ([]ledger.TierDefinition, error) {
	defs := make([]ledger.TierDefinition, 0, len(tiers))
	for _, t := range tiers {
		tier, err := ledger.ParseTier(t.Tier)
		if err != nil {
			return nil, err
		}
		amount, err := uint256.FromDecimal(strings.TrimSpace(t.MinAmount))
		if err != nil {
			return nil, fmt.Errorf("%w: tier %s min_amount %q: %w", ledger.ErrInvalidTierTable, t.Tier, t.MinAmount, err)
		}
		defs = append(defs, ledger.TierDefinition{
			Tier:         tier,
			MinAmount:    *amount,
			MinDuration:  t.MinDuration.Duration,
			RewardWeight: t.RewardWeight,
		})
	}
	return defs, nil
}

// DecodeTiers reads a YAML list of tier entries, the same shape as the tiers section.
func DecodeTiers(r io.Reader) ([]ledger.TierDefinition, error) {
	var tiers []TierConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tiers); err != nil {
		return nil, fmt.Errorf("%w: decode tiers: %w", ledger.ErrInvalidTierTable, err)
	}
	return TierDefinitions(tiers)
}

func (c Config) KeeperConfig() keeper.Config {
	return keeper.Config{
		BatchSize:      c.Keeper.BatchSize,
		Concurrency:    c.Keeper.Concurrency,
		MintAttempts:   c.Keeper.MintAttempts,
		RetryBaseDelay: c.Keeper.RetryBaseDelay.Duration,
		RetryMaxDelay:  c.Keeper.RetryMaxDelay.Duration,
	}
}

func (c Config) AlgoConfig() minter.AlgoConfig {
	return minter.AlgoConfig{
		NamePrefix: c.Minter.NamePrefix,
		UnitName:   c.Minter.UnitName,
		URL:        c.Minter.URL,
	}
}
