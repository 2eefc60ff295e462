package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

const (
	DefaultRewardInterval       = 30 * 24 * time.Hour
	DefaultMinWaitTime          = time.Minute
	DefaultMaxPositionsPerOwner = 10
)

// Config is fixed at construction. Tier tables and the min wait time change afterwards only through
// admin operations.
type Config struct {
	RewardInterval       time.Duration
	MinWaitTime          time.Duration
	MaxPositionsPerOwner int
	// MaxLockDuration of zero means unlimited.
	MaxLockDuration time.Duration
	// TierDefinitions seed version 1 of the tier table when the store holds none.
	TierDefinitions []TierDefinition
	GenesisAdmins   []Identity
	Bundles         map[Tier][]VoucherSpec
}

func DefaultConfig() Config {
	return Config{
		RewardInterval:       DefaultRewardInterval,
		MinWaitTime:          DefaultMinWaitTime,
		MaxPositionsPerOwner: DefaultMaxPositionsPerOwner,
		TierDefinitions:      DefaultTierDefinitions(),
	}
}

func (c Config) Validate() error {
	if c.RewardInterval <= 0 {
		return fmt.Errorf("%w: reward interval must be positive", ErrInvalidConfig)
	}
	if c.MinWaitTime < 0 || c.MaxLockDuration < 0 || c.MaxPositionsPerOwner < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidConfig)
	}
	for tier, specs := range c.Bundles {
		if !tier.Valid() {
			return fmt.Errorf("%w: bundle for unknown tier %d", ErrInvalidConfig, tier)
		}
		for _, spec := range specs {
			if err := spec.Validate(); err != nil {
				return fmt.Errorf("%s bundle: %w", tier, err)
			}
		}
	}
	return nil
}

// Ledger wires the access control, position and voucher ledgers around one store and event bus.
type Ledger struct {
	Access    *AccessControl
	Positions *PositionLedger
	Vouchers  *VoucherLedger
	Bus       *Bus
}

type options struct {
	logger   *slog.Logger
	clock    Clock
	store    Store
	bus      *Bus
	snapshot *Snapshot
	codes    CodeGenerator
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option { return func(o *options) { o.logger = logger } }

func WithClock(clock Clock) Option { return func(o *options) { o.clock = clock } }

func WithStore(store Store) Option { return func(o *options) { o.store = store } }

func WithBus(bus *Bus) Option { return func(o *options) { o.bus = bus } }

// WithSnapshot restores previously persisted state instead of starting empty.
func WithSnapshot(snap *Snapshot) Option { return func(o *options) { o.snapshot = snap } }

func WithCodeGenerator(codes CodeGenerator) Option { return func(o *options) { o.codes = codes } }

// New builds a ledger from cfg, restoring any snapshot supplied through WithSnapshot.
func New(ctx context.Context, cfg Config, opts ...Option) (*Ledger, error) {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  SystemClock{},
		store:  nopStore{},
		codes:  NewQRCode,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = NewBus()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	snap := o.snapshot
	if snap == nil {
		snap = &Snapshot{}
	}

	access := newAccessControl(o.logger, o.clock, o.store, o.bus)
	if err := access.bootstrap(ctx, snap.Roles, snap.Blocked, cfg.GenesisAdmins); err != nil {
		return nil, err
	}
	positions := newPositionLedger(o.logger, o.clock, o.store, o.bus, access, cfg)
	if err := positions.restore(ctx, snap.TierTables, snap.Positions, cfg.TierDefinitions); err != nil {
		return nil, err
	}
	vouchers := newVoucherLedger(o.logger, o.clock, o.store, o.bus, access, positions, o.codes, cfg.Bundles)
	vouchers.restore(snap.Vouchers)

	misc.Infof(o.logger, "ledger ready: %d positions, %d vouchers, tier table version %d",
		len(snap.Positions), len(snap.Vouchers), positions.TierTable().Version)

	return &Ledger{
		Access:    access,
		Positions: positions,
		Vouchers:  vouchers,
		Bus:       o.bus,
	}, nil
}
