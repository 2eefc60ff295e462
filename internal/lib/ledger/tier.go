package ledger

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

type Tier uint8

const (
	Bronze Tier = iota
	Silver
	Gold
	Platinum

	// Unqualified is returned by TierOf when no tier threshold is met.
	Unqualified Tier = 0xff
)

var tierNames = [...]string{"Bronze", "Silver", "Gold", "Platinum"}

func (t Tier) Valid() bool { return int(t) < len(tierNames) }

func (t Tier) String() string {
	if t.Valid() {
		return tierNames[t]
	}
	return "Unqualified"
}

func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Tier(i), nil
		}
	}
	return Unqualified, fmt.Errorf("%w: unknown tier %q", ErrInvalidTierTable, s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TierDefinition is the threshold a position must meet to earn Tier.
type TierDefinition struct {
	Tier         Tier
	MinAmount    uint256.Int
	MinDuration  time.Duration
	RewardWeight uint64
}

// TierTable is an immutable, versioned set of tier definitions ordered from lowest to highest tier.
// Positions keep a pointer to the table that qualified them, so a table must never be mutated once
// published.
type TierTable struct {
	Version     uint64
	UpdatedAt   time.Time
	definitions []TierDefinition
}

// NewTierTable validates defs and returns a table sorted by tier.
func NewTierTable(version uint64, updatedAt time.Time, defs []TierDefinition) (*TierTable, error) {
	if len(defs) == 0 || len(defs) > len(tierNames) {
		return nil, fmt.Errorf("%w: need between 1 and %d tiers, got %d", ErrInvalidTierTable, len(tierNames), len(defs))
	}
	sorted := slices.Clone(defs)
	slices.SortFunc(sorted, func(a, b TierDefinition) int { return int(a.Tier) - int(b.Tier) })

	for i, def := range sorted {
		if !def.Tier.Valid() {
			return nil, fmt.Errorf("%w: invalid tier %d", ErrInvalidTierTable, def.Tier)
		}
		if def.MinAmount.IsZero() {
			return nil, fmt.Errorf("%w: %s minimum amount must be positive", ErrInvalidTierTable, def.Tier)
		}
		if def.MinDuration <= 0 {
			return nil, fmt.Errorf("%w: %s minimum duration must be positive", ErrInvalidTierTable, def.Tier)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.Tier == def.Tier {
			return nil, fmt.Errorf("%w: duplicate tier %s", ErrInvalidTierTable, def.Tier)
		}
		if def.MinAmount.Lt(&prev.MinAmount) || def.MinDuration < prev.MinDuration {
			return nil, fmt.Errorf("%w: %s thresholds are below %s", ErrInvalidTierTable, def.Tier, prev.Tier)
		}
	}
	return &TierTable{Version: version, UpdatedAt: updatedAt, definitions: sorted}, nil
}

// DefaultTierDefinitions mirrors the thresholds of the original staking contract.
func DefaultTierDefinitions() []TierDefinition {
	return []TierDefinition{
		{Tier: Bronze, MinAmount: *uint256.NewInt(1000), MinDuration: 2 * time.Hour, RewardWeight: 100},
		{Tier: Silver, MinAmount: *uint256.NewInt(2000), MinDuration: 4 * time.Hour, RewardWeight: 200},
		{Tier: Gold, MinAmount: *uint256.NewInt(5000), MinDuration: 6 * time.Hour, RewardWeight: 300},
		{Tier: Platinum, MinAmount: *uint256.NewInt(10000), MinDuration: 8 * time.Hour, RewardWeight: 400},
	}
}

// Definitions returns a copy of the table's definitions, lowest tier first.
func (t *TierTable) Definitions() []TierDefinition {
	return slices.Clone(t.definitions)
}

func (t *TierTable) Definition(tier Tier) (TierDefinition, bool) {
	for _, def := range t.definitions {
		if def.Tier == tier {
			return def, true
		}
	}
	return TierDefinition{}, false
}

// Lowest returns the entry threshold of the table.
func (t *TierTable) Lowest() TierDefinition {
	return t.definitions[0]
}

// TierOf returns the highest tier whose amount and duration thresholds are both met.
func TierOf(amount *uint256.Int, lockDuration time.Duration, table *TierTable) Tier {
	if table == nil || amount == nil {
		return Unqualified
	}
	for i := len(table.definitions) - 1; i >= 0; i-- {
		def := &table.definitions[i]
		if !amount.Lt(&def.MinAmount) && lockDuration >= def.MinDuration {
			return def.Tier
		}
	}
	return Unqualified
}
