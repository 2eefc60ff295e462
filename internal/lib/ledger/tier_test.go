package ledger

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOf(t *testing.T) {
	table, err := NewTierTable(1, t0, DefaultTierDefinitions())
	require.NoError(t, err)

	tests := []struct {
		name     string
		amount   uint64
		duration time.Duration
		want     Tier
	}{
		{"zero amount", 0, 8 * time.Hour, Unqualified},
		{"just below bronze amount", 999, 8 * time.Hour, Unqualified},
		{"bronze exact", 1000, 2 * time.Hour, Bronze},
		{"bronze amount short lock", 1000, 2*time.Hour - time.Second, Unqualified},
		{"large amount short lock", 100000, 2 * time.Hour, Bronze},
		{"gold amount silver lock", 5000, 4 * time.Hour, Silver},
		{"gold", 5000, 10 * time.Hour, Gold},
		{"platinum exact", 10000, 8 * time.Hour, Platinum},
		{"platinum amount gold lock", 10000, 7 * time.Hour, Gold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierOf(u(tt.amount), tt.duration, table))
		})
	}
}

func TestTierOfNilTable(t *testing.T) {
	assert.Equal(t, Unqualified, TierOf(u(1), time.Hour, nil))
}

func TestNewTierTable(t *testing.T) {
	def := func(tier Tier, amount uint64, d time.Duration) TierDefinition {
		return TierDefinition{Tier: tier, MinAmount: *uint256.NewInt(amount), MinDuration: d, RewardWeight: 1}
	}
	tests := []struct {
		name    string
		defs    []TierDefinition
		wantErr bool
	}{
		{"empty", nil, true},
		{"single bronze", []TierDefinition{def(Bronze, 1000, 2*time.Hour)}, false},
		{"unsorted input", []TierDefinition{def(Gold, 50, 3*time.Hour), def(Bronze, 10, time.Hour)}, false},
		{"duplicate tier", []TierDefinition{def(Bronze, 10, time.Hour), def(Bronze, 20, time.Hour)}, true},
		{"zero amount", []TierDefinition{def(Bronze, 0, time.Hour)}, true},
		{"zero duration", []TierDefinition{def(Bronze, 10, 0)}, true},
		{"decreasing amount", []TierDefinition{def(Bronze, 20, time.Hour), def(Silver, 10, time.Hour)}, true},
		{"decreasing duration", []TierDefinition{def(Bronze, 10, 2*time.Hour), def(Silver, 20, time.Hour)}, true},
		{"invalid tier", []TierDefinition{def(Tier(7), 10, time.Hour)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := NewTierTable(3, t0, tt.defs)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTierTable)
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, 3, table.Version)
			defs := table.Definitions()
			for i := 1; i < len(defs); i++ {
				assert.Less(t, defs[i-1].Tier, defs[i].Tier)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" platinum ")
	require.NoError(t, err)
	assert.Equal(t, Platinum, tier)

	_, err = ParseTier("diamond")
	assert.Error(t, err)

	var decoded Tier
	require.NoError(t, decoded.UnmarshalText([]byte("Silver")))
	assert.Equal(t, Silver, decoded)
	assert.Equal(t, "Unqualified", Unqualified.String())
}
