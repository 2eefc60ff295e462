package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
)

const sample = `
ledger:
  reward_interval: 720h
  min_wait_time: 30s
  max_positions_per_owner: 3
  max_lock_duration: 8760h
  genesis_admins: [" admin "]
tiers:
  - tier: bronze
    min_amount: "1000000000000000000000"
    min_duration: 2h
    reward_weight: 100
  - tier: Gold
    min_amount: "5000000000000000000000"
    min_duration: 6h
    reward_weight: 300
bundles:
  Gold:
    - kind: coffee
      name: Free coffee
      max_uses: 2
      ttl: 720h
keeper:
  poll_interval: 15s
  batch_size: 10
  auto_bundle: true
  operator: keeper-bot
storage:
  dsn: ""
  journal: ""
minter:
  kind: algorand
  network: testnet
  unit_name: GOLD
`

func TestDecodeOverridesDefaults(t *testing.T) {
	cfg, err := Decode(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Keeper.PollInterval.Duration)
	assert.Equal(t, 10, cfg.Keeper.BatchSize)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Keeper.Concurrency, cfg.Keeper.Concurrency)
	assert.Equal(t, ":8080", cfg.API.Listen)

	lcfg, err := cfg.LedgerConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, lcfg.MinWaitTime)
	assert.Equal(t, 3, lcfg.MaxPositionsPerOwner)
	assert.Equal(t, []ledger.Identity{"admin"}, lcfg.GenesisAdmins)
	require.Len(t, lcfg.TierDefinitions, 2)
	assert.Equal(t, ledger.Bronze, lcfg.TierDefinitions[0].Tier)
	assert.Equal(t, "1000000000000000000000", lcfg.TierDefinitions[0].MinAmount.Dec())
	require.Len(t, lcfg.Bundles[ledger.Gold], 1)
	assert.Equal(t, uint32(2), lcfg.Bundles[ledger.Gold][0].MaxUses)
	assert.Equal(t, 720*time.Hour, lcfg.Bundles[ledger.Gold][0].TTL)

	kcfg := cfg.KeeperConfig()
	assert.Equal(t, 10, kcfg.BatchSize)
	assert.Equal(t, "GOLD", cfg.AlgoConfig().UnitName)
	assert.Equal(t, "Stake Reward", cfg.AlgoConfig().NamePrefix)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "ledger:\n  reward_intervl: 1h\n"},
		{"bad duration", "ledger:\n  reward_interval: monthly\n"},
		{"zero interval", "ledger:\n  reward_interval: 0s\n"},
		{"bad amount", "tiers:\n  - tier: Bronze\n    min_amount: lots\n    min_duration: 1h\n"},
		{"unknown tier", "tiers:\n  - tier: Diamond\n    min_amount: \"1\"\n    min_duration: 1h\n"},
		{"descending tiers", "tiers:\n  - tier: Bronze\n    min_amount: \"10\"\n    min_duration: 1h\n  - tier: Silver\n    min_amount: \"5\"\n    min_duration: 1h\n"},
		{"empty admin", "ledger:\n  genesis_admins: [\"\"]\n"},
		{"bundle tier", "bundles:\n  Diamond:\n    - kind: x\n      max_uses: 1\n      ttl: 1h\n"},
		{"bundle spec", "bundles:\n  Gold:\n    - kind: x\n      max_uses: 0\n      ttl: 1h\n"},
		{"keeper batch", "keeper:\n  batch_size: 0\n"},
		{"keeper poll", "keeper:\n  poll_interval: 0s\n"},
		{"auto bundle operator", "keeper:\n  auto_bundle: true\n"},
		{"minter kind", "minter:\n  kind: paper\n"},
		{"minter network", "minter:\n  kind: algorand\n  network: nowhere\n"},
		{"unit name", "minter:\n  kind: algorand\n  unit_name: WAYTOOLONG\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Equal(t, ledger.KindValidation, ledger.KindOf(err), err.Error())
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().Encode(&buf))
	assert.Contains(t, buf.String(), "reward_interval: 720h0m0s")

	cfg, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stakeledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  listen: 127.0.0.1:9000\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEmptyDocumentIsDefault(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDecodeTiers(t *testing.T) {
	defs, err := DecodeTiers(strings.NewReader(`
- tier: Bronze
  min_amount: "500"
  min_duration: 1h
  reward_weight: 150
- tier: silver
  min_amount: "2500"
  min_duration: 3h
  reward_weight: 250
`))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, ledger.Silver, defs[1].Tier)
	assert.Equal(t, "2500", defs[1].MinAmount.Dec())
	assert.Equal(t, 3*time.Hour, defs[1].MinDuration)
	assert.Equal(t, uint64(150), defs[0].RewardWeight)

	_, err = DecodeTiers(strings.NewReader("- tier: Bronze\n  weight: 1\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInvalidTierTable)
}
