package minter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/TxnLab/stakeledger/internal/lib/algo"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/store"
)

var (
	t0     = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func request(pos ledger.PositionID, index uint64) ledger.MintRequest {
	return ledger.MintRequest{
		PositionID:   pos,
		Owner:        "alice",
		Tier:         ledger.Gold,
		RewardWeight: 300,
		Amount:       *uint256.NewInt(5000),
		LockDuration: 6 * time.Hour,
		StartTime:    t0,
		RewardIndex:  index,
		DueAt:        t0.Add(30 * 24 * time.Hour),
	}
}

func newLocal(t *testing.T) (*Local, *store.SQL) {
	t.Helper()
	s, err := store.OpenSQL(logger, store.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLocal(logger, s, ledger.NewManualClock(t0)), s
}

func TestLocalMintIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, s := newLocal(t)

	first, err := m.MintRewardArtifact(ctx, request(1, 1))
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	assert.NoError(t, err)

	again, err := m.MintRewardArtifact(ctx, request(1, 1))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	next, err := m.MintRewardArtifact(ctx, request(1, 2))
	require.NoError(t, err)
	assert.NotEqual(t, first, next)

	artifacts, err := s.Artifacts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, ledger.Gold, artifacts[0].Tier)
	assert.Equal(t, t0, artifacts[0].MintedAt)
}

func TestLocalConcurrentMintsOfOneCycle(t *testing.T) {
	ctx := context.Background()
	m, s := newLocal(t)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.MintRewardArtifact(ctx, request(7, 1))
			assert.NoError(t, err)
			mu.Lock()
			ids[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	artifacts, err := s.Artifacts(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

// fakeChain produces artifacts as a remote minter would: the side effect can land even when the
// call reports a failure.
type fakeChain struct {
	mu       sync.Mutex
	created  map[string]string
	failNext int
}

func (c *fakeChain) find(ctx context.Context, req ledger.MintRequest) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.created[req.IdempotencyKey()]
	return ref, ok, nil
}

func (c *fakeChain) produce(ctx context.Context, req ledger.MintRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := fmt.Sprintf("asa:%d", len(c.created)+1)
	c.created[req.IdempotencyKey()] = ref
	if c.failNext > 0 {
		c.failNext--
		return "", fmt.Errorf("%w: confirmation wait timed out", ledger.ErrMinterUnavailable)
	}
	return ref, nil
}

func TestRetryAfterFailedConfirmationMintsOnce(t *testing.T) {
	ctx := context.Background()
	s, err := store.OpenSQL(logger, store.MemoryDSN)
	require.NoError(t, err)
	defer s.Close()
	clock := ledger.NewManualClock(t0)
	chain := &fakeChain{created: map[string]string{}, failNext: 1}

	_, err = mintOnce(ctx, logger, s, clock, request(3, 1), chain.find, chain.produce)
	require.ErrorIs(t, err, ledger.ErrMinterUnavailable)

	first, err := mintOnce(ctx, logger, s, clock, request(3, 1), chain.find, chain.produce)
	require.NoError(t, err)
	again, err := mintOnce(ctx, logger, s, clock, request(3, 1), chain.find, chain.produce)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	assert.Len(t, chain.created, 1)
	artifacts, err := s.Artifacts(ctx, 3)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "asa:1", artifacts[0].Reference)
}

func TestAssetCreateTxnLease(t *testing.T) {
	acct := crypto.GenerateAccount()
	params := types.SuggestedParams{
		Fee:             1000,
		FlatFee:         true,
		FirstRoundValid: 100,
		LastRoundValid:  200,
		GenesisID:       "testnet-v1.0",
		GenesisHash:     make([]byte, 32),
	}
	cfg := DefaultAlgoConfig()

	first, err := assetCreateTxn(acct.Address.String(), cfg, params, request(5, 1))
	require.NoError(t, err)
	assert.Equal(t, "Stake Reward #5-1", first.AssetParams.AssetName)
	assert.Equal(t, blake2b.Sum256([]byte("Stake Reward #5-1")), first.Lease)

	// a rebuilt create for the same reward carries the same lease even with fresh params
	params.FirstRoundValid, params.LastRoundValid = 150, 250
	retry, err := assetCreateTxn(acct.Address.String(), cfg, params, request(5, 1))
	require.NoError(t, err)
	assert.Equal(t, first.Lease, retry.Lease)
	assert.NotEqual(t, crypto.GetTxID(first), crypto.GetTxID(retry))

	next, err := assetCreateTxn(acct.Address.String(), cfg, params, request(5, 2))
	require.NoError(t, err)
	assert.NotEqual(t, first.Lease, next.Lease)
}

func TestCoversAssetCreate(t *testing.T) {
	tests := []struct {
		name    string
		amount  uint64
		wantErr bool
	}{
		{"exact", 201_000, false},
		{"plenty", 5_000_000, false},
		{"short by fee", 200_999, true},
		{"empty", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct := algo.AccountWithMinBalance{
				Account:    models.Account{Address: "MINTER", Amount: tt.amount},
				MinBalance: 100_000,
			}
			err := coversAssetCreate(acct, 1000)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrMintRejected)
				assert.Contains(t, err.Error(), "needs 0.201")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAssetName(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"Stake Reward", "Stake Reward #12-3"},
		{"", " #12-3"},
		{strings.Repeat("x", 40), strings.Repeat("x", 26) + " #12-3"},
	}
	for _, tt := range tests {
		got := assetName(tt.prefix, request(12, 3))
		assert.Equal(t, tt.want, got)
		assert.LessOrEqual(t, len(got), maxAssetNameLen)
	}
}

func TestArc69Note(t *testing.T) {
	note, err := arc69Note(request(4, 2))
	require.NoError(t, err)

	var meta arc69Metadata
	require.NoError(t, json.Unmarshal(note, &meta))
	assert.Equal(t, "arc69", meta.Standard)
	assert.Equal(t, "4", meta.Properties["positionId"])
	assert.Equal(t, "2", meta.Properties["rewardIndex"])
	assert.Equal(t, "Gold", meta.Properties["tier"])
	assert.Equal(t, "5000", meta.Properties["amount"])
	assert.Equal(t, "21600", meta.Properties["lockSeconds"])
}

func TestNewAlgoValidation(t *testing.T) {
	keys, err := algo.NewLocalKeyStore(logger)
	require.NoError(t, err)
	s, err := store.OpenSQL(logger, store.MemoryDSN)
	require.NoError(t, err)
	defer s.Close()
	clock := ledger.NewManualClock(t0)

	_, err = NewAlgo(logger, nil, keys, "not-an-address", s, clock, DefaultAlgoConfig())
	assert.ErrorIs(t, err, ledger.ErrInvalidConfig)

	acct := crypto.GenerateAccount()
	_, err = NewAlgo(logger, nil, keys, acct.Address.String(), s, clock, DefaultAlgoConfig())
	assert.ErrorIs(t, err, ledger.ErrInvalidConfig)

	cfg := DefaultAlgoConfig()
	cfg.UnitName = "TOOLONGNAME"
	_, err = NewAlgo(logger, nil, keys, acct.Address.String(), s, clock, cfg)
	assert.ErrorIs(t, err, ledger.ErrInvalidConfig)
}
