package keeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	admin ledger.Identity = "admin"
	alice ledger.Identity = "alice"
	bob   ledger.Identity = "bob"

	rewardInterval = time.Hour
)

// fakeMinter records every mint and fails positions listed in failures.
type fakeMinter struct {
	mu       sync.Mutex
	calls    []ledger.MintRequest
	failures map[ledger.PositionID][]error
}

func (m *fakeMinter) MintRewardArtifact(_ context.Context, req ledger.MintRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if errs := m.failures[req.PositionID]; len(errs) > 0 {
		m.failures[req.PositionID] = errs[1:]
		if errs[0] != nil {
			return "", errs[0]
		}
	}
	return fmt.Sprintf("artifact-%s", req.IdempotencyKey()), nil
}

func (m *fakeMinter) callsFor(id ledger.PositionID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, c := range m.calls {
		if c.PositionID == id {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *ledger.Ledger, *ledger.ManualClock, *fakeMinter) {
	t.Helper()
	clock := ledger.NewManualClock(t0)
	lcfg := ledger.DefaultConfig()
	lcfg.RewardInterval = rewardInterval
	lcfg.MinWaitTime = 0
	lcfg.GenesisAdmins = []ledger.Identity{admin}
	l, err := ledger.New(context.Background(), lcfg, ledger.WithClock(clock))
	require.NoError(t, err)

	minter := &fakeMinter{failures: map[ledger.PositionID][]error{}}
	s, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), l, minter, clock, cfg)
	require.NoError(t, err)
	return s, l, clock, minter
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	return cfg
}

func open(t *testing.T, l *ledger.Ledger, owner ledger.Identity, amount uint64, lock time.Duration) ledger.PositionID {
	t.Helper()
	id, err := l.Positions.OpenPosition(context.Background(), owner, uint256.NewInt(amount), lock)
	require.NoError(t, err)
	return id
}

func TestBronzeRewardCycle(t *testing.T) {
	s, l, clock, minter := newTestScheduler(t, testConfig())
	ctx := context.Background()
	id := open(t, l, alice, 1000, 7200*time.Second)

	pos, err := l.Positions.Position(id)
	require.NoError(t, err)
	assert.Equal(t, ledger.Bronze, pos.Tier)
	assert.Equal(t, Idle, s.State(clock.Now()))

	now := clock.Advance(rewardInterval)
	assert.Equal(t, UpkeepNeeded, s.State(now))
	needed, batch := s.CheckUpkeep(now)
	require.True(t, needed)
	assert.Equal(t, []ledger.PositionID{id}, batch)

	res := s.PerformUpkeep(ctx, batch)
	require.Len(t, res.Minted, 1)
	assert.Equal(t, ledger.Bronze, res.Minted[0].Tier)
	assert.EqualValues(t, 1, res.Minted[0].RewardIndex)
	assert.Equal(t, "artifact-1/1", res.Minted[0].ArtifactID)
	assert.Equal(t, now, s.LastUpkeep())

	pos, _ = l.Positions.Position(id)
	assert.Equal(t, t0.Add(2*rewardInterval), pos.NextRewardDue)

	needed, batch = s.CheckUpkeep(now)
	assert.False(t, needed)
	assert.Empty(t, batch)

	// a stale batch replayed at the same instant mints nothing
	res = s.PerformUpkeep(ctx, []ledger.PositionID{id})
	assert.Empty(t, res.Minted)
	require.Len(t, res.Skipped, 1)
	assert.ErrorIs(t, res.Skipped[0].Err, ledger.ErrNotYetDue)
	assert.Equal(t, 1, minter.callsFor(id))
}

func TestFailedMintIsRetriedNextPoll(t *testing.T) {
	cfg := testConfig()
	cfg.MintAttempts = 2
	s, l, clock, minter := newTestScheduler(t, cfg)
	ctx := context.Background()

	good := open(t, l, alice, 1000, 2*time.Hour)
	flaky := open(t, l, bob, 1000, 2*time.Hour)
	rejected := open(t, l, bob, 5000, 6*time.Hour)

	minter.failures[flaky] = []error{ledger.ErrMinterUnavailable, ledger.ErrMinterUnavailable}
	minter.failures[rejected] = []error{fmt.Errorf("%w: bad metadata", ledger.ErrMintRejected)}

	now := clock.Advance(rewardInterval)
	_, batch := s.CheckUpkeep(now)
	res := s.PerformUpkeep(ctx, batch)

	require.Len(t, res.Minted, 1)
	assert.Equal(t, good, res.Minted[0].PositionID)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, flaky, res.Failed[0].PositionID)
	assert.ErrorIs(t, res.Failed[0].Err, ledger.ErrMinterUnavailable)
	assert.Equal(t, rejected, res.Failed[1].PositionID)
	assert.ErrorIs(t, res.Failed[1].Err, ledger.ErrMintRejected)

	// transient errors are retried within the poll, permanent ones are not
	assert.Equal(t, 2, minter.callsFor(flaky))
	assert.Equal(t, 1, minter.callsFor(rejected))

	for _, id := range []ledger.PositionID{flaky, rejected} {
		pos, _ := l.Positions.Position(id)
		assert.Equal(t, t0.Add(rewardInterval), pos.NextRewardDue, "position %d must not advance", id)
	}

	_, batch = s.CheckUpkeep(now)
	assert.Equal(t, []ledger.PositionID{flaky, rejected}, batch)
	res = s.PerformUpkeep(ctx, batch)
	assert.Len(t, res.Minted, 2)
	assert.Equal(t, 1, minter.callsFor(good))
}

func TestPerformUpkeepChunksLargeBatches(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	cfg.Concurrency = 2
	s, l, clock, minter := newTestScheduler(t, cfg)

	var ids []ledger.PositionID
	for i := range 10 {
		owner := ledger.Identity(fmt.Sprintf("owner-%d", i))
		ids = append(ids, open(t, l, owner, 1000, 2*time.Hour))
	}
	now := clock.Advance(rewardInterval)

	_, batch := s.CheckUpkeep(now)
	assert.Len(t, batch, 3)

	res := s.PerformUpkeep(context.Background(), l.Positions.DueForReward(now))
	assert.Len(t, res.Minted, 10)
	for i, out := range res.Minted {
		assert.Equal(t, ids[i], out.PositionID)
	}
	minter.mu.Lock()
	assert.Len(t, minter.calls, 10)
	minter.mu.Unlock()
}

func TestRunOnceDrainsBacklog(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	s, l, clock, _ := newTestScheduler(t, cfg)
	for i := range 5 {
		open(t, l, ledger.Identity(fmt.Sprintf("owner-%d", i)), 1000, 2*time.Hour)
	}
	clock.Advance(rewardInterval)

	res := s.RunOnce(context.Background())
	assert.Len(t, res.Minted, 5)
	assert.Empty(t, res.Failed)
	assert.Equal(t, Idle, s.State(clock.Now()))
}

func TestRunOnceStopsWithoutProgress(t *testing.T) {
	s, l, clock, minter := newTestScheduler(t, testConfig())
	id := open(t, l, alice, 1000, 2*time.Hour)
	minter.failures[id] = []error{ledger.ErrMintRejected}
	clock.Advance(rewardInterval)

	res := s.RunOnce(context.Background())
	assert.Empty(t, res.Minted)
	assert.Len(t, res.Failed, 1)
}

func TestConcurrentPollsNeverDoubleMint(t *testing.T) {
	s, l, clock, minter := newTestScheduler(t, testConfig())
	var ids []ledger.PositionID
	for i := range 6 {
		ids = append(ids, open(t, l, ledger.Identity(fmt.Sprintf("owner-%d", i)), 1000, 2*time.Hour))
	}
	now := clock.Advance(rewardInterval)
	_, batch := s.CheckUpkeep(now)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.PerformUpkeep(context.Background(), batch)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, 1, minter.callsFor(id), "position %d", id)
	}
}

func TestClosedPositionsStopEarning(t *testing.T) {
	s, l, clock, minter := newTestScheduler(t, testConfig())
	id := open(t, l, alice, 1000, 2*time.Hour)

	clock.Advance(2 * time.Hour)
	require.NoError(t, l.Positions.ClosePosition(context.Background(), id, alice))

	res := s.RunOnce(context.Background())
	assert.True(t, res.Empty())
	assert.Zero(t, minter.callsFor(id))
}

func TestUpdateConfig(t *testing.T) {
	s, l, _, _ := newTestScheduler(t, testConfig())

	var events []ledger.Event
	l.Bus.Subscribe(ledger.EventKeeperConfigUpdated, func(e ledger.Event) { events = append(events, e) })

	assert.ErrorIs(t, s.UpdateConfig(alice, 10, time.Minute), ledger.ErrUnauthorized)
	assert.ErrorIs(t, s.UpdateConfig(admin, 0, time.Minute), ledger.ErrInvalidConfig)
	assert.ErrorIs(t, s.UpdateConfig(admin, 10, -time.Minute), ledger.ErrInvalidConfig)

	require.NoError(t, s.UpdateConfig(admin, 10, 5*time.Minute))
	assert.Equal(t, 10, s.Config().BatchSize)
	assert.Equal(t, 5*time.Minute, l.Positions.MinWaitTime())
	require.Len(t, events, 1)
	assert.Equal(t, "10", events[0].Attrs["batchSize"])
}

func TestNewValidatesConfig(t *testing.T) {
	l, err := ledger.New(context.Background(), ledger.Config{
		RewardInterval:  time.Hour,
		TierDefinitions: ledger.DefaultTierDefinitions(),
		GenesisAdmins:   []ledger.Identity{admin},
	})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err = New(logger, l, &fakeMinter{}, ledger.SystemClock{}, Config{})
	assert.ErrorIs(t, err, ledger.ErrInvalidConfig)

	_, err = New(logger, l, nil, ledger.SystemClock{}, DefaultConfig())
	assert.True(t, errors.Is(err, ledger.ErrInvalidConfig))
}
