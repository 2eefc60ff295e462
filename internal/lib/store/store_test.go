package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
)

var (
	t0     = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

const (
	admin  ledger.Identity = "admin"
	issuer ledger.Identity = "issuer"
	alice  ledger.Identity = "alice"
)

func openTestSQL(t *testing.T) *SQL {
	t.Helper()
	s, err := OpenSQL(logger, MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newLedger(t *testing.T, s *SQL, clock ledger.Clock) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	snap, err := s.Load(ctx)
	require.NoError(t, err)

	cfg := ledger.DefaultConfig()
	cfg.RewardInterval = time.Hour
	cfg.MinWaitTime = 0
	cfg.GenesisAdmins = []ledger.Identity{admin}
	l, err := ledger.New(ctx, cfg, ledger.WithStore(s), ledger.WithSnapshot(snap), ledger.WithClock(clock))
	require.NoError(t, err)
	return l
}

func TestLedgerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s := openTestSQL(t)
	clock := ledger.NewManualClock(t0)
	l := newLedger(t, s, clock)

	require.NoError(t, l.Access.GrantRole(ctx, admin, issuer, ledger.RoleMinter))
	require.NoError(t, l.Access.Block(ctx, admin, "mallory"))

	big := uint256.MustFromDecimal("1000000000000000000000000")
	pid, err := l.Positions.OpenPosition(ctx, alice, big, 8*time.Hour)
	require.NoError(t, err)
	small, err := l.Positions.OpenPosition(ctx, alice, uint256.NewInt(1000), 2*time.Hour)
	require.NoError(t, err)

	now := clock.Advance(time.Hour)
	require.NoError(t, l.Positions.AdvanceReward(ctx, pid, now))

	vid, err := l.Vouchers.IssueVoucher(ctx, issuer, pid, ledger.VoucherSpec{Kind: "coffee", MaxUses: 2, TTL: time.Hour})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, l.Positions.ClosePosition(ctx, small, alice))

	defs := ledger.DefaultTierDefinitions()
	defs[0].MinAmount = *uint256.NewInt(1500)
	_, err = l.Positions.UpdateTierTable(ctx, admin, defs)
	require.NoError(t, err)

	restored := newLedger(t, s, clock)

	for _, id := range []ledger.PositionID{pid, small} {
		want, _ := l.Positions.Position(id)
		got, err := restored.Positions.Position(id)
		require.NoError(t, err)
		assert.Equal(t, want.TierTable.Definitions(), got.TierTable.Definitions())
		want.TierTable, got.TierTable = nil, nil
		assert.Equal(t, want, got)
	}

	wantV, _ := l.Vouchers.Voucher(vid)
	gotV, err := restored.Vouchers.FindByQRCode(wantV.QRCode)
	require.NoError(t, err)
	assert.Equal(t, wantV, gotV)

	assert.True(t, restored.Access.HasRole(issuer, ledger.RoleMinter))
	assert.True(t, restored.Access.IsBlocked("mallory"))
	assert.EqualValues(t, 2, restored.Positions.TierTable().Version)

	// ids continue after the highest stored id
	next, err := restored.Positions.OpenPosition(ctx, alice, uint256.NewInt(5000), 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, small+1, next)
}

func TestVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestSQL(t)

	pos := ledger.Position{ID: 1, Owner: alice, Amount: *uint256.NewInt(1000), StartTime: t0, Active: true, Version: 1}
	require.NoError(t, s.SavePosition(ctx, pos, 0))

	err := s.SavePosition(ctx, pos, 0)
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)

	pos.Version = 2
	pos.RewardCount = 1
	require.NoError(t, s.SavePosition(ctx, pos, 1))

	// a writer that still believes version 1 is current loses
	pos.Version = 2
	err = s.SavePosition(ctx, pos, 1)
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)
	assert.True(t, ledger.IsRetryable(err))

	// zero values are written too
	pos.Version = 3
	pos.Active = false
	require.NoError(t, s.SavePosition(ctx, pos, 2))
	snap, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	assert.False(t, snap.Positions[0].Active)
	assert.EqualValues(t, 3, snap.Positions[0].Version)
}

func TestRolesAndBlocklist(t *testing.T) {
	ctx := context.Background()
	s := openTestSQL(t)

	require.NoError(t, s.SaveRoles(ctx, alice, ledger.RoleSetOf(ledger.RoleMinter, ledger.RoleRedeemer)))
	require.NoError(t, s.SaveRoles(ctx, alice, ledger.RoleSetOf(ledger.RoleRedeemer)))
	require.NoError(t, s.SaveRoles(ctx, admin, ledger.RoleSetOf(ledger.RoleAdmin)))
	require.NoError(t, s.SaveRoles(ctx, admin, 0))

	require.NoError(t, s.SaveBlocked(ctx, "x", true))
	require.NoError(t, s.SaveBlocked(ctx, "x", true))
	require.NoError(t, s.SaveBlocked(ctx, "y", true))
	require.NoError(t, s.SaveBlocked(ctx, "y", false))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[ledger.Identity]ledger.RoleSet{alice: ledger.RoleSetOf(ledger.RoleRedeemer)}, snap.Roles)
	assert.Equal(t, []ledger.Identity{"x"}, snap.Blocked)
}

func TestTierTablesAreImmutable(t *testing.T) {
	ctx := context.Background()
	s := openTestSQL(t)
	table, err := ledger.NewTierTable(1, t0, ledger.DefaultTierDefinitions())
	require.NoError(t, err)

	require.NoError(t, s.SaveTierTable(ctx, table))
	assert.ErrorIs(t, s.SaveTierTable(ctx, table), ledger.ErrVersionConflict)

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.TierTables, 1)
	assert.Equal(t, table.Definitions(), snap.TierTables[0].Definitions())
	assert.Equal(t, t0, snap.TierTables[0].UpdatedAt)
}

func TestArtifacts(t *testing.T) {
	ctx := context.Background()
	s := openTestSQL(t)

	_, found, err := s.FindArtifact(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, found)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.RecordArtifact(ctx, ledger.Artifact{
			ID: fmt.Sprintf("a%d", i), PositionID: 1, Owner: alice, Tier: ledger.Gold, RewardIndex: i, MintedAt: t0,
		}))
	}
	err = s.RecordArtifact(ctx, ledger.Artifact{ID: "dup", PositionID: 1, RewardIndex: 2})
	assert.ErrorIs(t, err, ledger.ErrVersionConflict)

	a, found, err := s.FindArtifact(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a2", a.ID)
	assert.Equal(t, ledger.Gold, a.Tier)

	all, err := s.Artifacts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.EqualValues(t, 1, all[0].RewardIndex)
}

func TestJournal(t *testing.T) {
	j, err := OpenJournal(logger, "")
	require.NoError(t, err)
	defer j.Close()

	bus := ledger.NewBus()
	j.Record(bus)
	for i := range 5 {
		bus.Publish(ledger.Event{Type: ledger.EventPositionOpened, At: t0, Subject: alice, PositionID: ledger.PositionID(i + 1), Tier: ledger.Silver})
	}
	assert.EqualValues(t, 5, j.Seq())

	tail, err := j.Tail(2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.EqualValues(t, 4, tail[0].Seq)
	assert.EqualValues(t, 5, tail[1].Event.PositionID)
	assert.Equal(t, ledger.Silver, tail[1].Event.Tier)
	assert.Equal(t, t0, tail[1].Event.At)

	all, err := j.Tail(100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestJournalReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(logger, path)
	require.NoError(t, err)
	_, err = j.Append(ledger.Event{Type: ledger.EventRoleGranted, At: t0, Subject: alice})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = OpenJournal(logger, path)
	require.NoError(t, err)
	defer j.Close()
	seq, err := j.Append(ledger.Event{Type: ledger.EventRoleRevoked, At: t0, Subject: alice})
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)
}
