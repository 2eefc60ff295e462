package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	admin    Identity = "admin"
	minter   Identity = "minter"
	redeemer Identity = "redeemer"
	alice    Identity = "alice"
	bob      Identity = "bob"
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

func newTestLedger(t *testing.T, opts []Option, mutators ...func(*Config)) (*Ledger, *ManualClock) {
	t.Helper()
	clock := NewManualClock(t0)
	cfg := DefaultConfig()
	cfg.RewardInterval = time.Hour
	cfg.MinWaitTime = 0
	cfg.GenesisAdmins = []Identity{admin}
	for _, m := range mutators {
		m(&cfg)
	}
	l, err := New(context.Background(), cfg, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Access.GrantRole(ctx, admin, minter, RoleMinter))
	require.NoError(t, l.Access.GrantRole(ctx, admin, redeemer, RoleRedeemer))
	return l, clock
}

func openBronze(t *testing.T, l *Ledger, owner Identity) PositionID {
	t.Helper()
	id, err := l.Positions.OpenPosition(context.Background(), owner, u(1000), 2*time.Hour)
	require.NoError(t, err)
	return id
}

var errStoreDown = errors.New("disk on fire")

// flakyStore fails every write while down is set.
type flakyStore struct {
	down   atomic.Bool
	writes atomic.Int64
}

func (s *flakyStore) fail() error {
	if s.down.Load() {
		return errors.Join(ErrStorage, errStoreDown)
	}
	s.writes.Add(1)
	return nil
}

func (s *flakyStore) SavePosition(context.Context, Position, uint64) error { return s.fail() }
func (s *flakyStore) SaveVoucher(context.Context, Voucher, uint64) error   { return s.fail() }
func (s *flakyStore) SaveRoles(context.Context, Identity, RoleSet) error   { return s.fail() }
func (s *flakyStore) SaveBlocked(context.Context, Identity, bool) error    { return s.fail() }
func (s *flakyStore) SaveTierTable(context.Context, *TierTable) error      { return s.fail() }
