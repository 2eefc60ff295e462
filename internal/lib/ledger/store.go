package ledger

import (
	"context"
)

// Store persists committed entity versions. Implementations must reject a write whose prevVersion
// no longer matches the stored row with ErrVersionConflict, and wrap infrastructure failures
// with ErrStorage.
type Store interface {
	SavePosition(ctx context.Context, p Position, prevVersion uint64) error
	SaveVoucher(ctx context.Context, v Voucher, prevVersion uint64) error
	SaveRoles(ctx context.Context, id Identity, roles RoleSet) error
	SaveBlocked(ctx context.Context, id Identity, blocked bool) error
	SaveTierTable(ctx context.Context, table *TierTable) error
}

// Snapshot is the full persisted state used to rebuild a ledger on startup.
// Positions carry their tier table version; TierTables must include every referenced version.
type Snapshot struct {
	Positions  []Position
	Vouchers   []Voucher
	Roles      map[Identity]RoleSet
	Blocked    []Identity
	TierTables []*TierTable
}

type nopStore struct{}

func (nopStore) SavePosition(context.Context, Position, uint64) error { return nil }
func (nopStore) SaveVoucher(context.Context, Voucher, uint64) error   { return nil }
func (nopStore) SaveRoles(context.Context, Identity, RoleSet) error   { return nil }
func (nopStore) SaveBlocked(context.Context, Identity, bool) error    { return nil }
func (nopStore) SaveTierTable(context.Context, *TierTable) error      { return nil }
