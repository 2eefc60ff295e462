package ledger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

// VoucherSpec describes a voucher to issue. Bundle catalogs are lists of these per tier.
type VoucherSpec struct {
	Kind        string
	Name        string
	Description string
	Value       string
	MaxUses     uint32
	TTL         time.Duration
}

func (s VoucherSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.Kind) == "":
		return fmt.Errorf("%w: kind is required", ErrInvalidVoucher)
	case s.MaxUses == 0:
		return fmt.Errorf("%w: maxUses must be at least 1", ErrInvalidVoucher)
	case s.TTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidVoucher)
	}
	return nil
}

type Voucher struct {
	ID          VoucherID
	PositionID  PositionID
	Owner       Identity
	Kind        string
	Name        string
	Description string
	Value       string
	MaxUses     uint32
	CurrentUses uint32
	IssuedAt    time.Time
	ExpiresAt   time.Time
	QRCode      string
	Active      bool
	RevokedAt   time.Time
	FromBundle  bool
	Version     uint64
}

func (v Voucher) RemainingUses() uint32 {
	if v.CurrentUses >= v.MaxUses {
		return 0
	}
	return v.MaxUses - v.CurrentUses
}

// CheckRedeemable reports why the voucher cannot be redeemed at now, if it cannot.
func (v Voucher) CheckRedeemable(now time.Time) error {
	switch {
	case !v.Active:
		return fmt.Errorf("%w: voucher %d", ErrInactive, v.ID)
	case now.After(v.ExpiresAt):
		return fmt.Errorf("%w: voucher %d expired at %s", ErrExpired, v.ID, v.ExpiresAt.Format(time.RFC3339))
	case v.CurrentUses >= v.MaxUses:
		return fmt.Errorf("%w: voucher %d used %d of %d", ErrExhaustedUses, v.ID, v.CurrentUses, v.MaxUses)
	}
	return nil
}

// PositionLookup is the read side of the position ledger vouchers need.
type PositionLookup interface {
	Position(id PositionID) (Position, error)
}

type VoucherLedger struct {
	logger    *slog.Logger
	clock     Clock
	store     Store
	bus       *Bus
	access    *AccessControl
	positions PositionLookup
	codes     CodeGenerator
	bundles   map[Tier][]VoucherSpec

	lastID   atomic.Uint64
	bundleMu sync.Mutex

	mu sync.RWMutex
	// a zero id marks a code reserved by an issuance still in flight
	byCode     map[string]VoucherID
	entries    map[VoucherID]*entity[Voucher]
	byOwner    map[Identity][]VoucherID
	byPosition map[PositionID][]VoucherID
}

func newVoucherLedger(logger *slog.Logger, clock Clock, store Store, bus *Bus, access *AccessControl, positions PositionLookup, codes CodeGenerator, bundles map[Tier][]VoucherSpec) *VoucherLedger {
	return &VoucherLedger{
		logger:     logger,
		clock:      clock,
		store:      store,
		bus:        bus,
		access:     access,
		positions:  positions,
		codes:      codes,
		bundles:    bundles,
		byCode:     map[string]VoucherID{},
		entries:    map[VoucherID]*entity[Voucher]{},
		byOwner:    map[Identity][]VoucherID{},
		byPosition: map[PositionID][]VoucherID{},
	}
}

func (l *VoucherLedger) restore(vouchers []Voucher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range vouchers {
		v := vouchers[i]
		l.index(&v)
		if uint64(v.ID) > l.lastID.Load() {
			l.lastID.Store(uint64(v.ID))
		}
	}
	for owner := range l.byOwner {
		slices.Sort(l.byOwner[owner])
	}
	for pid := range l.byPosition {
		slices.Sort(l.byPosition[pid])
	}
}

// index must be called with mu held.
func (l *VoucherLedger) index(v *Voucher) {
	l.entries[v.ID] = newEntity(v)
	l.byCode[v.QRCode] = v.ID
	l.byOwner[v.Owner] = append(l.byOwner[v.Owner], v.ID)
	l.byPosition[v.PositionID] = append(l.byPosition[v.PositionID], v.ID)
}

func (l *VoucherLedger) entry(id VoucherID) (*entity[Voucher], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, nil
}

func (l *VoucherLedger) mutate(ctx context.Context, id VoucherID, fn func(cur Voucher) (*Voucher, error)) (Voucher, *Voucher, error) {
	e, err := l.entry(id)
	if err != nil {
		return Voucher{}, nil, err
	}
	return e.update(func(cur Voucher) (*Voucher, error) {
		next, err := fn(cur)
		if next != nil {
			next.Version = cur.Version + 1
		}
		return next, err
	}, func(next *Voucher) error {
		return l.store.SaveVoucher(ctx, *next, next.Version-1)
	})
}

// IssueVoucher creates a voucher against an existing position. The position need not be active.
func (l *VoucherLedger) IssueVoucher(ctx context.Context, caller Identity, positionID PositionID, spec VoucherSpec) (VoucherID, error) {
	if err := l.access.Require(caller, RoleMinter); err != nil {
		return 0, err
	}
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	pos, err := l.positions.Position(positionID)
	if err != nil {
		return 0, err
	}
	v, err := l.issue(ctx, caller, pos, spec, false)
	if err != nil {
		return 0, err
	}
	return v.ID, nil
}

// IssueTierBundle issues the configured voucher bundle for the position's tier. A bundle
// interrupted part way is completed by the next call; a complete one yields ErrBundleIssued.
func (l *VoucherLedger) IssueTierBundle(ctx context.Context, caller Identity, positionID PositionID) ([]VoucherID, error) {
	if err := l.access.Require(caller, RoleMinter); err != nil {
		return nil, err
	}
	pos, err := l.positions.Position(positionID)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, fmt.Errorf("%w: position %d", ErrPositionInactive, positionID)
	}
	specs := l.bundles[pos.Tier]
	if len(specs) == 0 {
		return nil, nil
	}

	l.bundleMu.Lock()
	defer l.bundleMu.Unlock()

	var issued int
	for _, v := range l.VouchersForPosition(positionID) {
		if v.FromBundle {
			issued++
		}
	}
	if issued >= len(specs) {
		return nil, fmt.Errorf("%w: position %d", ErrBundleIssued, positionID)
	}

	var ids []VoucherID
	for _, spec := range specs[issued:] {
		if err := spec.Validate(); err != nil {
			return ids, err
		}
		v, err := l.issue(ctx, caller, pos, spec, true)
		if err != nil {
			return ids, err
		}
		ids = append(ids, v.ID)
	}
	misc.Infof(l.logger, "issued %d %s bundle vouchers for position %d", len(ids), pos.Tier, positionID)
	return ids, nil
}

func (l *VoucherLedger) issue(ctx context.Context, caller Identity, pos Position, spec VoucherSpec, bundle bool) (*Voucher, error) {
	id := VoucherID(l.lastID.Add(1))
	code, err := l.reserveCode(id)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	v := &Voucher{
		ID:          id,
		PositionID:  pos.ID,
		Owner:       pos.Owner,
		Kind:        spec.Kind,
		Name:        spec.Name,
		Description: spec.Description,
		Value:       spec.Value,
		MaxUses:     spec.MaxUses,
		IssuedAt:    now,
		ExpiresAt:   now.Add(spec.TTL),
		QRCode:      code,
		Active:      true,
		FromBundle:  bundle,
		Version:     1,
	}
	if err = l.store.SaveVoucher(ctx, *v, 0); err != nil {
		l.mu.Lock()
		delete(l.byCode, code)
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Lock()
	l.index(v)
	l.mu.Unlock()

	promVouchersIssued.Inc()
	l.bus.Publish(Event{Type: EventVoucherIssued, At: now, Actor: caller, Subject: pos.Owner,
		PositionID: pos.ID, VoucherID: id, Tier: pos.Tier, Attrs: map[string]string{
			"kind":    spec.Kind,
			"maxUses": fmt.Sprint(spec.MaxUses),
			"bundle":  fmt.Sprint(bundle),
		}})
	return v, nil
}

func (l *VoucherLedger) reserveCode(id VoucherID) (string, error) {
	for range 4 {
		code, err := l.codes(id)
		if err != nil {
			return "", fmt.Errorf("generate voucher code: %w", err)
		}
		l.mu.Lock()
		if _, taken := l.byCode[code]; !taken {
			l.byCode[code] = 0
			l.mu.Unlock()
			return code, nil
		}
		l.mu.Unlock()
		misc.Warnf(l.logger, "voucher code collision for voucher %d, regenerating", id)
	}
	return "", fmt.Errorf("%w: could not allocate a unique voucher code", ErrInvalidVoucher)
}

func (l *VoucherLedger) idForCode(code string) (VoucherID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id := l.byCode[code]
	if id == 0 {
		return 0, fmt.Errorf("%w: code %q", ErrNotFound, code)
	}
	return id, nil
}

func (l *VoucherLedger) FindByQRCode(code string) (Voucher, error) {
	id, err := l.idForCode(code)
	if err != nil {
		return Voucher{}, err
	}
	return l.Voucher(id)
}

func (l *VoucherLedger) Voucher(id VoucherID) (Voucher, error) {
	e, err := l.entry(id)
	if err != nil {
		return Voucher{}, err
	}
	return e.load(), nil
}

// IsValid reports whether the voucher exists and could be redeemed right now.
func (l *VoucherLedger) IsValid(id VoucherID) bool {
	v, err := l.Voucher(id)
	return err == nil && v.CheckRedeemable(l.clock.Now()) == nil
}

// Redeem consumes one use of the voucher identified by code.
func (l *VoucherLedger) Redeem(ctx context.Context, code string, caller Identity) (Voucher, error) {
	if err := l.access.Require(caller, RoleRedeemer); err != nil {
		return Voucher{}, err
	}
	id, err := l.idForCode(code)
	if err != nil {
		return Voucher{}, err
	}
	return l.redeem(ctx, id, caller)
}

func (l *VoucherLedger) RedeemByID(ctx context.Context, id VoucherID, caller Identity) (Voucher, error) {
	if err := l.access.Require(caller, RoleRedeemer); err != nil {
		return Voucher{}, err
	}
	return l.redeem(ctx, id, caller)
}

func (l *VoucherLedger) redeem(ctx context.Context, id VoucherID, caller Identity) (Voucher, error) {
	var now time.Time
	_, next, err := l.mutate(ctx, id, func(cur Voucher) (*Voucher, error) {
		// read under the voucher lock so a redeem queued behind another is judged when it runs
		now = l.clock.Now()
		if err := cur.CheckRedeemable(now); err != nil {
			return nil, err
		}
		cur.CurrentUses++
		return &cur, nil
	})
	if err != nil {
		promRedeemRejected.WithLabelValues(ReasonOf(err)).Inc()
		return Voucher{}, err
	}
	promVouchersRedeemed.Inc()
	l.bus.Publish(Event{Type: EventVoucherRedeemed, At: now, Actor: caller, Subject: next.Owner,
		PositionID: next.PositionID, VoucherID: id, Attrs: map[string]string{
			"uses":    fmt.Sprint(next.CurrentUses),
			"maxUses": fmt.Sprint(next.MaxUses),
		}})
	return *next, nil
}

// Revoke deactivates a voucher for good. Revoking a revoked voucher is a no-op.
func (l *VoucherLedger) Revoke(ctx context.Context, id VoucherID, caller Identity) error {
	if err := l.access.Require(caller, RoleAdmin); err != nil {
		return err
	}
	now := l.clock.Now()
	_, next, err := l.mutate(ctx, id, func(cur Voucher) (*Voucher, error) {
		if !cur.Active {
			return nil, nil
		}
		cur.Active = false
		cur.RevokedAt = now
		return &cur, nil
	})
	if err != nil || next == nil {
		return err
	}
	l.bus.Publish(Event{Type: EventVoucherRevoked, At: now, Actor: caller, Subject: next.Owner,
		PositionID: next.PositionID, VoucherID: id})
	return nil
}

func (l *VoucherLedger) VouchersOf(owner Identity) []Voucher {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(l.byOwner[owner])
}

func (l *VoucherLedger) VouchersForPosition(id PositionID) []Voucher {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collect(l.byPosition[id])
}

// collect must be called with mu held.
func (l *VoucherLedger) collect(ids []VoucherID) []Voucher {
	out := make([]Voucher, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.entries[id].load())
	}
	slices.SortFunc(out, func(a, b Voucher) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
