package ledger

import (
	"cmp"
	"context"
	"fmt"
	"hash/maphash"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

type Position struct {
	ID           PositionID
	Owner        Identity
	Amount       uint256.Int
	LockDuration time.Duration
	StartTime    time.Time
	Tier         Tier
	// TierTable is the table that qualified the position, shared and immutable.
	TierTable        *TierTable
	TierTableVersion uint64
	NextRewardDue    time.Time
	RewardCount      uint64
	LastAdvancedAt   time.Time
	Active           bool
	ClosedAt         time.Time
	ForceClosed      bool
	Version          uint64
}

func (p Position) UnlockAt() time.Time {
	return p.StartTime.Add(p.LockDuration)
}

// RewardWeight is the weight of the position's tier in its own table snapshot.
func (p Position) RewardWeight() uint64 {
	if p.TierTable == nil {
		return 0
	}
	def, _ := p.TierTable.Definition(p.Tier)
	return def.RewardWeight
}

// PositionStatus is the keeper-facing view of a single position.
type PositionStatus struct {
	PositionID     PositionID
	Active         bool
	Tier           Tier
	RewardCount    uint64
	LastAdvancedAt time.Time
	NextRewardDue  time.Time
	NeedsUpkeep    bool
}

type PositionLedger struct {
	logger *slog.Logger
	clock  Clock
	store  Store
	bus    *Bus
	access *AccessControl

	rewardInterval time.Duration
	maxPerOwner    int
	maxLock        time.Duration
	minWait        atomic.Int64

	tableMu sync.Mutex
	table   atomic.Pointer[TierTable]
	tables  map[uint64]*TierTable

	lastID atomic.Uint64
	// serializes the active-count check and insert per owner; owners sharing a stripe only contend
	ownerSeed  maphash.Seed
	ownerLocks [ownerLockStripes]sync.Mutex

	mu      sync.RWMutex
	entries map[PositionID]*entity[Position]
	byOwner map[Identity][]PositionID
}

func newPositionLedger(logger *slog.Logger, clock Clock, store Store, bus *Bus, access *AccessControl, cfg Config) *PositionLedger {
	p := &PositionLedger{
		logger:         logger,
		clock:          clock,
		store:          store,
		bus:            bus,
		access:         access,
		rewardInterval: cfg.RewardInterval,
		maxPerOwner:    cfg.MaxPositionsPerOwner,
		maxLock:        cfg.MaxLockDuration,
		tables:         map[uint64]*TierTable{},
		entries:        map[PositionID]*entity[Position]{},
		byOwner:        map[Identity][]PositionID{},
		ownerSeed:      maphash.MakeSeed(),
	}
	p.minWait.Store(int64(cfg.MinWaitTime))
	return p
}

// restore installs persisted tier tables and positions. The newest stored table becomes current;
// with nothing stored, the configured definitions are persisted as version 1.
func (p *PositionLedger) restore(ctx context.Context, tables []*TierTable, positions []Position, defs []TierDefinition) error {
	var current *TierTable
	for _, t := range tables {
		p.tables[t.Version] = t
		if current == nil || t.Version > current.Version {
			current = t
		}
	}
	if current == nil {
		t, err := NewTierTable(1, p.clock.Now(), defs)
		if err != nil {
			return err
		}
		if err = p.store.SaveTierTable(ctx, t); err != nil {
			return err
		}
		p.tables[t.Version] = t
		current = t
	}
	p.table.Store(current)

	for i := range positions {
		pos := positions[i]
		table, ok := p.tables[pos.TierTableVersion]
		if !ok {
			return fmt.Errorf("%w: position %d references unknown tier table version %d", ErrInvalidTierTable, pos.ID, pos.TierTableVersion)
		}
		pos.TierTable = table
		p.entries[pos.ID] = newEntity(&pos)
		p.byOwner[pos.Owner] = append(p.byOwner[pos.Owner], pos.ID)
		if uint64(pos.ID) > p.lastID.Load() {
			p.lastID.Store(uint64(pos.ID))
		}
		if pos.Active {
			promPositionsOpen.Inc()
			promStakedTotal.Add(amountFloat(&pos.Amount))
		}
	}
	for owner := range p.byOwner {
		slices.Sort(p.byOwner[owner])
	}
	return nil
}

func (p *PositionLedger) entry(id PositionID) (*entity[Position], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return e, nil
}

const ownerLockStripes = 64

func (p *PositionLedger) ownerLock(owner Identity) *sync.Mutex {
	return &p.ownerLocks[maphash.String(p.ownerSeed, string(owner))%ownerLockStripes]
}

// mutate applies fn to position id, bumping its version and persisting before publishing.
func (p *PositionLedger) mutate(ctx context.Context, id PositionID, fn func(cur Position) (*Position, error)) (Position, *Position, error) {
	e, err := p.entry(id)
	if err != nil {
		return Position{}, nil, err
	}
	return e.update(func(cur Position) (*Position, error) {
		next, err := fn(cur)
		if next != nil {
			next.Version = cur.Version + 1
		}
		return next, err
	}, func(next *Position) error {
		return p.store.SavePosition(ctx, *next, next.Version-1)
	})
}

// OpenPosition locks amount for lockDuration at the tier the current table awards.
func (p *PositionLedger) OpenPosition(ctx context.Context, owner Identity, amount *uint256.Int, lockDuration time.Duration) (PositionID, error) {
	if err := owner.Validate(); err != nil {
		return 0, err
	}
	if amount == nil || amount.IsZero() {
		return 0, ErrInvalidAmount
	}
	if lockDuration <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDuration, lockDuration)
	}
	if p.maxLock > 0 && lockDuration > p.maxLock {
		return 0, fmt.Errorf("%w: %s exceeds maximum of %s", ErrInvalidDuration, lockDuration, p.maxLock)
	}
	if p.access.IsBlocked(owner) {
		return 0, fmt.Errorf("%w: %q", ErrBlocked, owner)
	}

	table := p.table.Load()
	tier := TierOf(amount, lockDuration, table)
	if tier == Unqualified {
		lowest := table.Lowest()
		if amount.Lt(&lowest.MinAmount) {
			return 0, fmt.Errorf("%w: %s is below the %s minimum of %s", ErrInvalidAmount, amount.Dec(), lowest.Tier, lowest.MinAmount.Dec())
		}
		return 0, fmt.Errorf("%w: %s is below the %s minimum of %s", ErrInvalidDuration, lockDuration, lowest.Tier, lowest.MinDuration)
	}

	pos, err := p.insert(ctx, owner, amount, lockDuration, tier, table)
	if err != nil {
		return 0, err
	}
	promPositionsOpen.Inc()
	promStakedTotal.Add(amountFloat(amount))
	misc.Debugf(p.logger, "position %d opened by %s: %s for %s at %s", pos.ID, owner, amount.Dec(), lockDuration, tier)

	p.bus.Publish(Event{Type: EventPositionOpened, At: pos.StartTime, Actor: owner, Subject: owner,
		PositionID: pos.ID, Tier: tier, Attrs: map[string]string{
			"amount":       amount.Dec(),
			"lockDuration": lockDuration.String(),
			"tierTable":    fmt.Sprint(table.Version),
		}})
	return pos.ID, nil
}

func (p *PositionLedger) insert(ctx context.Context, owner Identity, amount *uint256.Int, lockDuration time.Duration, tier Tier, table *TierTable) (*Position, error) {
	ol := p.ownerLock(owner)
	ol.Lock()
	defer ol.Unlock()

	if p.maxPerOwner > 0 && p.activeCount(owner) >= p.maxPerOwner {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyPositions, p.maxPerOwner)
	}

	now := p.clock.Now()
	pos := &Position{
		ID:               PositionID(p.lastID.Add(1)),
		Owner:            owner,
		Amount:           *amount,
		LockDuration:     lockDuration,
		StartTime:        now,
		Tier:             tier,
		TierTable:        table,
		TierTableVersion: table.Version,
		NextRewardDue:    now.Add(p.rewardInterval),
		Active:           true,
		Version:          1,
	}
	if err := p.store.SavePosition(ctx, *pos, 0); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.entries[pos.ID] = newEntity(pos)
	p.byOwner[owner] = append(p.byOwner[owner], pos.ID)
	p.mu.Unlock()
	return pos, nil
}

func (p *PositionLedger) activeCount(owner Identity) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var count int
	for _, id := range p.byOwner[owner] {
		if p.entries[id].cur.Load().Active {
			count++
		}
	}
	return count
}

// ClosePosition releases a matured position on behalf of its owner.
func (p *PositionLedger) ClosePosition(ctx context.Context, id PositionID, caller Identity) error {
	_, next, err := p.mutate(ctx, id, func(cur Position) (*Position, error) {
		if cur.Owner != caller {
			return nil, fmt.Errorf("%w: position %d", ErrNotOwner, id)
		}
		if !cur.Active {
			return nil, fmt.Errorf("%w: position %d", ErrAlreadyInactive, id)
		}
		now := p.clock.Now()
		if now.Before(cur.UnlockAt()) {
			return nil, fmt.Errorf("%w: position %d unlocks at %s", ErrLockNotExpired, id, cur.UnlockAt().Format(time.RFC3339))
		}
		cur.Active = false
		cur.ClosedAt = now
		return &cur, nil
	})
	if err != nil {
		return err
	}
	p.closed(next, caller)
	return nil
}

// ForceClosePosition lets an admin close a position regardless of its lock.
func (p *PositionLedger) ForceClosePosition(ctx context.Context, id PositionID, caller Identity) error {
	if err := p.access.Require(caller, RoleAdmin); err != nil {
		return err
	}
	_, next, err := p.mutate(ctx, id, func(cur Position) (*Position, error) {
		if !cur.Active {
			return nil, fmt.Errorf("%w: position %d", ErrAlreadyInactive, id)
		}
		cur.Active = false
		cur.ClosedAt = p.clock.Now()
		cur.ForceClosed = true
		return &cur, nil
	})
	if err != nil {
		return err
	}
	misc.Warnf(p.logger, "position %d force closed by %s", id, caller)
	p.closed(next, caller)
	return nil
}

func (p *PositionLedger) closed(pos *Position, caller Identity) {
	promPositionsOpen.Dec()
	promStakedTotal.Sub(amountFloat(&pos.Amount))
	p.bus.Publish(Event{Type: EventPositionClosed, At: pos.ClosedAt, Actor: caller, Subject: pos.Owner,
		PositionID: pos.ID, Tier: pos.Tier, Attrs: map[string]string{
			"amount": pos.Amount.Dec(),
			"forced": fmt.Sprint(pos.ForceClosed),
		}})
}

func (p *PositionLedger) isDue(pos *Position, now time.Time) bool {
	if !pos.Active || now.Before(pos.NextRewardDue) {
		return false
	}
	minWait := time.Duration(p.minWait.Load())
	return minWait <= 0 || pos.LastAdvancedAt.IsZero() || !now.Before(pos.LastAdvancedAt.Add(minWait))
}

// DueForReward lists active positions whose reward is due at now, oldest due first.
func (p *PositionLedger) DueForReward(now time.Time) []PositionID {
	p.mu.RLock()
	due := make([]*Position, 0, len(p.entries)/4)
	for _, e := range p.entries {
		if pos := e.cur.Load(); p.isDue(pos, now) {
			due = append(due, pos)
		}
	}
	p.mu.RUnlock()

	slices.SortFunc(due, func(a, b *Position) int {
		if c := a.NextRewardDue.Compare(b.NextRewardDue); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	ids := make([]PositionID, len(due))
	for i, pos := range due {
		ids[i] = pos.ID
	}
	return ids
}

// AdvanceReward moves the position to its next reward cycle.
func (p *PositionLedger) AdvanceReward(ctx context.Context, id PositionID, now time.Time) error {
	_, err := p.AdvanceRewardWith(ctx, id, now, nil)
	return err
}

// AdvanceRewardWith runs mint against the due position while holding its writer lock and commits
// the advance only if mint succeeds. A concurrent caller for the same cycle gets ErrNotYetDue.
func (p *PositionLedger) AdvanceRewardWith(ctx context.Context, id PositionID, now time.Time, mint func(Position) error) (Position, error) {
	_, next, err := p.mutate(ctx, id, func(cur Position) (*Position, error) {
		if !cur.Active {
			return nil, fmt.Errorf("%w: position %d", ErrPositionInactive, id)
		}
		if now.Before(cur.NextRewardDue) {
			return nil, fmt.Errorf("%w: position %d due at %s", ErrNotYetDue, id, cur.NextRewardDue.Format(time.RFC3339))
		}
		if !p.isDue(&cur, now) {
			return nil, fmt.Errorf("%w: position %d advanced at %s", ErrNotYetDue, id, cur.LastAdvancedAt.Format(time.RFC3339))
		}
		if mint != nil {
			if err := mint(cur); err != nil {
				return nil, err
			}
		}
		cur.NextRewardDue = cur.NextRewardDue.Add(p.rewardInterval)
		cur.RewardCount++
		cur.LastAdvancedAt = now
		return &cur, nil
	})
	if err != nil {
		return Position{}, err
	}
	p.bus.Publish(Event{Type: EventRewardAdvanced, At: now, Subject: next.Owner, PositionID: id, Tier: next.Tier,
		Attrs: map[string]string{
			"rewardCount":   fmt.Sprint(next.RewardCount),
			"nextRewardDue": next.NextRewardDue.Format(time.RFC3339),
		}})
	return *next, nil
}

// ReevaluateTier moves the position onto the current tier table if it still qualifies there.
func (p *PositionLedger) ReevaluateTier(ctx context.Context, id PositionID, caller Identity) (Tier, error) {
	table := p.table.Load()
	prev, next, err := p.mutate(ctx, id, func(cur Position) (*Position, error) {
		if cur.Owner != caller {
			return nil, fmt.Errorf("%w: position %d", ErrNotOwner, id)
		}
		if !cur.Active {
			return nil, fmt.Errorf("%w: position %d", ErrPositionInactive, id)
		}
		if cur.TierTableVersion >= table.Version {
			return nil, nil
		}
		tier := TierOf(&cur.Amount, cur.LockDuration, table)
		if tier == Unqualified {
			return nil, fmt.Errorf("%w: position %d under table version %d", ErrUnqualified, id, table.Version)
		}
		cur.Tier = tier
		cur.TierTable = table
		cur.TierTableVersion = table.Version
		return &cur, nil
	})
	if err != nil {
		return Unqualified, err
	}
	if next == nil {
		return prev.Tier, nil
	}
	p.bus.Publish(Event{Type: EventTierReevaluated, At: p.clock.Now(), Actor: caller, Subject: next.Owner,
		PositionID: id, Tier: next.Tier, Attrs: map[string]string{
			"previousTier": prev.Tier.String(),
			"tierTable":    fmt.Sprint(table.Version),
		}})
	return next.Tier, nil
}

// UpdateTierTable publishes a new table version for positions opened from now on.
func (p *PositionLedger) UpdateTierTable(ctx context.Context, caller Identity, defs []TierDefinition) (*TierTable, error) {
	if err := p.access.Require(caller, RoleAdmin); err != nil {
		return nil, err
	}
	p.tableMu.Lock()
	cur := p.table.Load()
	table, err := NewTierTable(cur.Version+1, p.clock.Now(), defs)
	if err == nil {
		err = p.store.SaveTierTable(ctx, table)
	}
	if err != nil {
		p.tableMu.Unlock()
		return nil, err
	}
	p.tables[table.Version] = table
	p.table.Store(table)
	p.tableMu.Unlock()

	misc.Infof(p.logger, "tier table updated to version %d by %s", table.Version, caller)
	p.bus.Publish(Event{Type: EventTierTableUpdated, At: table.UpdatedAt, Actor: caller,
		Attrs: map[string]string{"version": fmt.Sprint(table.Version)}})
	return table, nil
}

// SetMinWaitTime changes the anti-thrash window used by DueForReward and AdvanceReward.
func (p *PositionLedger) SetMinWaitTime(caller Identity, d time.Duration) error {
	if err := p.access.Require(caller, RoleAdmin); err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("%w: min wait time %s", ErrInvalidConfig, d)
	}
	p.minWait.Store(int64(d))
	return nil
}

func (p *PositionLedger) MinWaitTime() time.Duration {
	return time.Duration(p.minWait.Load())
}

func (p *PositionLedger) RewardInterval() time.Duration {
	return p.rewardInterval
}

// TierTable returns the table new positions are evaluated against.
func (p *PositionLedger) TierTable() *TierTable {
	return p.table.Load()
}

// TierTableVersion returns a historical table by version.
func (p *PositionLedger) TierTableVersion(version uint64) (*TierTable, bool) {
	p.tableMu.Lock()
	defer p.tableMu.Unlock()
	t, ok := p.tables[version]
	return t, ok
}

func (p *PositionLedger) Position(id PositionID) (Position, error) {
	e, err := p.entry(id)
	if err != nil {
		return Position{}, err
	}
	return e.load(), nil
}

// PositionsOf returns every position ever opened by owner, in id order.
func (p *PositionLedger) PositionsOf(owner Identity) []Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := p.byOwner[owner]
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.entries[id].load())
	}
	return out
}

func (p *PositionLedger) ActivePositions() []Position {
	p.mu.RLock()
	out := make([]Position, 0, len(p.entries))
	for _, e := range p.entries {
		if pos := e.load(); pos.Active {
			out = append(out, pos)
		}
	}
	p.mu.RUnlock()
	slices.SortFunc(out, func(a, b Position) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (p *PositionLedger) PositionStatus(id PositionID, now time.Time) (PositionStatus, error) {
	e, err := p.entry(id)
	if err != nil {
		return PositionStatus{}, err
	}
	pos := e.cur.Load()
	return PositionStatus{
		PositionID:     pos.ID,
		Active:         pos.Active,
		Tier:           pos.Tier,
		RewardCount:    pos.RewardCount,
		LastAdvancedAt: pos.LastAdvancedAt,
		NextRewardDue:  pos.NextRewardDue,
		NeedsUpkeep:    p.isDue(pos, now),
	}, nil
}
