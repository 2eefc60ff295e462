package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

type Role uint8

const (
	RoleAdmin Role = iota + 1
	RoleMinter
	RoleRedeemer
)

var roleNames = map[Role]string{
	RoleAdmin:    "admin",
	RoleMinter:   "minter",
	RoleRedeemer: "redeemer",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// RoleSet is a bitmask of roles held by one identity.
type RoleSet uint8

func (s RoleSet) Has(r Role) bool { return s&(1<<r) != 0 }

func (s RoleSet) With(r Role) RoleSet { return s | 1<<r }

func (s RoleSet) Without(r Role) RoleSet { return s &^ (1 << r) }

func RoleSetOf(roles ...Role) (s RoleSet) {
	for _, r := range roles {
		s = s.With(r)
	}
	return s
}

func (s RoleSet) Roles() []Role {
	var roles []Role
	for _, r := range []Role{RoleAdmin, RoleMinter, RoleRedeemer} {
		if s.Has(r) {
			roles = append(roles, r)
		}
	}
	return roles
}

func (s RoleSet) String() string {
	var names []string
	for _, r := range s.Roles() {
		names = append(names, r.String())
	}
	return strings.Join(names, ",")
}

// AccessControl holds the identity to role-set table and the owner blocklist.
type AccessControl struct {
	logger *slog.Logger
	clock  Clock
	store  Store
	bus    *Bus

	// writes are serialized and persisted while holding mu; role changes are rare
	mu      sync.RWMutex
	roles   map[Identity]RoleSet
	blocked map[Identity]struct{}
}

func newAccessControl(logger *slog.Logger, clock Clock, store Store, bus *Bus) *AccessControl {
	return &AccessControl{
		logger:  logger,
		clock:   clock,
		store:   store,
		bus:     bus,
		roles:   map[Identity]RoleSet{},
		blocked: map[Identity]struct{}{},
	}
}

// bootstrap loads persisted grants, falling back to the genesis admins when none are stored.
func (a *AccessControl) bootstrap(ctx context.Context, grants map[Identity]RoleSet, blocked []Identity, genesis []Identity) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, set := range grants {
		if set != 0 {
			a.roles[id] = set
		}
	}
	for _, id := range blocked {
		a.blocked[id] = struct{}{}
	}
	if a.adminCount() > 0 {
		return nil
	}
	if len(genesis) == 0 {
		return fmt.Errorf("%w: at least one genesis admin is required", ErrInvalidConfig)
	}
	for _, id := range genesis {
		if err := id.Validate(); err != nil {
			return err
		}
		set := a.roles[id].With(RoleAdmin)
		if err := a.store.SaveRoles(ctx, id, set); err != nil {
			return err
		}
		a.roles[id] = set
		misc.Infof(a.logger, "genesis admin %s installed", id)
	}
	return nil
}

func (a *AccessControl) adminCount() int {
	var count int
	for _, set := range a.roles {
		if set.Has(RoleAdmin) {
			count++
		}
	}
	return count
}

func (a *AccessControl) HasRole(id Identity, role Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roles[id].Has(role)
}

func (a *AccessControl) RolesOf(id Identity) RoleSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roles[id]
}

// Require returns ErrUnauthorized unless id holds role.
func (a *AccessControl) Require(id Identity, role Role) error {
	if !a.HasRole(id, role) {
		return fmt.Errorf("%w: %q is not %s", ErrUnauthorized, id, role)
	}
	return nil
}

// Members lists identities holding role, sorted.
func (a *AccessControl) Members(role Role) []Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var ids []Identity
	for id, set := range a.roles {
		if set.Has(role) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// GrantRole is idempotent; granting a held role succeeds without writing.
func (a *AccessControl) GrantRole(ctx context.Context, caller, id Identity, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRole, role)
	}
	if err := id.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	if !a.roles[caller].Has(RoleAdmin) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %q is not %s", ErrUnauthorized, caller, RoleAdmin)
	}
	cur := a.roles[id]
	if cur.Has(role) {
		a.mu.Unlock()
		return nil
	}
	if err := a.store.SaveRoles(ctx, id, cur.With(role)); err != nil {
		a.mu.Unlock()
		return err
	}
	a.roles[id] = cur.With(role)
	a.mu.Unlock()

	a.bus.Publish(Event{Type: EventRoleGranted, At: a.clock.Now(), Actor: caller, Subject: id,
		Attrs: map[string]string{"role": role.String()}})
	return nil
}

// RevokeRole is idempotent and refuses to remove the last admin.
func (a *AccessControl) RevokeRole(ctx context.Context, caller, id Identity, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRole, role)
	}
	a.mu.Lock()
	if !a.roles[caller].Has(RoleAdmin) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %q is not %s", ErrUnauthorized, caller, RoleAdmin)
	}
	cur := a.roles[id]
	if !cur.Has(role) {
		a.mu.Unlock()
		return nil
	}
	if role == RoleAdmin && a.adminCount() <= 1 {
		a.mu.Unlock()
		return ErrLastAdmin
	}
	next := cur.Without(role)
	if err := a.store.SaveRoles(ctx, id, next); err != nil {
		a.mu.Unlock()
		return err
	}
	if next == 0 {
		delete(a.roles, id)
	} else {
		a.roles[id] = next
	}
	a.mu.Unlock()

	a.bus.Publish(Event{Type: EventRoleRevoked, At: a.clock.Now(), Actor: caller, Subject: id,
		Attrs: map[string]string{"role": role.String()}})
	return nil
}

func (a *AccessControl) IsBlocked(id Identity) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.blocked[id]
	return ok
}

func (a *AccessControl) Blocked() []Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]Identity, 0, len(a.blocked))
	for id := range a.blocked {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *AccessControl) Block(ctx context.Context, caller, id Identity) error {
	return a.setBlocked(ctx, caller, id, true)
}

func (a *AccessControl) Unblock(ctx context.Context, caller, id Identity) error {
	return a.setBlocked(ctx, caller, id, false)
}

func (a *AccessControl) setBlocked(ctx context.Context, caller, id Identity, block bool) error {
	if err := id.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	if !a.roles[caller].Has(RoleAdmin) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %q is not %s", ErrUnauthorized, caller, RoleAdmin)
	}
	if _, ok := a.blocked[id]; ok == block {
		a.mu.Unlock()
		return nil
	}
	if err := a.store.SaveBlocked(ctx, id, block); err != nil {
		a.mu.Unlock()
		return err
	}
	if block {
		a.blocked[id] = struct{}{}
	} else {
		delete(a.blocked, id)
	}
	a.mu.Unlock()

	a.bus.Publish(Event{Type: EventBlocklistUpdated, At: a.clock.Now(), Actor: caller, Subject: id,
		Attrs: map[string]string{"blocked": fmt.Sprint(block)}})
	return nil
}
