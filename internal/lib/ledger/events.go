package ledger

import (
	"sync"
	"time"
)

type EventType string

const (
	EventPositionOpened      EventType = "position.opened"
	EventPositionClosed      EventType = "position.closed"
	EventRewardAdvanced      EventType = "reward.advanced"
	EventTierReevaluated     EventType = "position.tier_reevaluated"
	EventVoucherIssued       EventType = "voucher.issued"
	EventVoucherRedeemed     EventType = "voucher.redeemed"
	EventVoucherRevoked      EventType = "voucher.revoked"
	EventRoleGranted         EventType = "role.granted"
	EventRoleRevoked         EventType = "role.revoked"
	EventTierTableUpdated    EventType = "tier_table.updated"
	EventBlocklistUpdated    EventType = "blocklist.updated"
	EventKeeperConfigUpdated EventType = "keeper.config_updated"
	EventArtifactMinted      EventType = "artifact.minted"
)

// Event is an audit record of a committed ledger mutation.
type Event struct {
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	Actor      Identity          `json:"actor,omitempty"`
	Subject    Identity          `json:"subject,omitempty"`
	PositionID PositionID        `json:"positionId,omitempty"`
	VoucherID  VoucherID         `json:"voucherId,omitempty"`
	Tier       Tier              `json:"tier"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Bus fans events out to subscribers synchronously, in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]func(Event)
	all      []func(Event)
}

func NewBus() *Bus {
	return &Bus{handlers: map[EventType][]func(Event){}}
}

func (b *Bus) Subscribe(evtType EventType, handler func(Event)) {
	if b == nil || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[evtType] = append(b.handlers[evtType], handler)
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler func(Event)) {
	if b == nil || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish must not be called while holding an entity lock; handlers may call back into the ledger.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.all)+len(b.handlers[evt.Type]))
	handlers = append(handlers, b.all...)
	handlers = append(handlers, b.handlers[evt.Type]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(evt)
	}
}
