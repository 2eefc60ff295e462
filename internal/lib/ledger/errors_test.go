package ledger

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err       error
		kind      Kind
		status    int
		retryable bool
	}{
		{ErrInvalidAmount, KindValidation, 400, false},
		{fmt.Errorf("%w: position 3", ErrNotOwner), KindAuthorization, 403, false},
		{ErrNotFound, KindNotFound, 404, false},
		{fmt.Errorf("close: %w", ErrLockNotExpired), KindStateConflict, 409, true},
		{errors.Join(ErrStorage, errors.New("connection reset")), KindTransientInfra, 503, true},
		{errors.New("boom"), KindUnknown, 500, false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			if tt.kind != KindUnknown {
				assert.ErrorIs(t, tt.err, Of(tt.kind))
			}
		})
	}
}

func TestErrorReasons(t *testing.T) {
	assert.Equal(t, "LOCK_NOT_EXPIRED", ReasonOf(fmt.Errorf("x: %w", ErrLockNotExpired)))
	assert.Equal(t, "INTERNAL", ReasonOf(errors.New("x")))
	assert.NotErrorIs(t, ErrExpired, Of(KindValidation))
	assert.NotErrorIs(t, ErrExpired, ErrExhaustedUses)
}

func TestBusOrdering(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.SubscribeAll(func(e Event) { got = append(got, "all:"+string(e.Type)) })
	bus.Subscribe(EventVoucherIssued, func(e Event) { got = append(got, "issued") })

	bus.Publish(Event{Type: EventVoucherIssued})
	bus.Publish(Event{Type: EventVoucherRevoked})

	assert.Equal(t, []string{"all:voucher.issued", "issued", "all:voucher.revoked"}, got)

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(Event{Type: EventRoleGranted}) })
}
