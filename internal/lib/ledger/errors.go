package ledger

import (
	"errors"
)

// Kind classifies ledger errors for callers that need to decide whether a retry can ever help.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindStateConflict
	KindTransientInfra
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindAuthorization:
		return "UNAUTHORIZED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindStateConflict:
		return "STATE_CONFLICT"
	case KindTransientInfra:
		return "TRANSIENT"
	}
	return "INTERNAL"
}

// Retryable reports whether repeating the same request unchanged can succeed later.
func (k Kind) Retryable() bool {
	return k == KindStateConflict || k == KindTransientInfra
}

// Error is the concrete type behind every ledger sentinel.
type Error struct {
	kind   Kind
	reason string
	msg    string
}

func newError(kind Kind, reason, msg string) *Error {
	return &Error{kind: kind, reason: reason, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Reason() string { return e.reason }

func (e *Error) Is(t error) bool { return isKindTarget(e.kind, t) }

// kindTarget lets errors.Is(err, KindX) style checks work through Of.
type kindTarget Kind

func (k kindTarget) Error() string { return Kind(k).String() }

func isKindTarget(k Kind, t error) bool {
	kt, ok := t.(kindTarget)
	return ok && Kind(kt) == k
}

// Of returns a target usable with errors.Is to match any error of the given kind.
func Of(k Kind) error { return kindTarget(k) }

var (
	ErrInvalidAmount    = newError(KindValidation, "INVALID_AMOUNT", "amount must be greater than zero and meet the lowest tier minimum")
	ErrInvalidDuration  = newError(KindValidation, "INVALID_DURATION", "lock duration does not qualify for any tier or exceeds the maximum")
	ErrInvalidIdentity  = newError(KindValidation, "INVALID_IDENTITY", "identity must not be empty")
	ErrInvalidTierTable = newError(KindValidation, "INVALID_TIER_TABLE", "tier table is invalid")
	ErrInvalidVoucher   = newError(KindValidation, "INVALID_VOUCHER", "voucher parameters are invalid")
	ErrInvalidConfig    = newError(KindValidation, "INVALID_CONFIG", "configuration value is invalid")
	ErrInvalidRole      = newError(KindValidation, "INVALID_ROLE", "unknown role")
	ErrMintRejected     = newError(KindValidation, "MINT_REJECTED", "minter permanently rejected the reward artifact")

	ErrUnauthorized = newError(KindAuthorization, "UNAUTHORIZED", "caller lacks the required role")
	ErrNotOwner     = newError(KindAuthorization, "NOT_OWNER", "caller does not own the position")
	ErrBlocked      = newError(KindAuthorization, "BLOCKED", "identity is blocked")

	ErrUnknownPosition = newError(KindNotFound, "UNKNOWN_POSITION", "position does not exist")
	ErrNotFound        = newError(KindNotFound, "VOUCHER_NOT_FOUND", "voucher does not exist")

	ErrAlreadyInactive  = newError(KindStateConflict, "ALREADY_INACTIVE", "position is already closed")
	ErrLockNotExpired   = newError(KindStateConflict, "LOCK_NOT_EXPIRED", "position lock has not expired")
	ErrPositionInactive = newError(KindStateConflict, "POSITION_INACTIVE", "position is not active")
	ErrNotYetDue        = newError(KindStateConflict, "NOT_YET_DUE", "reward is not yet due")
	ErrInactive         = newError(KindStateConflict, "VOUCHER_INACTIVE", "voucher has been revoked")
	ErrExpired          = newError(KindStateConflict, "EXPIRED", "voucher has expired")
	ErrExhaustedUses    = newError(KindStateConflict, "EXHAUSTED_USES", "voucher has no remaining uses")
	ErrLastAdmin        = newError(KindStateConflict, "LAST_ADMIN", "cannot remove the last admin")
	ErrTooManyPositions = newError(KindStateConflict, "TOO_MANY_POSITIONS", "owner has reached the maximum number of active positions")
	ErrUnqualified      = newError(KindStateConflict, "UNQUALIFIED", "position does not qualify for any tier in the current table")
	ErrBundleIssued     = newError(KindStateConflict, "BUNDLE_ALREADY_ISSUED", "tier voucher bundle already issued for position")

	ErrStorage           = newError(KindTransientInfra, "STORAGE_UNAVAILABLE", "storage unavailable")
	ErrVersionConflict   = newError(KindTransientInfra, "VERSION_CONFLICT", "entity was modified concurrently")
	ErrMinterUnavailable = newError(KindTransientInfra, "MINTER_UNAVAILABLE", "minter unavailable")
)

// KindOf returns the kind of the first ledger error in err's chain.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.kind
	}
	return KindUnknown
}

// ReasonOf returns the stable reason string of the first ledger error in err's chain.
func ReasonOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.reason
	}
	return "INTERNAL"
}

// HTTPStatus maps an error onto the status code used by the hosting API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return 400
	case KindAuthorization:
		return 403
	case KindNotFound:
		return 404
	case KindStateConflict:
		return 409
	case KindTransientInfra:
		return 503
	}
	return 500
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
