package ledger

import (
	"fmt"
	"strings"
)

// Identity is an opaque caller or owner identity, typically an account address.
type Identity string

func (id Identity) Validate() error {
	if id == "" {
		return ErrInvalidIdentity
	}
	return nil
}

func (id Identity) String() string { return string(id) }

// ParseIdentity trims surrounding whitespace and rejects empty values.
func ParseIdentity(s string) (Identity, error) {
	id := Identity(strings.TrimSpace(s))
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("%w: %q", err, s)
	}
	return id, nil
}

type PositionID uint64

type VoucherID uint64
