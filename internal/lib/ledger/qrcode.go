package ledger

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// CodeGenerator produces a redemption code for a voucher about to be issued.
type CodeGenerator func(id VoucherID) (string, error)

var qrEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewQRCode derives an unguessable code from fresh randomness and the voucher id.
func NewQRCode(id VoucherID) (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:16]); err != nil {
		return "", err
	}
	binary.BigEndian.PutUint64(buf[16:], uint64(id))
	sum := blake2b.Sum256(buf[:])
	return "VCH-" + qrEncoding.EncodeToString(sum[:20]), nil
}
