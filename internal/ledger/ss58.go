package ledger

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"tao-dividends/internal/domain"
)

// BittensorSS58Prefix is the network prefix used by bittensor hotkeys.
const BittensorSS58Prefix = 42

var ss58Preimage = []byte("SS58PRE")

// ValidateSS58 checks the checksum of an SS58 account and, for single-byte prefixes, the network prefix.
// A negative prefix skips the prefix check.
func ValidateSS58(address string, prefix int) error {
	raw, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: hotkey is not base58: %v", domain.ErrInvalidQuery, err)
	}

	var prefixLen int
	switch len(raw) {
	case 35:
		prefixLen = 1
	case 36:
		prefixLen = 2
	default:
		return fmt.Errorf("%w: hotkey has unexpected length %d", domain.ErrInvalidQuery, len(raw))
	}

	body, checksum := raw[:len(raw)-2], raw[len(raw)-2:]
	hash := blake2b.Sum512(append(append([]byte{}, ss58Preimage...), body...))
	if !bytes.Equal(hash[:2], checksum) {
		return fmt.Errorf("%w: hotkey checksum mismatch", domain.ErrInvalidQuery)
	}

	if prefix >= 0 && prefixLen == 1 && int(raw[0]) != prefix {
		return fmt.Errorf("%w: hotkey prefix %d, want %d", domain.ErrInvalidQuery, raw[0], prefix)
	}
	return nil
}

// EncodeSS58 renders a 32-byte public key with a single-byte network prefix.
func EncodeSS58(pub []byte, prefix byte) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("public key must be 32 bytes, got %d", len(pub))
	}
	body := append([]byte{prefix}, pub...)
	hash := blake2b.Sum512(append(append([]byte{}, ss58Preimage...), body...))
	return base58.Encode(append(body, hash[:2]...)), nil
}
