package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var identityPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// Identity is the salted one-way digest of a voter's stable identifiers.
// It is the only voter key that ever leaves the local store.
type Identity string

// NewIdentity derives SHA-256(identifiers || salt), hex encoded with a 0x prefix.
func NewIdentity(salt string, identifiers ...string) (Identity, error) {
	if salt == "" {
		return "", fmt.Errorf("%w: identity salt is empty", ErrValidation)
	}

	joined := strings.Join(identifiers, "")
	if joined == "" {
		return "", fmt.Errorf("%w: no identifiers supplied", ErrValidation)
	}

	sum := sha256.Sum256([]byte(joined + salt))
	return Identity("0x" + hex.EncodeToString(sum[:])), nil
}

// ParseIdentity checks that s has the canonical identity form.
func ParseIdentity(s string) (Identity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !identityPattern.MatchString(s) {
		return "", fmt.Errorf("%w: malformed identity %q", ErrValidation, s)
	}
	return Identity(s), nil
}

// String returns the hex form.
func (i Identity) String() string {
	return string(i)
}

// Short returns a truncated form safe for logs.
func (i Identity) Short() string {
	if len(i) <= 10 {
		return string(i)
	}
	return string(i[:10]) + "..."
}
