package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// SessionSeed is the namespace tag mixed into every session address.
const SessionSeed = "session"

// derivationMarker separates derived addresses from any other sha256 use.
const derivationMarker = "ProgramDerivedAddress"

var (
	// ErrAddressOnCurve means the seeds hash to a usable public key and cannot be a derived address.
	ErrAddressOnCurve = errors.New("derived address lies on the ed25519 curve")
	// ErrNoViableBump means no bump byte yields an off-curve address.
	ErrNoViableBump = errors.New("no viable bump seed")
)

// Address is a 32-byte derived lookup key.
type Address [32]byte

// String returns the lowercase hex form.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("decoding address: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("address must be %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// ProgramID namespaces derived addresses to one deployment.
type ProgramID [32]byte

// NewProgramID hashes a deployment name into a ProgramID.
func NewProgramID(name string) ProgramID {
	return ProgramID(sha256.Sum256([]byte(name)))
}

// String returns the lowercase hex form.
func (p ProgramID) String() string {
	return hex.EncodeToString(p[:])
}

// CreateSessionAddress derives the address for sessionID with a fixed bump.
func CreateSessionAddress(program ProgramID, sessionID string, bump uint8) (Address, error) {
	h := sha256.New()
	h.Write([]byte(SessionSeed))
	h.Write([]byte(sessionID))
	h.Write([]byte{bump})
	h.Write(program[:])
	h.Write([]byte(derivationMarker))

	var addr Address
	copy(addr[:], h.Sum(nil))

	if _, err := new(edwards25519.Point).SetBytes(addr[:]); err == nil {
		return Address{}, ErrAddressOnCurve
	}
	return addr, nil
}

// FindSessionAddress searches bumps from 255 downwards and returns the first
// off-curve address together with its bump.
func FindSessionAddress(program ProgramID, sessionID string) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateSessionAddress(program, sessionID, uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return Address{}, 0, ErrNoViableBump
}
