// Package codec maps the human-facing 128-bit identifiers onto the ledger's
// fixed-width 32-byte identifiers and back.
package codec

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/phuaky/pong-rank/internal/domain"
)

const (
	// Width is the ledger identifier width in bytes.
	Width = 32

	// hexPrefix marks a ledger identifier in its textual form.
	hexPrefix = "0x"

	uuidLen = 16
)

// FixedID is the ledger identifier: the 16 uuid bytes followed by 16 bytes of
// zero padding. It is stored as a blob(32).
type FixedID [Width]byte

// Encode is deterministic and injective; Decode is its exact inverse.
func Encode(id uuid.UUID) FixedID {
	var f FixedID
	copy(f[:], id[:])
	return f
}

// Decode reads the leading 16 bytes of a ledger identifier. The remainder is
// zero padding and is not inspected.
func Decode(b []byte) (uuid.UUID, error) {
	if len(b) < uuidLen {
		return uuid.Nil, fmt.Errorf("%w: need %d bytes, got %d", domain.ErrMalformedIdentifier, uuidLen, len(b))
	}
	var id uuid.UUID
	copy(id[:], b[:uuidLen])
	return id, nil
}

// ParseUUID parses a human-facing identifier, mapping parse failures to
// domain.ErrMalformedIdentifier.
func ParseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q: %v", domain.ErrMalformedIdentifier, s, err)
	}
	return id, nil
}

// ParseHex parses the "0x" + 64 hex digit form.
func ParseHex(s string) (FixedID, error) {
	raw := strings.TrimPrefix(s, hexPrefix)
	if len(raw) != Width*2 {
		return FixedID{}, fmt.Errorf("%w: %q has %d hex digits, want %d", domain.ErrMalformedIdentifier, s, len(raw), Width*2)
	}
	var f FixedID
	if _, err := hex.Decode(f[:], []byte(raw)); err != nil {
		return FixedID{}, fmt.Errorf("%w: %q: %v", domain.ErrMalformedIdentifier, s, err)
	}
	return f, nil
}

// ParseID accepts a human-facing identifier in either the canonical uuid form
// or the ledger hex form. Hex input must carry zero padding, so both forms
// name exactly the same ids.
func ParseID(s string) (uuid.UUID, error) {
	if !strings.HasPrefix(s, hexPrefix) {
		return ParseUUID(s)
	}
	f, err := ParseHex(s)
	if err != nil {
		return uuid.Nil, err
	}
	for _, b := range f[uuidLen:] {
		if b != 0 {
			return uuid.Nil, fmt.Errorf("%w: %q has non-zero padding", domain.ErrMalformedIdentifier, s)
		}
	}
	return f.UUID(), nil
}

// New mints a fresh identifier and returns both forms.
func New() (uuid.UUID, FixedID) {
	id := uuid.New()
	return id, Encode(id)
}

func EncodeAll(ids []uuid.UUID) []FixedID {
	out := make([]FixedID, len(ids))
	for i, id := range ids {
		out[i] = Encode(id)
	}
	return out
}

func DecodeAll(ids []FixedID) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	for i := range ids {
		out[i] = ids[i].UUID()
	}
	return out
}

// UUID cannot fail: a FixedID always carries at least 16 bytes.
func (f FixedID) UUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], f[:uuidLen])
	return id
}

// Hex is the ledger wire form: the uuid hex digits right-padded with zeros to
// 64 characters, prefixed with "0x".
func (f FixedID) Hex() string {
	return hexPrefix + hex.EncodeToString(f[:])
}

func (f FixedID) String() string {
	return f.Hex()
}

func (f FixedID) IsZero() bool {
	return f == FixedID{}
}

func (f FixedID) Value() (driver.Value, error) {
	buf := [Width]byte(f)
	return driver.Value(buf[:]), nil
}

func (f *FixedID) Scan(src interface{}) error {
	slice, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte, got %T", src)
	}
	if len(slice) != Width {
		return fmt.Errorf("%w: blob of %d bytes", domain.ErrMalformedIdentifier, len(slice))
	}

	copy(f[:], slice)
	return nil
}
