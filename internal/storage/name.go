package storage

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Name is the fixed-width identifier of an object. It doubles as the file name.
// The zero Name marks an empty list slot.
type Name [NameSize]byte

// ParseName converts s to a Name. s must be 1..8 bytes without NUL or path separators.
func ParseName(s string) (Name, error) {
	var n Name
	if len(s) == 0 || len(s) > NameSize {
		return n, errors.Wrapf(ErrInvalidSchema, "name %q must be 1..%d bytes", s, NameSize)
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 0, '/', '\\', '.':
			return n, errors.Wrapf(ErrInvalidSchema, "name %q contains an invalid byte", s)
		}
	}
	copy(n[:], s)
	return n, nil
}

// MustName is ParseName for constants and tests.
func MustName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// RandomName returns a fresh 8-character hex name derived from a UUIDv4.
func RandomName() Name {
	id := uuid.New()
	var n Name
	hex.Encode(n[:], id[:NameSize/2])
	return n
}

func (n Name) IsZero() bool { return n == Name{} }

func (n Name) String() string {
	return string(bytes.TrimRight(n[:], "\x00"))
}

// ReadName decodes a Name from the first NameSize bytes of b.
func ReadName(b []byte) Name {
	var n Name
	copy(n[:], b[:NameSize])
	return n
}

// PutFixed copies s into dst and zero-fills the rest of dst.
func PutFixed(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// GetFixed reads a zero-padded string.
func GetFixed(src []byte) string {
	return string(bytes.TrimRight(src, "\x00"))
}
