package table

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/storage"
)

// SignatureError names the first column whose bytes fail their type check.
type SignatureError struct {
	Column int
	Name   string
	Type   DataType
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("column %d (%s) is not a valid %s", e.Column, e.Name, e.Type)
}

func (e *SignatureError) Unwrap() error { return storage.ErrSignatureInvalid }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// validValue applies the lexical rule of t to v.
func validValue(t DataType, v []byte) bool {
	switch t {
	case TypeInt:
		for _, b := range v {
			if !isDigit(b) {
				return false
			}
		}
	case TypeFloat:
		dot := false
		for _, b := range v {
			if b == '.' && !dot {
				dot = true
				continue
			}
			if !isDigit(b) {
				return false
			}
		}
	}
	return true
}

// CheckSignature validates the width of row and every column value.
func (t *Table) CheckSignature(row []byte) error {
	t.latch.RLock()
	defer t.latch.RUnlock()

	if size := t.rowSize(); len(row) != size {
		return errors.Wrapf(storage.ErrSignatureInvalid, "row width %d, table %s expects %d", len(row), t.name, size)
	}
	off := 0
	for i, c := range t.columns {
		if !validValue(c.Type, row[off:off+int(c.Size)]) {
			return &SignatureError{Column: i, Name: c.Name, Type: c.Type}
		}
		off += int(c.Size)
	}
	return nil
}
