package table

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/module"
	"github.com/tuannm99/novastore/internal/storage"
)

// Substitute replaces every {column} token in query with that column's value
// in row, trailing padding removed. Unknown tokens are left untouched.
func (t *Table) Substitute(query string, row []byte) string {
	cols := t.Columns()
	pairs := make([]string, 0, 2*len(cols))
	off := 0
	for _, c := range cols {
		v := row[off : off+int(c.Size)]
		off += int(c.Size)
		pairs = append(pairs, "{"+c.Name+"}", string(bytes.TrimRight(v, " \x00")))
	}
	return strings.NewReplacer(pairs...).Replace(query)
}

// fitValue pads or cuts module output to the column width. Numbers are
// right-aligned with zeros and never cut.
func fitValue(c Column, out []byte) ([]byte, error) {
	out = bytes.TrimRight(out, "\r\n")
	size := int(c.Size)
	numeric := c.Type == TypeInt || c.Type == TypeFloat
	if len(out) > size {
		if numeric {
			return nil, errors.Wrapf(storage.ErrOutOfBounds, "column %s: value %q wider than %d", c.Name, out, size)
		}
		return out[:size], nil
	}
	v := make([]byte, size)
	if numeric {
		pad := size - len(out)
		for i := 0; i < pad; i++ {
			v[i] = '0'
		}
		copy(v[pad:], out)
		return v, nil
	}
	copy(v, out)
	for i := len(out); i < size; i++ {
		v[i] = ' '
	}
	return v, nil
}

// InvokeModules runs the module of every column computed in phase and
// returns a copy of row with their outputs in place. Columns are evaluated
// left to right, so a later query sees the values computed before it.
func (t *Table) InvokeModules(ctx context.Context, row []byte, phase Phase, runner module.Runner) ([]byte, error) {
	cols := t.Columns()
	if len(row) != t.RowSize() {
		return nil, errors.Wrapf(storage.ErrSignatureInvalid, "table %s: row width %d", t.name, len(row))
	}
	out := make([]byte, len(row))
	copy(out, row)

	off := 0
	for _, c := range cols {
		start := off
		off += int(c.Size)
		if !c.Computed(phase) {
			continue
		}
		if runner == nil {
			return nil, errors.Wrapf(storage.ErrModuleFailed, "column %s: no module runner", c.Name)
		}
		res, err := runner.Run(ctx, c.Module, t.Substitute(c.Query, out))
		if err != nil {
			if !errors.Is(err, storage.ErrModuleFailed) {
				err = errors.Wrapf(storage.ErrModuleFailed, "column %s: %v", c.Name, err)
			}
			return nil, err
		}
		v, err := fitValue(c, res)
		if err != nil {
			return nil, errors.Wrapf(storage.ErrModuleFailed, "%v", err)
		}
		copy(out[start:], v)
	}
	return out, nil
}

// FillAutoIncrement sets every auto-increment column of row to one more than
// the largest value among the live rows, zero-padded to the column width.
// The sequence follows the maximum, not the value of the row just before the
// new one, so a row appended into a freed slot still gets a fresh key.
func (t *Table) FillAutoIncrement(row []byte) error {
	cols := t.Columns()
	next := make(map[int]uint64)
	offs := make(map[int]int)
	off := 0
	for i, c := range cols {
		if c.AutoIncrement {
			next[i] = 1
			offs[i] = off
		}
		off += int(c.Size)
	}
	if len(next) == 0 {
		return nil
	}

	err := t.Scan(func(_ int, r []byte) (bool, error) {
		for i, o := range offs {
			v, err := strconv.ParseUint(string(r[o:o+int(cols[i].Size)]), 10, 64)
			if err == nil && v+1 > next[i] {
				next[i] = v + 1
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	for i, o := range offs {
		c := cols[i]
		s := fmt.Sprintf("%0*d", int(c.Size), next[i])
		if len(s) > int(c.Size) {
			return errors.Wrapf(storage.ErrCapacityExceeded, "table %s: sequence %s exhausted", t.name, c.Name)
		}
		copy(row[o:], s)
	}
	return nil
}
