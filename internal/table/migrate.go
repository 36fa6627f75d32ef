package table

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
)

// Migrate appends every live row of src to dst, converting between layouts.
// mapping names the source column of a destination column; a destination
// column missing from mapping takes the source column of the same name, and
// gets its filler when there is none. Each converted row must pass the
// signature of dst and then check, when given; the first row that fails
// stops the copy. It returns the number of rows copied.
func Migrate(owner locking.Owner, src, dst *Table, mapping map[string]string, check func(row []byte) error) (int, error) {
	if src == dst {
		return 0, errors.Wrap(storage.ErrInvalidSchema, "migrate onto itself")
	}
	srcCols := src.Columns()
	srcOff := make(map[string]int, len(srcCols))
	srcCol := make(map[string]Column, len(srcCols))
	off := 0
	for _, c := range srcCols {
		srcOff[c.Name] = off
		srcCol[c.Name] = c
		off += int(c.Size)
	}

	dstCols := dst.Columns()
	from := make([]string, len(dstCols))
	for i, c := range dstCols {
		name, ok := mapping[c.Name]
		if !ok {
			name = c.Name
		}
		if _, exists := srcCol[name]; exists {
			from[i] = name
		} else if ok {
			return 0, errors.Wrapf(storage.ErrNotFound, "migrate: source column %s", name)
		}
	}

	copied := 0
	err := src.Scan(func(ri int, row []byte) (bool, error) {
		out := make([]byte, 0, dst.RowSize())
		for i, c := range dstCols {
			if from[i] == "" {
				out = append(out, c.Filler()...)
				continue
			}
			o := srcOff[from[i]]
			v, err := convert(c, row[o:o+int(srcCol[from[i]].Size)])
			if err != nil {
				return false, err
			}
			out = append(out, v...)
		}
		if err := dst.CheckSignature(out); err != nil {
			return false, errors.Wrapf(err, "migrate row %d", ri)
		}
		if check != nil {
			if err := check(out); err != nil {
				return false, errors.Wrapf(err, "migrate row %d", ri)
			}
		}
		if _, err := dst.AppendRow(owner, out); err != nil {
			return false, err
		}
		dst.AddRows(1)
		copied++
		return true, nil
	})
	return copied, err
}

// convert fits a source value into column c.
func convert(c Column, v []byte) ([]byte, error) {
	v = bytes.TrimRight(v, " \x00")
	if (c.Type == TypeInt || c.Type == TypeFloat) && len(v) > int(c.Size) {
		v = bytes.TrimLeft(v, "0")
	}
	if len(v) == 0 {
		return c.Filler(), nil
	}
	return fitValue(c, v)
}
