package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/engine"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/table"
)

const helpText = `commands:
  tables                                   list tables
  create <table> <col:size[:TYPE][:pk][:ai]>...
  drop <table>
  append <table> <v1|v2|...>               append a row, values are padded to width
  put <table> <row> <v1|v2|...>            replace a live row
  get <table> <row>
  del <table> <row>
  find <table> <column> <value>
  link <master> <column> <slave> <column> <flags>   flags from "duaf"
  unlink <master> <column> <slave> <column>
  linked <table> <row>                     rows reached over find links
  migrate <src> <dst> [dst_col=src_col]...
  commit | rollback | stats
meta:
  \q | quit | exit    \history    \help`

var errUsage = errors.New("usage")

type shell struct {
	db  *engine.Database
	s   engine.Session
	out io.Writer
}

func (sh *shell) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(sh.out, format, args...)
}

func argc(args []string, n int) error {
	if len(args) < n {
		return errors.Wrapf(errUsage, "need %d arguments", n)
	}
	return nil
}

func rowIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, errors.Wrapf(errUsage, "row %q", s)
	}
	return i, nil
}

// exec runs one command line.
func (sh *shell) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "tables":
		for _, n := range sh.db.Tables() {
			info, err := sh.db.Table(n)
			if err != nil {
				return err
			}
			sh.printf("%-8s rows=%d width=%d access=%#02x\n", n, info.Rows, info.RowSize, byte(info.Access))
		}
		return nil

	case "create":
		if err := argc(args, 2); err != nil {
			return err
		}
		cols, err := parseColumns(args[1:])
		if err != nil {
			return err
		}
		return sh.db.CreateTable(sh.s, args[0], table.FullAccess, cols)

	case "drop":
		if err := argc(args, 1); err != nil {
			return err
		}
		return sh.db.DeleteTable(sh.s, args[0])

	case "append":
		if err := argc(args, 2); err != nil {
			return err
		}
		row, err := sh.buildRow(args[0], rest(line, 2))
		if err != nil {
			return err
		}
		idx, err := sh.db.AppendRow(ctx, sh.s, args[0], row)
		if err != nil {
			return err
		}
		sh.printf("row %d\n", idx)
		return nil

	case "put":
		if err := argc(args, 3); err != nil {
			return err
		}
		idx, err := rowIndex(args[1])
		if err != nil {
			return err
		}
		row, err := sh.buildRow(args[0], rest(line, 3))
		if err != nil {
			return err
		}
		return sh.db.InsertRow(ctx, sh.s, args[0], idx, row)

	case "get":
		if err := argc(args, 2); err != nil {
			return err
		}
		idx, err := rowIndex(args[1])
		if err != nil {
			return err
		}
		row, err := sh.db.GetRow(ctx, sh.s, args[0], idx)
		if err != nil {
			return err
		}
		return sh.printRow(args[0], idx, row)

	case "del":
		if err := argc(args, 2); err != nil {
			return err
		}
		idx, err := rowIndex(args[1])
		if err != nil {
			return err
		}
		return sh.db.DeleteRow(ctx, sh.s, args[0], idx)

	case "find":
		if err := argc(args, 3); err != nil {
			return err
		}
		idx, err := sh.db.FindDataRow(sh.s, args[0], args[1], []byte(rest(line, 3)))
		if err != nil {
			return err
		}
		sh.printf("row %d\n", idx)
		return nil

	case "link":
		if err := argc(args, 5); err != nil {
			return err
		}
		flags, err := parseCascade(args[4])
		if err != nil {
			return err
		}
		return sh.db.LinkColumns(sh.s, args[0], args[1], args[2], args[3], flags)

	case "unlink":
		if err := argc(args, 4); err != nil {
			return err
		}
		return sh.db.UnlinkColumns(sh.s, args[0], args[1], args[2], args[3])

	case "linked":
		if err := argc(args, 2); err != nil {
			return err
		}
		idx, err := rowIndex(args[1])
		if err != nil {
			return err
		}
		refs, err := sh.db.FindLinkedRows(sh.s, args[0], idx)
		if err != nil {
			return err
		}
		for _, r := range refs {
			sh.printf("%s %d\n", r.Table, r.Row)
		}
		sh.printf("(%d rows)\n", len(refs))
		return nil

	case "migrate":
		if err := argc(args, 2); err != nil {
			return err
		}
		mapping := make(map[string]string)
		for _, m := range args[2:] {
			dst, src, ok := strings.Cut(m, "=")
			if !ok {
				return errors.Wrapf(errUsage, "mapping %q", m)
			}
			mapping[dst] = src
		}
		n, err := sh.db.MigrateTable(sh.s, args[0], args[1], mapping)
		if err != nil {
			return err
		}
		sh.printf("%d rows copied\n", n)
		return nil

	case "commit":
		return sh.db.Commit()
	case "rollback":
		return sh.db.Rollback()
	case "stats":
		st := sh.db.CacheStats()
		sh.printf("%+v\n", st)
		return nil
	}
	return errors.Wrapf(errUsage, "unknown command %q", cmd)
}

// rest returns line after its first n words, keeping inner spaces.
func rest(line string, n int) string {
	s := strings.TrimLeft(line, " \t")
	for i := 0; i < n; i++ {
		j := strings.IndexAny(s, " \t")
		if j < 0 {
			return ""
		}
		s = strings.TrimLeft(s[j:], " \t")
	}
	return s
}

// parseColumns reads "name:size[:TYPE][:pk][:ai]" specs.
func parseColumns(specs []string) ([]table.Column, error) {
	cols := make([]table.Column, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 {
			return nil, errors.Wrapf(errUsage, "column %q", spec)
		}
		size, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, errors.Wrapf(errUsage, "column %q size", spec)
		}
		c := table.Column{Name: parts[0], Size: uint16(size), Type: table.TypeAny}
		for _, p := range parts[2:] {
			switch strings.ToLower(p) {
			case "pk":
				c.Primary = true
			case "ai":
				c.AutoIncrement = true
			default:
				t, err := table.ParseDataType(p)
				if err != nil {
					return nil, err
				}
				c.Type = t
			}
		}
		cols = append(cols, c)
	}
	return cols, nil
}

func parseCascade(s string) (table.Cascade, error) {
	var c table.Cascade
	for _, r := range s {
		switch r {
		case 'd':
			c |= table.CascadeDelete
		case 'u':
			c |= table.CascadeUpdate
		case 'a':
			c |= table.CascadeAppend
		case 'f':
			c |= table.CascadeFind
		default:
			return 0, errors.Wrapf(errUsage, "cascade flag %q", r)
		}
	}
	return c, nil
}

// buildRow pads "|"-separated values to the column widths of a table.
// Missing trailing values get the column filler.
func (sh *shell) buildRow(name, values string) ([]byte, error) {
	info, err := sh.db.Table(name)
	if err != nil {
		return nil, err
	}
	vals := strings.Split(values, "|")
	if len(vals) > len(info.Columns) {
		return nil, errors.Wrapf(storage.ErrSignatureInvalid, "%d values for %d columns", len(vals), len(info.Columns))
	}
	row := make([]byte, 0, info.RowSize)
	for i, c := range info.Columns {
		if i >= len(vals) {
			row = append(row, c.Filler()...)
			continue
		}
		v := strings.TrimSpace(vals[i])
		if len(v) > int(c.Size) {
			return nil, errors.Wrapf(storage.ErrSignatureInvalid, "column %s: %q wider than %d", c.Name, v, c.Size)
		}
		pad := strings.Repeat(string(c.Filler()[:1]), int(c.Size)-len(v))
		if c.Type == table.TypeInt || c.Type == table.TypeFloat {
			row = append(row, pad+v...)
		} else {
			row = append(row, v+pad...)
		}
	}
	return row, nil
}

func (sh *shell) printRow(name string, idx int, row []byte) error {
	info, err := sh.db.Table(name)
	if err != nil {
		return err
	}
	if len(row) > 0 && row[0] == storage.EmptyByte {
		sh.printf("row %d: empty\n", idx)
		return nil
	}
	off := 0
	parts := make([]string, len(info.Columns))
	for i, c := range info.Columns {
		parts[i] = c.Name + "=" + strings.TrimRight(string(row[off:off+int(c.Size)]), " ")
		off += int(c.Size)
	}
	sh.printf("row %d: %s\n", idx, strings.Join(parts, " | "))
	return nil
}
