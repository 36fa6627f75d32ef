package table

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/storage"
)

// DataType is the lexical type of a column value.
type DataType uint8

const (
	TypeAny DataType = iota
	TypeInt
	TypeFloat
	TypeString
)

func (t DataType) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	case TypeString:
		return "STRING"
	default:
		return "ANY"
	}
}

// ParseDataType accepts the names printed by DataType.String.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "ANY", "any":
		return TypeAny, nil
	case "INT", "int":
		return TypeInt, nil
	case "FLOAT", "float":
		return TypeFloat, nil
	case "STRING", "string":
		return TypeString, nil
	}
	return TypeAny, errors.Wrapf(storage.ErrInvalidSchema, "unknown type %q", s)
}

// Phase tells when a computed column's module runs.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhasePreload
	PhasePostload
)

func (p Phase) String() string {
	switch p {
	case PhasePreload:
		return "PRELOAD"
	case PhasePostload:
		return "POSTLOAD"
	default:
		return "NONE"
	}
}

// type byte layout
const (
	typeMask     = 0x03
	primaryShift = 2
	primaryMask  = 0x03 << primaryShift
	autoIncBit   = 1 << 4
	phaseShift   = 5
	phaseMask    = 0x03 << phaseShift
)

// Column is one fixed-width field of a row.
type Column struct {
	Name          string
	Size          uint16
	Type          DataType
	Primary       bool
	AutoIncrement bool

	// Module, when set, computes the value by running Query with every
	// {column} token replaced by that column's current value.
	Phase  Phase
	Module string
	Query  string
}

// TypeByte packs type, primary flag, auto-increment and phase.
func (c Column) TypeByte() byte {
	b := byte(c.Type) & typeMask
	if c.Primary {
		b |= 1 << primaryShift
	}
	if c.AutoIncrement {
		b |= autoIncBit
	}
	b |= (byte(c.Phase) << phaseShift) & phaseMask
	return b
}

func (c *Column) setTypeByte(b byte) {
	c.Type = DataType(b & typeMask)
	c.Primary = b&primaryMask != 0
	c.AutoIncrement = b&autoIncBit != 0
	c.Phase = Phase((b & phaseMask) >> phaseShift)
}

// Computed reports whether the column has a module for phase p.
func (c Column) Computed(p Phase) bool {
	return c.Module != "" && c.Phase == p
}

func (c Column) validate() error {
	if c.Name == "" || len(c.Name) > storage.ColumnNameSize {
		return errors.Wrapf(storage.ErrInvalidSchema, "column name %q", c.Name)
	}
	if c.Size == 0 {
		return errors.Wrapf(storage.ErrInvalidSchema, "column %s: zero size", c.Name)
	}
	if len(c.Module) > storage.ModuleNameSize {
		return errors.Wrapf(storage.ErrInvalidSchema, "column %s: module name %q", c.Name, c.Module)
	}
	if c.Module != "" && c.Phase == PhaseNone {
		return errors.Wrapf(storage.ErrInvalidSchema, "column %s: module without phase", c.Name)
	}
	if c.AutoIncrement && c.Type != TypeInt {
		return errors.Wrapf(storage.ErrInvalidSchema, "column %s: auto-increment needs INT", c.Name)
	}
	if len(c.Query) > 0xFFFF {
		return errors.Wrapf(storage.ErrInvalidSchema, "column %s: query too long", c.Name)
	}
	return nil
}

// Filler is the value written into a column that has no source value.
func (c Column) Filler() []byte {
	b := make([]byte, c.Size)
	fill := byte(' ')
	if c.Type == TypeInt || c.Type == TypeFloat {
		fill = '0'
	}
	for i := range b {
		b[i] = fill
	}
	return b
}

// Level is a 2-bit access level.
type Level uint8

const MaxLevel Level = 3

// Action selects one field of the access byte.
type Action uint8

const (
	ActionRead Action = iota
	ActionWrite
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionWrite:
		return "write"
	case ActionDelete:
		return "delete"
	default:
		return "read"
	}
}

// Access packs the read (bits 0-1), write (2-3) and delete (4-5) levels.
type Access byte

func NewAccess(read, write, del Level) Access {
	return Access(read&3 | (write&3)<<2 | (del&3)<<4)
}

// FullAccess permits every level for every action.
var FullAccess = NewAccess(MaxLevel, MaxLevel, MaxLevel)

func (a Access) Level(act Action) Level {
	return Level(byte(a)>>(2*uint(act))) & 3
}

// Permits reports whether a caller asking for level may perform act.
func (a Access) Permits(act Action, level Level) bool {
	return level <= a.Level(act)
}

// Cascade selects which operations follow a link.
type Cascade uint8

const (
	CascadeDelete Cascade = 1 << iota
	CascadeUpdate
	CascadeAppend
	CascadeFind
)

func (c Cascade) Has(f Cascade) bool { return c&f != 0 }

// Link relates a master column of this table to a column of a slave table.
type Link struct {
	Master      string
	SlaveTable  storage.Name
	SlaveColumn string
	Flags       Cascade
}

func (l Link) same(master string, slaveTable storage.Name, slaveCol string) bool {
	return l.Master == master && l.SlaveTable == slaveTable && l.SlaveColumn == slaveCol
}
