package storage

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/locking"
)

const (
	OneB  = 1 << 0  // 1
	OneKB = 1 << 10 // 1,024

	PageContentSize = OneKB                       // content bytes held by one page
	MaxListLen      = 255                         // pages per directory, directories per table, tables per database
	DirCapacity     = MaxListLen * PageContentSize // logical bytes addressable by one directory
	NameSize        = 8
	ColumnNameSize  = 16
	ModuleNameSize  = 16
)

// Byte values stored in content slots that hold no data.
const (
	EmptyByte byte = 0xEE
	EndByte   byte = 0xED
)

const (
	FileMode0644 = 0o644
	FileMode0755 = 0o755
)

// Kind identifies the layer an object belongs to.
type Kind uint8

const (
	KindPage Kind = iota + 1
	KindDirectory
	KindTable
	KindDatabase
)

func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindDirectory:
		return "directory"
	case KindTable:
		return "table"
	case KindDatabase:
		return "database"
	default:
		return "unknown"
	}
}

// Ext is the file extension used for objects of this kind.
func (k Kind) Ext() string {
	switch k {
	case KindPage:
		return "pg"
	case KindDirectory:
		return "dir"
	case KindTable:
		return "tbl"
	case KindDatabase:
		return "db"
	default:
		return "bin"
	}
}

// Magic is the first byte of every file of this kind.
func (k Kind) Magic() byte {
	switch k {
	case KindPage:
		return 0xA1
	case KindDirectory:
		return 0xA2
	case KindTable:
		return 0xA3
	case KindDatabase:
		return 0xA4
	default:
		return 0
	}
}

const (
	MagicColumn byte = 0xB1
	MagicLink   byte = 0xB2
)

var (
	ErrNotFound            = errors.New("storage: not found")
	ErrAccessDenied        = errors.New("storage: access denied")
	ErrSignatureInvalid    = errors.New("storage: row signature invalid")
	ErrDuplicatePrimaryKey = errors.New("storage: duplicate primary key")
	ErrCapacityExceeded    = errors.New("storage: capacity exceeded")
	ErrLockTimeout         = locking.ErrLockTimeout
	ErrIOFailure           = errors.New("storage: I/O failure")
	ErrOutOfBounds         = errors.New("storage: offset out of bounds")
	ErrInvalidSchema       = errors.New("storage: invalid schema")
	ErrModuleFailed        = errors.New("storage: module failed")
)
