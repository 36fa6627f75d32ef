package engine

import (
	"github.com/pkg/errors"

	"github.com/tuannm99/novastore/internal/locking"
	"github.com/tuannm99/novastore/internal/storage"
	"github.com/tuannm99/novastore/internal/table"
)

// Session identifies a caller: Owner is the id its locks are held under and
// Level the access level it asks for on every table it touches.
type Session struct {
	Owner locking.Owner
	Level table.Level
}

func (s Session) check(t *table.Table, act table.Action) error {
	if !t.Access().Permits(act, s.Level) {
		return errors.Wrapf(storage.ErrAccessDenied, "table %s: %s level %d", t.Name(), act, s.Level)
	}
	return nil
}
