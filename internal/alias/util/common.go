package util

import (
	"io"

	"github.com/sirupsen/logrus"
)

// CloseFileFunc closes f and logs a failure instead of returning it.
// Used in defers where the close error cannot change the outcome.
func CloseFileFunc(f io.Closer) {
	if err := f.Close(); err != nil {
		logrus.WithError(err).Warn("close file")
	}
}
