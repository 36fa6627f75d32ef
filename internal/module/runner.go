// Package module runs external programs that compute column values.
package module

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tuannm99/novastore/internal/storage"
)

// SuccessStatus is the only exit status whose output is accepted.
const SuccessStatus = 100

const (
	DefaultMaxOutput = 1024
	DefaultTimeout   = 5 * time.Second
)

// Runner executes a module with a fully substituted command string and
// returns its output.
type Runner interface {
	Run(ctx context.Context, module, command string) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, module, command string) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, module, command string) ([]byte, error) {
	return f(ctx, module, command)
}

// ExecRunner runs "<Dir>/<module> <command>" as a subprocess.
type ExecRunner struct {
	Dir       string
	MaxOutput int
	Timeout   time.Duration
	Log       logrus.FieldLogger
}

func NewExecRunner(dir string, maxOutput int, timeout time.Duration, log logrus.FieldLogger) *ExecRunner {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExecRunner{Dir: dir, MaxOutput: maxOutput, Timeout: timeout, Log: log.WithField("component", "module")}
}

func validName(module string) bool {
	return module != "" && module != "." && module != ".." &&
		!strings.ContainsAny(module, `/\`) && !strings.ContainsRune(module, 0)
}

func (r *ExecRunner) Run(ctx context.Context, module, command string) ([]byte, error) {
	if !validName(module) {
		return nil, errors.Wrapf(storage.ErrModuleFailed, "invalid module name %q", module)
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	out := &capped{max: r.MaxOutput}
	cmd := exec.CommandContext(ctx, filepath.Join(r.Dir, module), command)
	cmd.Stdout = out

	start := time.Now()
	err := cmd.Run()
	log := r.Log.WithFields(logrus.Fields{"module": module, "elapsed": time.Since(start)})

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == SuccessStatus {
		log.Debug("module finished")
		return out.Bytes(), nil
	}
	if err == nil {
		log.Warn("module exited with status 0")
		return nil, errors.Wrapf(storage.ErrModuleFailed, "module %s: exit status 0", module)
	}
	log.WithError(err).Warn("module failed")
	return nil, errors.Wrapf(storage.ErrModuleFailed, "module %s: %v", module, err)
}

// capped keeps at most max bytes and silently drops the rest so the child
// never blocks on a full pipe.
type capped struct {
	bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.Len(); room > 0 {
		c.Buffer.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}
