package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects the level and the optional log files. Empty paths log to
// stdout only.
type Config struct {
	Level     string `mapstructure:"level"`
	InfoPath  string `mapstructure:"info_path"`
	ErrorPath string `mapstructure:"error_path"`
}

const timestampFormat = "15:04:05 MST 2006/01/02"

// Formatter prints "[time] [LEVL] message k=v ..." with fields sorted by key.
type Formatter struct {
	TimestampFormat string
}

func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	tsf := f.TimestampFormat
	if tsf == "" {
		tsf = timestampFormat
	}
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", entry.Time.Format(tsf), level, entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// ParseLevel maps a level name to logrus, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// errorHook copies error and worse entries to a separate writer.
type errorHook struct {
	out       io.Writer
	formatter logrus.Formatter
}

func (h *errorHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *errorHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(b)
	return err
}

// New builds a logger from cfg. A log file that cannot be opened falls back
// to stdout with a warning.
func New(cfg Config) *logrus.Logger {
	f := &Formatter{TimestampFormat: timestampFormat}
	l := logrus.New()
	l.SetFormatter(f)
	l.SetLevel(ParseLevel(cfg.Level))
	l.SetOutput(os.Stdout)

	if cfg.InfoPath != "" {
		file, err := openLogFile(cfg.InfoPath)
		if err != nil {
			l.Warnf("open info log %s, fallback to stdout: %v", cfg.InfoPath, err)
		} else {
			l.SetOutput(io.MultiWriter(os.Stdout, file))
		}
	}
	if cfg.ErrorPath != "" {
		file, err := openLogFile(cfg.ErrorPath)
		if err != nil {
			l.Warnf("open error log %s: %v", cfg.ErrorPath, err)
		} else {
			l.AddHook(&errorHook{out: file, formatter: f})
		}
	}
	return l
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
}
