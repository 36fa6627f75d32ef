package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"

	"github.com/tuannm99/novastore/internal"
	"github.com/tuannm99/novastore/internal/engine"
	"github.com/tuannm99/novastore/internal/logger"
	"github.com/tuannm99/novastore/internal/module"
	"github.com/tuannm99/novastore/internal/table"
)

// ---- History (own file) ----

type History struct {
	path  string
	lines []string
}

func NewHistory(path string) *History {
	return &History{path: path}
}

func (h *History) Load(max int) error {
	if h.path == "" {
		return nil
	}
	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		h.lines = append(h.lines, s)
		if max > 0 && len(h.lines) > max {
			h.lines = h.lines[len(h.lines)-max:]
		}
	}
	return sc.Err()
}

func (h *History) Append(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || h.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return err
	}
	h.lines = append(h.lines, line)
	return nil
}

func (h *History) Print(last int) {
	if last <= 0 || last > len(h.lines) {
		last = len(h.lines)
	}
	for i := len(h.lines) - last; i < len(h.lines); i++ {
		fmt.Printf("%5d  %s\n", i+1, h.lines[i])
	}
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".novastore_history"
	}
	return filepath.Join(home, ".novastore_history")
}

func openDatabase(cfg *internal.NovaStoreConfig) (*engine.Database, error) {
	log := logger.New(cfg.Log)
	if err := os.MkdirAll(cfg.Storage.Workdir, 0o755); err != nil {
		return nil, err
	}
	return engine.OpenOrCreate(engine.Options{
		Workdir:     cfg.Storage.Workdir,
		Name:        cfg.Storage.Database,
		Checksum:    cfg.Storage.Checksum,
		Quota:       cfg.Quota(),
		LockTimeout: cfg.Lock.Timeout,
		Runner:      module.NewExecRunner(cfg.Module.Dir, cfg.Module.MaxOutput, cfg.Module.Timeout, log),
		Log:         log,
	})
}

func main() {
	var (
		cfgPath  = flag.String("config", "", "YAML config file")
		histPath = flag.String("history", defaultHistoryPath(), "history file path")
		histMax  = flag.Int("history-max", 2000, "max history lines loaded into memory")
		level    = flag.Uint("level", 0, "access level of this session (0-3)")
		oneShot  = flag.String("c", "", "execute one command, commit and exit")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	db, err := openDatabase(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	sh := &shell{db: db, s: db.NewSession(table.Level(*level) & table.MaxLevel), out: os.Stdout}

	if strings.TrimSpace(*oneShot) != "" {
		if err := sh.exec(ctx, *oneShot); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	h := NewHistory(*histPath)
	_ = h.Load(*histMax)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "novastore> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = rl.Close() }()

	for _, line := range h.lines {
		_ = rl.SaveHistory(line)
	}

	fmt.Printf("database %s in %s\n", db.Name(), cfg.Storage.Workdir)
	fmt.Println("type \\help for help")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			fmt.Println("^C")
			continue
		}
		if err != nil {
			fmt.Println()
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch line {
		case "\\q", "quit", "exit":
			return
		case "\\help":
			fmt.Println(helpText)
			continue
		case "\\history":
			h.Print(50)
			continue
		}

		_ = h.Append(line)
		if err := sh.exec(ctx, line); err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println("OK")
	}
}
