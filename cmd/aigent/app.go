package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/nugget/aigent/internal/agent"
	"github.com/nugget/aigent/internal/buildinfo"
	"github.com/nugget/aigent/internal/config"
	"github.com/nugget/aigent/internal/connwatch"
	"github.com/nugget/aigent/internal/events"
	"github.com/nugget/aigent/internal/llm"
	"github.com/nugget/aigent/internal/memory"
	"github.com/nugget/aigent/internal/router"
	"github.com/nugget/aigent/internal/tui"
	"github.com/nugget/aigent/internal/usage"
)

// app holds everything a command needs to run turns.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
	bus     *events.Bus
	store   *memory.Store
	usage   *usage.Store
	watcher *connwatch.Watcher
	local   *llm.OllamaClient
	hosted  *llm.OpenRouterClient
	router  *router.Router
	runtime *agent.Runtime
}

// newApp loads config, opens the memory and usage databases under
// data_dir, and wires the provider clients, router, and turn assembler.
// Logs go to logOut.
func newApp(configPath string, logOut io.Writer) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(logOut, level, cfg.LogFormat)
	logger.Debug("starting", "build", buildinfo.String(), "config", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := memory.Open(filepath.Join(cfg.DataDir, "memory.db"))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	ledger, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}

	settings, err := agent.SettingsFromConfig(cfg)
	if err != nil {
		store.Close()
		ledger.Close()
		return nil, err
	}

	bus := events.New()
	local := llm.NewOllamaClient(cfg.LLM.OllamaBaseURL, logger.With("provider", "ollama"))
	hosted := llm.NewOpenRouterClient("", logger.With("provider", "openrouter"))
	rt := router.NewRouter(logger, router.Config{Ledger: ledger}, local, hosted, bus)

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		bus:     bus,
		store:   store,
		usage:   ledger,
		local:   local,
		hosted:  hosted,
		router:  rt,
		runtime: agent.NewRuntime(logger, settings, rt, bus),
	}, nil
}

// Close stops the reachability watcher and releases both databases.
func (a *app) Close() error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	return errors.Join(a.usage.Close(), a.store.Close())
}

// watchLocal starts polling the local provider. Results feed /status,
// the sidebar, and the activity feed.
func (a *app) watchLocal(ctx context.Context) {
	a.watcher = connwatch.Start(ctx, connwatch.Config{
		Provider: llm.ProviderLocal.String(),
		Probe:    a.local.Ping,
		Bus:      a.bus,
		Logger:   a.logger.With("component", "connwatch"),
	})
}

func (a *app) session() *tui.Session {
	opts := tui.SessionOptions{
		Logger:     a.logger,
		Config:     a.cfg,
		ConfigPath: a.cfgPath,
		Runtime:    a.runtime,
		Store:      a.store,
		Router:     a.router,
		Local:      a.local,
		Hosted:     a.hosted,
		Usage:      a.usage,
	}
	if a.watcher != nil {
		opts.Health = a.watcher
	}
	return tui.NewSession(opts)
}

func (a *app) client(p llm.Provider) llm.Client {
	if p == llm.ProviderHosted {
		return a.hosted
	}
	return a.local
}

// loadConfig locates and parses the YAML configuration. With no file
// found, defaults apply and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	if cfgPath == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// runChat starts an interactive session: the full-screen UI when both
// ends are terminals, a plain line loop otherwise.
func runChat(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath string) error {
	if !isTerminal(stdin) || !isTerminal(stdout) {
		// Logs share stderr with nothing else in line mode.
		a, err := newApp(configPath, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		return tui.RunLines(ctx, a.session(), stdin, stdout)
	}

	// Logs go to a file so they cannot corrupt the screen.
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "aigent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	a, err := newApp(configPath, logFile)
	if err != nil {
		return err
	}
	defer a.Close()

	// Turns started from the UI stop when the session ends, and the
	// stores stay open until they have.
	ctx, cancel := context.WithCancel(ctx)
	sess := a.session()
	defer func() {
		cancel()
		sess.Close()
	}()
	a.watchLocal(ctx)

	model := tui.New(ctx, tui.Options{
		Session:      sess,
		Bus:          a.bus,
		Logger:       a.logger,
		TickInterval: a.cfg.TUI.TickInterval(),
	})
	p := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
		tea.WithInput(stdin),
		tea.WithOutput(stdout),
	)
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
