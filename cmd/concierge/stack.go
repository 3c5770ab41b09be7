package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/nugget/concierge/internal/action"
	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/checkpoint"
	"github.com/nugget/concierge/internal/config"
	"github.com/nugget/concierge/internal/health"
	"github.com/nugget/concierge/internal/journal"
	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/mcp"
	"github.com/nugget/concierge/internal/notify"
	"github.com/nugget/concierge/internal/opstate"
	"github.com/nugget/concierge/internal/orchestrator"
	"github.com/nugget/concierge/internal/reasoning"
	"github.com/nugget/concierge/internal/usage"
)

// stack is everything a running driver depends on.
type stack struct {
	catalog  *catalog.Catalog
	db       *sql.DB
	pool     *mcp.Pool
	client   llm.Client
	journal  *journal.Store
	usage    *usage.Store
	opstate  *opstate.Store
	reasoner *reasoning.LLM
	driver   *orchestrator.Driver
	logger   *slog.Logger
}

// openStack builds the driver from configuration: catalog, action
// servers, journal, usage and checkpoint stores, and model client. Extra notifiers
// receive driver events alongside the log.
func openStack(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger, notifiers ...notify.Notifier) (_ *stack, err error) {
	s := &stack{logger: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.catalog, err = loadCatalog(cfg, cfgPath)
	if err != nil {
		return nil, err
	}
	logger.Info("catalog loaded", "specialists", len(s.catalog.IDs()))

	s.db, err = openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.NewSQLStore(s.db)
	if err != nil {
		return nil, err
	}
	s.journal, err = journal.NewStore(s.db)
	if err != nil {
		return nil, err
	}

	s.opstate, err = opstate.NewStore(s.db)
	if err != nil {
		return nil, err
	}
	s.usage, err = usage.NewStore(s.db,
		usage.WithPricing(cfg.Pricing()),
		usage.WithProvider(cfg.ProviderFor),
		usage.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	var invoker action.Invoker
	if len(cfg.ActionServers) == 0 {
		logger.Warn("no action servers configured, every action will fail")
		invoker = action.Func(func(context.Context, action.Call) action.Result {
			return action.Failure("no action server configured")
		})
	} else {
		s.pool, err = mcp.Connect(ctx, serverConfigs(cfg.ActionServers), logger)
		if err != nil {
			return nil, fmt.Errorf("connect action servers: %w", err)
		}
		available, err := s.pool.Available(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.catalog.ValidateAgainst(available, s.pool.Default()); err != nil {
			return nil, fmt.Errorf("catalog does not match action servers: %w", err)
		}
		invoker = action.NewMCPInvoker(s.pool, actionTimeout(cfg.ActionServers), logger)
	}
	invoker = journal.Wrap(invoker, s.journal, logger)

	var schemas reasoning.SchemaSource
	if s.pool != nil {
		schemas = s.pool
	}
	s.client = createLLMClient(cfg, logger)
	s.reasoner = reasoning.NewLLM(s.client, cfg.Models.Default, schemas, logger)
	s.reasoner.ObserveUsage(s.usage)

	n := notify.Multi{logNotifier(logger)}
	n = append(n, notifiers...)

	s.driver, err = orchestrator.New(s.catalog, s.reasoner, invoker, store,
		orchestrator.WithLimits(cfg.Driver.MaxSteps, cfg.Driver.MaxDepth),
		orchestrator.WithDefaultContext(cfg.Context),
		orchestrator.WithNotifier(n),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// watchHealth registers the model providers and every action server
// with m.
func (s *stack) watchHealth(ctx context.Context, m *health.Monitor) error {
	err := m.Watch(ctx, health.Check{
		Name:  "models",
		Probe: s.client.Ping,
		// A hosted provider ping is a billed request.
		Schedule: health.Schedule{PollInterval: 5 * time.Minute},
	})
	if err != nil {
		return err
	}
	if s.pool == nil {
		return nil
	}
	for _, name := range s.pool.Servers() {
		c, _ := s.pool.Client(name)
		if err := m.Watch(ctx, health.Check{Name: "action:" + name, Probe: c.Ping}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the action servers and the database.
func (s *stack) Close() error {
	var errs []error
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// openDatabase opens the SQLite database in the data directory,
// creating the directory first.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "concierge.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// loadCatalog reads the configured catalog file, relative to the config
// file, or falls back to the built-in catalog.
func loadCatalog(cfg *config.Config, cfgPath string) (*catalog.Catalog, error) {
	if cfg.CatalogFile == "" {
		return catalog.Builtin(), nil
	}
	path := cfg.CatalogFile
	if !filepath.IsAbs(path) && cfgPath != "" {
		path = filepath.Join(filepath.Dir(cfgPath), path)
	}
	return catalog.Load(path)
}

func serverConfigs(servers []config.ActionServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(servers))
	for _, s := range servers {
		env := make([]string, 0, len(s.Env))
		for k, v := range s.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		out = append(out, mcp.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			Command:   s.Command,
			Args:      s.Args,
			Env:       env,
			Dir:       s.Dir,
			URL:       s.URL,
			Headers:   s.Headers,
		})
	}
	return out
}

// actionTimeout is the longest configured per-server timeout. Zero
// leaves the deadline to the request.
func actionTimeout(servers []config.ActionServerConfig) time.Duration {
	var longest int
	for _, s := range servers {
		longest = max(longest, s.TimeoutSec)
	}
	return time.Duration(longest) * time.Second
}

// createLLMClient maps each configured model to its provider. Unmapped
// models go to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("anthropic provider configured")
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	provider := cfg.ProviderFor(cfg.Models.Default)
	if provider == "" {
		provider = "ollama"
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", provider)
	return multi
}

func logNotifier(logger *slog.Logger) notify.Notifier {
	return notify.Func(func(ctx context.Context, e notify.Event) {
		attrs := []any{"type", e.Type, "conversation", e.ConversationID}
		if e.Unit != "" {
			attrs = append(attrs, "unit", e.Unit)
		}
		if e.Action != "" {
			attrs = append(attrs, "action", e.Action)
		}
		if e.Target != "" {
			attrs = append(attrs, "target", e.Target)
		}
		if e.Verdict != "" {
			attrs = append(attrs, "verdict", e.Verdict)
		}
		logger.InfoContext(ctx, "conversation event", attrs...)
	})
}
