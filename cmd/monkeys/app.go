package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nidhogg/code-monkeys/internal/agent"
	"github.com/nidhogg/code-monkeys/internal/bootstrap"
	"github.com/nidhogg/code-monkeys/internal/config"
	"github.com/nidhogg/code-monkeys/internal/crew"
	"github.com/nidhogg/code-monkeys/internal/embedding"
	"github.com/nidhogg/code-monkeys/internal/gateway"
	"github.com/nidhogg/code-monkeys/internal/mcp"
	"github.com/nidhogg/code-monkeys/internal/memory"
	"github.com/nidhogg/code-monkeys/internal/orchestrator"
	"github.com/nidhogg/code-monkeys/internal/provider"
	"github.com/nidhogg/code-monkeys/internal/sandbox"
	"github.com/nidhogg/code-monkeys/internal/skill"
	"github.com/nidhogg/code-monkeys/internal/store"
	"github.com/nidhogg/code-monkeys/internal/vectorstore"
	"github.com/nidhogg/code-monkeys/internal/window"
)

// app is the wired process: every component a command needs, plus the
// resources to release on shutdown.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	skills      *skill.Manager
	registry    *agent.Registry
	crew        *crew.Crew
	substrate   *memory.Substrate
	pg          *store.Store
	bus         *orchestrator.MessageBus
	gw          *gateway.Gateway
	broadcaster *gateway.Broadcaster
	mcpPool     *mcp.Pool
	qdrant      *vectorstore.Client
}

// loadConfig reads the process configuration and overlays the environment.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	bootstrap.FromEnv().Apply(cfg)

	level := logLevel
	if level == "" {
		level = cfg.Server.LogLevel
	}
	logger, err := newLogger(level)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("config loaded", zap.String("path", configPath), zap.Bool("telemetry_disabled", cfg.Telemetry.Disabled))
	return cfg, logger, nil
}

// loadRegistry builds the skill catalog and the worker registry.
func loadRegistry(cfg *config.Config, logger *zap.Logger) (*skill.Manager, *agent.Registry, error) {
	skills := skill.NewManager()
	skill.RegisterBuiltins(skills)
	if cfg.SkillsDir != "" {
		loaded, err := skill.LoadFromDir(cfg.SkillsDir)
		if err != nil {
			logger.Warn("skills directory unreadable", zap.String("dir", cfg.SkillsDir), zap.Error(err))
		}
		for _, s := range loaded {
			skills.Add(s)
		}
	}

	doc, err := config.LoadWorkers(cfg.Crew.Workers)
	if err != nil {
		return nil, nil, err
	}
	registry, err := agent.FromConfig(doc, skills)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("workers loaded",
		zap.Int("count", len(registry.List())), zap.String("coordinator", registry.Coordinator().RoleID))
	return skills, registry, nil
}

// newApp wires the whole process. A failing optional backend (Postgres,
// Redis, Qdrant, Neo4j, MCP servers, chat platforms) is logged and skipped.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if _, err := bootstrap.NewInstaller(cfg.Bootstrap, logger).EnsureInstaller(ctx); err != nil {
		return nil, err
	}

	skills, registry, err := loadRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.skills, a.registry = skills, registry

	tasksDoc, err := config.LoadTasks(cfg.Crew.Tasks)
	if err != nil {
		return nil, err
	}

	router, err := provider.FromConfig(cfg.Providers, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Postgres.DSN != "" {
		pg, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without run history", zap.Error(err))
		} else if err := pg.Migrate(ctx, "migrations"); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		} else {
			a.pg = pg
		}
	}

	if err := a.openMemory(ctx); err != nil {
		a.Close()
		return nil, err
	}

	engine := agent.NewEngine(router, registry, logger)
	engine.SetSkills(skills)
	engine.SetRecaller(a.substrate)
	engine.SetRunner(sandbox.ModeSafe, sandbox.NewRunner(sandbox.DefaultPolicy(sandbox.ModeSafe), logger))
	engine.SetRunner(sandbox.ModeUnsafe, sandbox.NewRunner(sandbox.DefaultPolicy(sandbox.ModeUnsafe), logger))

	a.mcpPool = mcp.NewPool(logger)
	for _, sc := range cfg.MCP.Servers {
		c := mcp.NewClient(sc.Name, sc.URL, logger)
		if err := c.Connect(ctx); err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		a.mcpPool.Add(c)
	}
	engine.SetToolCaller(a.mcpPool)

	sinks := orchestrator.MultiSink{orchestrator.NewLogSink(logger)}
	if a.pg != nil {
		sinks = append(sinks, a.pg.Attempts())
	}
	if !cfg.Telemetry.Disabled {
		a.openTelemetry(ctx)
		if a.bus != nil {
			sinks = append(sinks, a.bus)
		}
		if a.broadcaster != nil {
			sinks = append(sinks, a.broadcaster)
		}
	}

	resolver := orchestrator.NewResolver(registry, orchestrator.NewCoordinator(registry, engine, logger))
	orch := orchestrator.NewEngine(resolver, engine, a.substrate, sinks, orchestrator.Options{
		MaxParallel: cfg.Crew.MaxParallel,
		RetryDelay:  cfg.Crew.RetryDelay(),
	}, logger)

	a.crew = crew.New(orchestrator.SpecsFromConfig(tasksDoc), orch, cfg.Crew.OutputDir, logger)
	a.crew.SetMemory(a.substrate)
	if a.pg != nil {
		a.crew.SetRecorder(a.pg)
	}
	if a.broadcaster != nil {
		a.crew.SetNotifier(a.broadcaster)
	}
	return a, nil
}

// openMemory builds the three memory tiers over the configured backends.
func (a *app) openMemory(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	embedder, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return err
	}

	var long memory.Store
	if cfg.Memory.LongTermBackend == "postgres" && a.pg != nil {
		long = a.pg.LongTerm()
	} else {
		if cfg.Memory.LongTermBackend == "postgres" {
			logger.Warn("long-term backend postgres unavailable, using sqlite", zap.String("path", cfg.Memory.LongTermPath))
		}
		lt, err := memory.OpenLongTerm(cfg.Memory.LongTermPath, logger)
		if err != nil {
			return err
		}
		long = lt
	}

	var shortIndex memory.Index
	if cfg.Memory.ShortTermBackend == "qdrant" {
		client, err := vectorstore.NewClient(cfg.Database.Qdrant.Host, cfg.Database.Qdrant.Port)
		if err == nil {
			idx, idxErr := vectorstore.NewIndex(ctx, client, "short_term_memory", embedder.Dimension(), logger)
			if idxErr == nil {
				a.qdrant, shortIndex = client, idx
			} else {
				client.Close()
				err = idxErr
			}
		}
		if err != nil {
			logger.Warn("Qdrant unavailable, using file index for short-term memory", zap.Error(err))
		}
	}
	if shortIndex == nil {
		idx, err := memory.NewFileIndex(filepath.Join(cfg.Memory.IndexDir, "short_term"))
		if err != nil {
			return err
		}
		shortIndex = idx
	}

	var entityIndex memory.Index
	if cfg.Memory.EntityBackend == "neo4j" {
		n := cfg.Database.Neo4j
		idx, err := memory.NewGraphIndex(n.URI, n.User, n.Password, logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, using file index for entity memory", zap.Error(err))
		} else {
			entityIndex = idx
		}
	}
	if entityIndex == nil {
		idx, err := memory.NewFileIndex(filepath.Join(cfg.Memory.IndexDir, "entities"))
		if err != nil {
			return err
		}
		entityIndex = idx
	}

	topK := cfg.Memory.TopK
	a.substrate = memory.NewSubstrate(
		long,
		memory.NewShortTerm(embedder, shortIndex, topK, logger),
		memory.NewEntity(embedder, entityIndex, topK, logger),
		window.NewManager(cfg.Memory.ContextTokens, logger),
		memory.Options{TopK: topK, RetainIndex: cfg.Memory.RetainIndex},
		logger,
	)
	return nil
}

// openTelemetry connects the event bus and the chat notifiers.
func (a *app) openTelemetry(ctx context.Context) {
	cfg, logger := a.cfg, a.logger

	if cfg.Database.Redis.URL != "" {
		bus, err := orchestrator.NewMessageBus(ctx, cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(err))
		} else {
			a.bus = bus
		}
	}

	gw := gateway.NewGateway(logger)
	if s := cfg.Gateway.Slack; s.Enabled && s.BotToken != "" {
		gw.Register(gateway.NewSlackAdapter(s.BotToken, s.ChannelID, logger))
	}
	if d := cfg.Gateway.Discord; d.Enabled && d.BotToken != "" {
		gw.Register(gateway.NewDiscordAdapter(d.BotToken, d.ChannelID, logger))
	}
	if err := gw.ConnectAll(ctx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}
	a.gw = gw
	if len(gw.Adapters()) > 0 {
		a.broadcaster = gateway.NewBroadcaster(gw, logger)
	}
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() {
	if a.crew != nil {
		a.crew.Close()
	}
	if a.gw != nil {
		a.gw.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.mcpPool != nil {
		a.mcpPool.Close()
	}
	if a.substrate != nil {
		if err := a.substrate.Close(); err != nil {
			a.logger.Warn("memory close failed", zap.Error(err))
		}
	}
	if a.qdrant != nil {
		a.qdrant.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
}
