package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"toolswitch-bot/backend/internal/adapter"
	"toolswitch-bot/backend/internal/api"
	"toolswitch-bot/backend/internal/detect"
	"toolswitch-bot/backend/internal/discord"
	"toolswitch-bot/backend/internal/graph"
	"toolswitch-bot/backend/internal/orchestration"
	"toolswitch-bot/backend/internal/sensitivity"
	"toolswitch-bot/backend/internal/session"
	"toolswitch-bot/backend/internal/store"
	"toolswitch-bot/backend/internal/tools"
	"toolswitch-bot/backend/pkg/config"
	apperrors "toolswitch-bot/backend/pkg/errors"
	"toolswitch-bot/backend/pkg/logger"
)

func main() {
	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}
	if err := logger.Init(env); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting tool orchestration bot...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Bot stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	log.Info("Bot exited")
}

// persistence is what the current-tool store must offer: the registry's
// load/save contract plus a listing for the admin API
type persistence interface {
	session.Store
	api.PersistedLister
}

// run wires every component and blocks until ctx is cancelled or one of the
// long-running parts fails
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	defaultTool, err := tools.Parse(cfg.DefaultTool)
	if err != nil {
		return fmt.Errorf("DEFAULT_TOOL: %w", err)
	}

	rules, err := sensitivity.Open(cfg.SensitivityFile, log.Named("sensitivity"))
	if err != nil {
		return fmt.Errorf("load sensitivity rules: %w", err)
	}

	// SQLite always holds the sensitivity audit log; it also stores the
	// current tool unless Neo4j is configured.
	local, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer local.Close()

	persist, closePersist, err := openPersistence(ctx, cfg, local, log)
	if err != nil {
		return err
	}
	defer closePersist()

	scheduler := session.NewScheduler(nil, log.Named("scheduler"))
	registry := session.NewRegistry(defaultTool, scheduler, persist, log.Named("registry"))
	registry.SetPersistTimeout(cfg.PersistTimeout)
	defer registry.Close()

	classifier := detect.NewClassifier(rules, detect.NewHistory(), nil, log.Named("detect"))
	facade := orchestration.New(rules, classifier, registry, log.Named("orchestration"))
	facade.SetSharedHistory(cfg.SharedHistory)
	facade.SetAuditor(local)
	restoreSessions(ctx, persist, registry, log)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := orchestration.NewMetrics(promRegistry)
	metrics.RegisterActive(promRegistry, registry.ActiveCount, scheduler.Active)
	facade.SetMetrics(metrics)

	llm := adapter.NewLLMAdapter(cfg.LiteLLMURL, cfg.OpenRouterAPIKey, cfg.ModelID)
	dispatcher := tools.NewDispatcher(tools.NewPromptHandler(llm, facade), log.Named("dispatcher"))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Facade:     facade,
		Dispatcher: dispatcher,
		Persisted:  persist,
		Changes:    local,
		Gatherer:   promRegistry,
		AdminToken: cfg.AdminToken,
		Logger:     log.Named("api"),
	})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.WatchSensitivity && rules.Path() != "" {
		if _, err := os.Stat(rules.Path()); err == nil {
			watcher, err := sensitivity.NewWatcher(rules)
			if err != nil {
				return err
			}
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}

	srv := api.NewServer(":"+cfg.Port, router, log.Named("api"))
	g.Go(func() error { return srv.Run(ctx) })

	if cfg.DiscordBotToken != "" {
		handler := discord.NewHandler(facade, dispatcher, log.Named("discord"))
		g.Go(func() error { return runDiscord(ctx, cfg, handler, log) })
	} else {
		log.Warn("DISCORD_BOT_TOKEN not set, running the admin API only")
	}

	return g.Wait()
}

// restoreLimit bounds how many persisted sessions are re-armed at startup;
// the rest are restored when their entity is first seen
const restoreLimit = 1000

// restoreSessions re-arms the persisted tools of the previous process so
// status commands and timers see them before the entity sends anything
func restoreSessions(ctx context.Context, persist api.PersistedLister, registry *session.Registry, log *zap.Logger) {
	rows, err := persist.ListCurrentTools(ctx, registry.DefaultTool(), restoreLimit)
	if err != nil {
		log.Warn("Failed to list persisted tools, restoring lazily", zap.Error(err))
		return
	}
	restored := 0
	for _, row := range rows {
		if registry.Restore(ctx, row.EntityID).Active() {
			restored++
		}
	}
	log.Info("Restored persisted sessions", zap.Int("count", restored))
}

// openPersistence picks the current-tool store: Neo4j when configured,
// otherwise the local SQLite store
func openPersistence(ctx context.Context, cfg *config.Config, local *store.Store, log *zap.Logger) (persistence, func(), error) {
	if !cfg.UseNeo4j() {
		log.Info("Persisting current tools in SQLite", zap.String("path", cfg.SQLitePath))
		return local, func() {}, nil
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(context.Background())
		return nil, nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	repo := graph.NewRepository(driver)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Warn("Failed to ensure graph schema", zap.Error(err))
	}
	log.Info("Persisting current tools in Neo4j", zap.String("uri", cfg.Neo4jURI))
	return repo, func() { _ = repo.Close() }, nil
}

func runDiscord(ctx context.Context, cfg *config.Config, handler *discord.Handler, log *zap.Logger) error {
	dg, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		return apperrors.NewBaseError(apperrors.ErrorTypeDiscord, "create session", err)
	}

	dg.AddHandler(handler.HandleMessage)
	dg.AddHandler(handler.HandleInteraction)
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	if err := dg.Open(); err != nil {
		return apperrors.NewBaseError(apperrors.ErrorTypeDiscord, "open connection", err)
	}
	defer dg.Close()

	if err := discord.RegisterCommands(dg, cfg.DiscordGuildID); err != nil {
		log.Error("Failed to register slash commands", zap.Error(err))
	} else {
		log.Info("Slash commands registered",
			zap.String("guild_id", cfg.DiscordGuildID),
			zap.Int("count", len(discord.Commands())),
		)
	}

	log.Info("Discord bot is running. Press CTRL-C to exit.")
	<-ctx.Done()
	log.Info("Shutting down Discord bot...")
	return nil
}
