package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"toolswitch-bot/backend/internal/graph"
	"toolswitch-bot/backend/internal/store"
	"toolswitch-bot/backend/internal/tools"
	"toolswitch-bot/backend/pkg/config"
	"toolswitch-bot/backend/pkg/logger"
)

const migrationVersion = "sqlite_current_tools_v1"

// Copies persisted current tools from the SQLite fallback store into Neo4j,
// for deployments moving from the local store to a graph database.
func main() {
	force := flag.Bool("force", false, "Copy again even if the migration was already applied")
	dryRun := flag.Bool("dry-run", false, "List what would be copied without writing")
	limit := flag.Int("limit", 10000, "Maximum number of entities to copy")
	flag.Parse()

	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting current-tool migration...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if !cfg.UseNeo4j() {
		log.Fatal("NEO4J_URI is required for the migration target")
	}
	defaultTool, err := tools.Parse(cfg.DefaultTool)
	if err != nil {
		log.Fatal("Invalid DEFAULT_TOOL", zap.Error(err))
	}

	local, err := store.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatal("Failed to open SQLite store", zap.Error(err))
	}
	defer local.Close()

	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	if !*force && !*dryRun {
		applied, err := checkMigrationApplied(ctx, driver)
		if err != nil {
			log.Fatal("Failed to check migration status", zap.Error(err))
		}
		if applied {
			log.Info("Migration already applied. Use -force to reapply.")
			os.Exit(0)
		}
	}

	rows, err := local.ListCurrentTools(ctx, defaultTool, *limit)
	if err != nil {
		log.Fatal("Failed to list SQLite current tools", zap.Error(err))
	}
	log.Info("Entities to copy", zap.Int("count", len(rows)))

	repo := graph.NewRepository(driver)
	if !*dryRun {
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to ensure schema", zap.Error(err))
		}
	}

	copied := 0
	for _, row := range rows {
		if !row.Tool.Valid() {
			log.Warn("Skipping unknown tool", zap.String("entity_id", row.EntityID), zap.String("tool", row.Tool.String()))
			continue
		}
		if *dryRun {
			log.Info("Would copy", zap.String("entity_id", row.EntityID), zap.String("tool", row.Tool.String()))
			continue
		}
		if err := repo.SaveCurrentTool(ctx, row.EntityID, row.Tool); err != nil {
			log.Error("Failed to copy entity", zap.String("entity_id", row.EntityID), zap.Error(err))
			continue
		}
		copied++
	}

	if *dryRun {
		log.Info("Dry run finished")
		return
	}
	if err := markMigrationApplied(ctx, driver, copied); err != nil {
		log.Warn("Failed to mark migration as applied", zap.Error(err))
	}
	log.Info("Migration completed successfully!", zap.Int("copied", copied))
}

func checkMigrationApplied(ctx context.Context, driver neo4j.DriverWithContext) (bool, error) {
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Migration {version: $version}) RETURN m.applied_at as applied_at`,
		map[string]interface{}{"version": migrationVersion},
	)
	if err != nil {
		return false, err
	}
	return result.Next(ctx), nil
}

func markMigrationApplied(ctx context.Context, driver neo4j.DriverWithContext, copied int) error {
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		MERGE (m:Migration {version: $version})
		SET m.applied_at = datetime(),
		    m.copied = $copied,
		    m.description = 'Current tools copied from the SQLite store'
	`, map[string]interface{}{"version": migrationVersion, "copied": copied})
	return err
}
