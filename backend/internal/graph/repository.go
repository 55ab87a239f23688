package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"toolswitch-bot/backend/internal/session"
	"toolswitch-bot/backend/internal/tools"
	"toolswitch-bot/backend/pkg/logger"
)

// Repository stores each entity's current tool on an (:Entity) node
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext) *Repository {
	return &Repository{
		driver: driver,
		logger: logger.Named("graph"),
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

// EnsureSchema creates the uniqueness constraint on entity ids
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`
	if _, err := session.Run(ctx, query, nil); err != nil {
		return fmt.Errorf("failed to create entity constraint: %w", err)
	}
	return nil
}

// LoadCurrentTool returns the persisted tool for entityID, or "" when the
// entity has never been saved
func (r *Repository) LoadCurrentTool(ctx context.Context, entityID string) (tools.ToolName, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (e:Entity {id: $entityID})
		RETURN e.current_tool as current_tool
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"entityID": entityID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to execute query: %w", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return "", fmt.Errorf("failed to fetch record: %w", err)
		}
		return "", nil
	}

	return tools.ToolName(getStringFromRecord(result.Record(), "current_tool")), nil
}

// SaveCurrentTool records tool as entityID's current tool
func (r *Repository) SaveCurrentTool(ctx context.Context, entityID string, tool tools.ToolName) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		MERGE (e:Entity {id: $entityID})
		ON CREATE SET e.created_at = datetime()
		SET e.current_tool = $tool,
		    e.updated_at = datetime()
		RETURN e.id as id
	`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"entityID": entityID,
		"tool":     string(tool),
	})
	if err != nil {
		return fmt.Errorf("failed to save current tool: %w", err)
	}
	if _, err := result.Single(ctx); err != nil {
		return fmt.Errorf("failed to verify current tool: %w", err)
	}

	r.logger.Debug("Current tool saved",
		zap.String("entity_id", entityID),
		zap.String("tool", string(tool)),
	)
	return nil
}

// ListCurrentTools returns every entity whose persisted tool differs from
// defaultTool, most recently updated first
func (r *Repository) ListCurrentTools(ctx context.Context, defaultTool tools.ToolName, limit int) ([]session.PersistedTool, error) {
	sess := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer sess.Close(ctx)

	if limit <= 0 {
		limit = 100
	}
	query := `
		MATCH (e:Entity)
		WHERE e.current_tool IS NOT NULL AND e.current_tool <> $defaultTool
		RETURN e.id as id, e.current_tool as current_tool, e.updated_at as updated_at
		ORDER BY e.updated_at DESC
		LIMIT $limit
	`

	result, err := sess.Run(ctx, query, map[string]interface{}{
		"defaultTool": string(defaultTool),
		"limit":       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list current tools: %w", err)
	}

	var out []session.PersistedTool
	for result.Next(ctx) {
		record := result.Record()
		out = append(out, session.PersistedTool{
			EntityID:  getStringFromRecord(record, "id"),
			Tool:      tools.ToolName(getStringFromRecord(record, "current_tool")),
			UpdatedAt: getTimeFromRecord(record, "updated_at"),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read current tools: %w", err)
	}
	return out, nil
}
