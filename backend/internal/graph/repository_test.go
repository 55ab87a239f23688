package graph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolswitch-bot/backend/internal/tools"
)

// TestRepository requires a running Neo4j instance
// Set NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD environment variables
func TestRepository_SaveAndLoadCurrentTool(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	driver := createTestDriver(t)
	defer driver.Close(ctx)

	repo := NewRepository(driver)
	require.NoError(t, repo.EnsureSchema(ctx))
	entityID := "test-entity-" + time.Now().Format("20060102150405")

	// Clean up
	defer func() {
		session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
		defer session.Close(ctx)
		_, _ = session.Run(ctx, "MATCH (e:Entity {id: $id}) DETACH DELETE e", map[string]interface{}{"id": entityID})
	}()

	tool, err := repo.LoadCurrentTool(ctx, entityID)
	require.NoError(t, err)
	assert.Empty(t, tool, "unknown entities have no persisted tool")

	require.NoError(t, repo.SaveCurrentTool(ctx, entityID, tools.ImageGen))
	tool, err = repo.LoadCurrentTool(ctx, entityID)
	require.NoError(t, err)
	assert.Equal(t, tools.ImageGen, tool)

	listed, err := repo.ListCurrentTools(ctx, tools.Chat, 1000)
	require.NoError(t, err)
	found := false
	for _, row := range listed {
		if row.EntityID == entityID {
			found = true
			assert.Equal(t, tools.ImageGen, row.Tool)
		}
	}
	assert.True(t, found, "active entity missing from listing")

	require.NoError(t, repo.SaveCurrentTool(ctx, entityID, tools.Chat))
	tool, err = repo.LoadCurrentTool(ctx, entityID)
	require.NoError(t, err)
	assert.Equal(t, tools.Chat, tool)
}

func createTestDriver(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	uri := getEnv("NEO4J_URI", "bolt://localhost:7687")
	user := getEnv("NEO4J_USER", "neo4j")
	password := getEnv("NEO4J_PASSWORD", "password")

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	require.NoError(t, err)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(context.Background())
		t.Skipf("Neo4j not reachable at %s: %v", uri, err)
	}
	return driver
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
