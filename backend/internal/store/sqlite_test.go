package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolswitch-bot/backend/internal/tools"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "toolswitch_test.db")
	s, err := Open(dbPath)
	require.NoError(t, err, "Open(%q)", dbPath)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadMissing(t *testing.T) {
	s := testStore(t)

	tool, err := s.LoadCurrentTool(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, tool)
}

func TestSaveUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCurrentTool(ctx, "user-1", tools.WebSearch))
	require.NoError(t, s.SaveCurrentTool(ctx, "user-1", tools.ImageGen))
	require.NoError(t, s.SaveCurrentTool(ctx, "guild-9", tools.Chat))

	tool, err := s.LoadCurrentTool(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tools.ImageGen, tool)

	active, err := s.ListCurrentTools(ctx, tools.Chat, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "user-1", active[0].EntityID)
	assert.Equal(t, tools.ImageGen, active[0].Tool)
	assert.False(t, active[0].UpdatedAt.IsZero())
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.SaveCurrentTool(ctx, "user-1", tools.FactStore))
	require.NoError(t, s.Close())

	s, err = Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	tool, err := s.LoadCurrentTool(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, tools.FactStore, tool)
}

func TestSensitivityAudit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSensitivityChange(ctx, SensitivityChange{Target: "global", Field: "cooldown_period", Value: "90s", Actor: "admin"}))
	require.NoError(t, s.RecordSensitivityChange(ctx, SensitivityChange{Target: "ImageGen", Field: "confidence_threshold", Value: "0.85", Actor: "admin"}))

	changes, err := s.SensitivityChanges(ctx, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "ImageGen", changes[0].Target)
	assert.Equal(t, "cooldown_period", changes[1].Field)
	assert.False(t, changes[0].ChangedAt.IsZero())
}
