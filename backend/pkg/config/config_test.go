package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NEO4J_URI", "")
	t.Setenv("SHARED_HISTORY", "")
	t.Setenv("DEFAULT_TOOL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Chat", cfg.DefaultTool)
	assert.False(t, cfg.UseNeo4j())
	assert.False(t, cfg.SharedHistory)
	assert.Equal(t, 5*time.Second, cfg.PersistTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SHARED_HISTORY", "true")
	t.Setenv("PERSIST_TIMEOUT", "250ms")
	t.Setenv("NEO4J_URI", "bolt://db:7687")
	t.Setenv("NEO4J_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.SharedHistory)
	assert.True(t, cfg.UseNeo4j())
	assert.Equal(t, 250*time.Millisecond, cfg.PersistTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite only", Config{SQLitePath: "x.db", DefaultTool: "Chat", PersistTimeout: time.Second}, false},
		{"no store", Config{DefaultTool: "Chat", PersistTimeout: time.Second}, true},
		{"neo4j without password", Config{Neo4jURI: "bolt://x", DefaultTool: "Chat", PersistTimeout: time.Second}, true},
		{"no default tool", Config{SQLitePath: "x.db", PersistTimeout: time.Second}, true},
		{"zero persist timeout", Config{SQLitePath: "x.db", DefaultTool: "Chat"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
