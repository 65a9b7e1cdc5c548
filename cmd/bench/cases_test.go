package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitSQL_DropsCommentsAndBlanks(t *testing.T) {
	stmts := splitSQL(`
-- schema
CREATE TABLE a (id TEXT);

-- seed
INSERT INTO a VALUES ('x');
`)
	require.Equal(t, []string{"CREATE TABLE a (id TEXT)", "INSERT INTO a VALUES ('x')"}, stmts)
}

func TestExtractTables_ReadsMigration(t *testing.T) {
	tables, err := extractTables(filepath.Join("..", "..", "migrations", "0001_init.sql"))
	require.NoError(t, err)
	require.Contains(t, tables, "deliveries")
	require.Contains(t, tables, "delivery_notifications")
	require.Contains(t, tables, "delivery_zones")
}

func TestLoadConfig_FlagsAndEnv(t *testing.T) {
	t.Setenv("DISPATCH_BENCH_CONCURRENCY", "8")
	cfg, err := loadConfig([]string{"--base-url", "http://api.local/"})
	require.NoError(t, err)
	require.Equal(t, "http://api.local", cfg.BaseURL)
	require.Equal(t, 8, cfg.Concurrency)

	_, err = loadConfig([]string{"--concurrency", "1"})
	require.Error(t, err)
}

func TestEnvOrDefaultBool(t *testing.T) {
	t.Setenv("DISPATCH_BENCH_STRICT", "yes")
	require.True(t, envOrDefaultBool("DISPATCH_BENCH_STRICT", false))
	os.Unsetenv("DISPATCH_BENCH_STRICT")
	require.False(t, envOrDefaultBool("DISPATCH_BENCH_STRICT", false))
}
