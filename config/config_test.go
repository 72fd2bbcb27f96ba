package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpmcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.Databases, len(DefaultDatabases))
	for _, name := range DefaultDatabases {
		_, ok := cfg.Databases[name]
		assert.True(t, ok, "missing default database %s", name)
	}
	// Members routes reads through the query API instead of replicating.
	assert.True(t, cfg.Databases["members"].QueryOnly)
	assert.False(t, cfg.Databases["processes"].QueryOnly)
	assert.Equal(t, 30*time.Second, cfg.Interval())
	assert.Equal(t, 30*time.Second, cfg.Timeout())
}

func TestLoad(t *testing.T) {
	t.Run("FullFile", func(t *testing.T) {
		path := writeConfig(t, `
databases:
  processes:
    path: /var/lib/bpmcore/processes.db
  members:
    query_only: true
remote:
  addr: redis.internal:6379
  username: sync
  password: hunter2
  db: 3
query_api: https://api.example.com
sync:
  interval_sec: 10
  timeout_sec: 5
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Len(t, cfg.Databases, 2)
		assert.Equal(t, "/var/lib/bpmcore/processes.db", cfg.Databases["processes"].Path)
		assert.True(t, cfg.Databases["members"].QueryOnly)
		assert.Equal(t, "redis.internal:6379", cfg.Remote.Addr)
		assert.Equal(t, 3, cfg.Remote.DB)
		assert.Equal(t, "https://api.example.com", cfg.QueryAPI)
		assert.Equal(t, 10*time.Second, cfg.Interval())
		assert.Equal(t, 5*time.Second, cfg.Timeout())
	})

	t.Run("SyncDefaultsFilled", func(t *testing.T) {
		path := writeConfig(t, `
databases:
  processes: {}
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.Interval())
		assert.Equal(t, 30*time.Second, cfg.Timeout())
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("Malformed", func(t *testing.T) {
		path := writeConfig(t, "databases: [not, a, map]")
		_, err := Load(path)
		assert.Error(t, err)
	})
}
