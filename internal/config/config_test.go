package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CRJFisher/bergamot/internal/config"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.BatchSize)
	require.Equal(t, time.Second, cfg.BatchTimeout())
	require.Equal(t, 5*time.Second, cfg.OrphanRetryInterval())
	require.Equal(t, 3, cfg.OrphanMaxRetries)
	require.Equal(t, 60*time.Second, cfg.OrphanMaxAge())
}

func TestLoadReadsTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bergamot.toml")
	body := `
db_path = "/var/lib/bergamot/data.db"
batch_size = 5
aggregator_hosts = ["news.ycombinator.com", "reddit.com"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, _, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/bergamot/data.db", cfg.DBPath)
	require.Equal(t, 5, cfg.BatchSize)
	require.Equal(t, []string{"news.ycombinator.com", "reddit.com"}, cfg.AggregatorHosts)
}

func TestEnvVarOverridesFileValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bergamot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`batch_size = 5`), 0o600))

	t.Setenv("BERGAMOT_BATCH_SIZE", "9")

	cfg, _, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.BatchSize)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bergamot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`batch_size = 3`), 0o600))

	reloaded := make(chan config.Config, 1)
	stop, err := config.Watch(path, func(c config.Config) { reloaded <- c })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte(`batch_size = 8`), 0o600))

	select {
	case c := <-reloaded:
		require.Equal(t, 8, c.BatchSize)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
