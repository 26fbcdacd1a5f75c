package aggregator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsAggregatorExactHostMatch(t *testing.T) {
	c := New([]string{"news.ycombinator.com", "reddit.com"})

	require.True(t, c.IsAggregator("https://news.ycombinator.com/"))
	require.True(t, c.IsAggregator("https://news.ycombinator.com"))
	require.True(t, c.IsAggregator("https://news.ycombinator.com/item?id=1"))
	require.False(t, c.IsAggregator("https://a.com/x"))
}

func TestIsAggregatorMalformedURLFailsOpen(t *testing.T) {
	c := New([]string{"news.ycombinator.com"})
	require.False(t, c.IsAggregator("not a url \x7f"))
}

func TestSetHostsReplacesSet(t *testing.T) {
	c := New([]string{"a.com"})
	require.True(t, c.IsAggregator("https://a.com/"))

	c.SetHosts([]string{"b.com"})
	require.False(t, c.IsAggregator("https://a.com/"))
	require.True(t, c.IsAggregator("https://b.com/"))
}

func TestWatchFileReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.toml")
	require.NoError(t, os.WriteFile(path, []byte("hosts = [\"a.com\"]\n"), 0o640))

	c := New(nil)
	stop, err := c.WatchFile(path)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("hosts = [\"b.com\"]\n"), 0o640))

	require.Eventually(t, func() bool {
		return c.IsAggregator("https://b.com/")
	}, 2*time.Second, 20*time.Millisecond)
}
