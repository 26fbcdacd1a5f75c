package idgen

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisitIDMatchesVector(t *testing.T) {
	ts, err := time.Parse(time.RFC3339, "2025-01-01T10:00:00Z")
	require.NoError(t, err)

	got := VisitID("https://a.com/x", ts)

	sum := md5.Sum([]byte("https://a.com/x:2025-01-01T10:00:00Z")) //nolint:gosec
	want := hex.EncodeToString(sum[:])

	assert.Equal(t, want, got)
}

func TestVisitIDDeterministic(t *testing.T) {
	ts, _ := time.Parse(time.RFC3339, "2025-06-01T00:00:00Z")
	a := VisitID("https://example.com/page", ts)
	b := VisitID("https://example.com/page", ts)
	assert.Equal(t, a, b)
}

func TestTreeIDIsVisitIDOfRoot(t *testing.T) {
	ts, _ := time.Parse(time.RFC3339, "2025-06-01T00:00:00Z")
	assert.Equal(t, VisitID("https://root.com/", ts), TreeID("https://root.com/", ts))
}

func TestVisitIDDiffersOnInputChange(t *testing.T) {
	ts, _ := time.Parse(time.RFC3339, "2025-06-01T00:00:00Z")
	a := VisitID("https://a.com/x", ts)
	b := VisitID("https://a.com/y", ts)
	assert.NotEqual(t, a, b)
}
