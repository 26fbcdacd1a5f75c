package engine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CRJFisher/bergamot/internal/config"
	"github.com/CRJFisher/bergamot/internal/engine"
	"github.com/CRJFisher/bergamot/internal/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		DBPath:           filepath.Join(dir, "bergamot.db"),
		ContentStorePath: filepath.Join(dir, "content"),
		BatchSize:        3,
		BatchTimeoutMs:   50,
		OrphanRetryMs:    3600000,
		OrphanMaxRetries: 3,
		OrphanMaxAgeMs:   60000,
	}
}

func TestSubmitRejectsMissingURL(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(ctx, testConfig(t))
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Submit(types.NewVisitPayload{Content: "x", PageLoadedAt: "2025-01-01T10:00:00Z"})
	require.Error(t, err)
	var schemaErr *engine.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestSubmitAcceptsValidPayload(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(ctx, testConfig(t))
	require.NoError(t, err)
	e.Start(ctx)
	defer e.Stop()

	result, err := e.Submit(types.NewVisitPayload{
		URL:          "https://a.com/",
		PageLoadedAt: "2025-01-01T10:00:00Z",
		Content:      "hello",
	})
	require.NoError(t, err)
	require.Equal(t, "queued", result.Status)
	require.Equal(t, 1, result.Position)

	time.Sleep(200 * time.Millisecond) // let the batch process before Stop
}
