package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CRJFisher/bergamot/internal/idgen"
	"github.com/CRJFisher/bergamot/internal/reconciler"
	"github.com/CRJFisher/bergamot/internal/storage/sqlite"
	"github.com/CRJFisher/bergamot/internal/types"
)

type staticAggregator struct{ hosts map[string]bool }

func (a staticAggregator) IsAggregator(url string) bool { return a.hosts[url] }

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	path := t.TempDir() + "/test.db"
	store, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.CreateSchema(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestDirectNavigationCreatesRootTree(t *testing.T) {
	store := openTestStore(t)
	rc := reconciler.New(store, staticAggregator{})
	ctx := context.Background()

	at := mustTime(t, "2025-01-01T10:00:00Z")
	nv := types.NewVisit{VisitID: idgen.VisitID("https://a.com/x", at), URL: "https://a.com/x", PageLoadedAt: at}

	result, err := rc.Reconcile(ctx, nv)
	require.NoError(t, err)
	require.True(t, result.TreeChanged)
	require.Equal(t, nv.VisitID, result.TreeID)
	require.Equal(t, "", result.Visit.ReferrerVisitID)
}

func TestChildViaReferrerAttachesToParentTree(t *testing.T) {
	store := openTestStore(t)
	rc := reconciler.New(store, staticAggregator{})
	ctx := context.Background()

	parentAt := mustTime(t, "2025-01-01T10:00:00Z")
	parent := types.NewVisit{VisitID: idgen.VisitID("https://a.com/x", parentAt), URL: "https://a.com/x", PageLoadedAt: parentAt}
	parentResult, err := rc.Reconcile(ctx, parent)
	require.NoError(t, err)

	childAt := mustTime(t, "2025-01-01T10:01:00Z")
	child := types.NewVisit{
		VisitID:      idgen.VisitID("https://b.com/y", childAt),
		URL:          "https://b.com/y",
		Referrer:     "https://a.com/x",
		PageLoadedAt: childAt,
	}
	childResult, err := rc.Reconcile(ctx, child)
	require.NoError(t, err)

	require.Equal(t, parentResult.TreeID, childResult.TreeID)
	require.Equal(t, parent.VisitID, childResult.Visit.ReferrerVisitID)
}

func TestTruncatedReferrerStillMatches(t *testing.T) {
	store := openTestStore(t)
	rc := reconciler.New(store, staticAggregator{})
	ctx := context.Background()

	rootAt := mustTime(t, "2025-01-01T10:00:00Z")
	root := types.NewVisit{VisitID: idgen.VisitID("https://a.com/x", rootAt), URL: "https://a.com/x", PageLoadedAt: rootAt}
	rootResult, err := rc.Reconcile(ctx, root)
	require.NoError(t, err)

	childAt := mustTime(t, "2025-01-01T10:02:00Z")
	child := types.NewVisit{
		VisitID:      idgen.VisitID("https://c.com/z", childAt),
		URL:          "https://c.com/z",
		Referrer:     "https://a.com/",
		PageLoadedAt: childAt,
	}
	childResult, err := rc.Reconcile(ctx, child)
	require.NoError(t, err)

	require.Equal(t, rootResult.TreeID, childResult.TreeID)
	require.Equal(t, root.VisitID, childResult.Visit.ReferrerVisitID)
}

func TestAggregatorRootIsSkipped(t *testing.T) {
	store := openTestStore(t)
	rc := reconciler.New(store, staticAggregator{hosts: map[string]bool{"https://news.ycombinator.com/": true}})
	ctx := context.Background()

	at := mustTime(t, "2025-01-01T11:00:00Z")
	nv := types.NewVisit{VisitID: idgen.VisitID("https://news.ycombinator.com/", at), URL: "https://news.ycombinator.com/", PageLoadedAt: at}

	result, err := rc.Reconcile(ctx, nv)
	require.NoError(t, err)
	require.Equal(t, "", result.TreeID)
	require.False(t, result.TreeChanged)
}

func TestAggregatorWithReferrerAttachesNormally(t *testing.T) {
	store := openTestStore(t)
	agg := staticAggregator{hosts: map[string]bool{"https://news.ycombinator.com/": true}}
	rc := reconciler.New(store, agg)
	ctx := context.Background()

	rootAt := mustTime(t, "2025-01-01T10:00:00Z")
	root := types.NewVisit{VisitID: idgen.VisitID("https://a.com/x", rootAt), URL: "https://a.com/x", PageLoadedAt: rootAt}
	rootResult, err := rc.Reconcile(ctx, root)
	require.NoError(t, err)

	childAt := mustTime(t, "2025-01-01T10:01:00Z")
	child := types.NewVisit{
		VisitID:      idgen.VisitID("https://news.ycombinator.com/", childAt),
		URL:          "https://news.ycombinator.com/",
		Referrer:     "https://a.com/x",
		PageLoadedAt: childAt,
	}
	childResult, err := rc.Reconcile(ctx, child)
	require.NoError(t, err)
	require.Equal(t, rootResult.TreeID, childResult.TreeID)
}

func TestPhantomReferrerBecomesRoot(t *testing.T) {
	store := openTestStore(t)
	rc := reconciler.New(store, staticAggregator{})
	ctx := context.Background()

	at := mustTime(t, "2025-01-01T12:00:00Z")
	nv := types.NewVisit{
		VisitID:      idgen.VisitID("https://child.com/", at),
		URL:          "https://child.com/",
		Referrer:     "https://parent-never-seen.com/",
		PageLoadedAt: at,
	}

	result, err := rc.Reconcile(ctx, nv)
	require.NoError(t, err)
	require.True(t, result.TreeChanged)
	require.Equal(t, nv.VisitID, result.TreeID)
}

func TestIdempotentReplay(t *testing.T) {
	store := openTestStore(t)
	rc := reconciler.New(store, staticAggregator{})
	ctx := context.Background()

	at := mustTime(t, "2025-01-01T10:00:00Z")
	nv := types.NewVisit{VisitID: idgen.VisitID("https://a.com/x", at), URL: "https://a.com/x", PageLoadedAt: at}

	first, err := rc.Reconcile(ctx, nv)
	require.NoError(t, err)
	require.True(t, first.TreeChanged)

	second, err := rc.Reconcile(ctx, nv)
	require.NoError(t, err)
	require.False(t, second.TreeChanged)
	require.Equal(t, first.TreeID, second.TreeID)
}

func TestTimestampTieBreakPicksLexicographicallySmallerVisitID(t *testing.T) {
	store := openTestStore(t)
	rc := reconciler.New(store, staticAggregator{})
	ctx := context.Background()

	// Two candidates at the identical page_loaded_at: the "nearest
	// timestamp" and "earlier timestamp" tie-breaks are both exhausted,
	// so only the lexicographically-smaller visit_id tie-break decides.
	same := mustTime(t, "2025-01-01T10:00:00Z")

	p1 := types.NewVisit{VisitID: idgen.VisitID("https://a.com/p1", same), URL: "https://a.com/p1", PageLoadedAt: same}
	p2 := types.NewVisit{VisitID: idgen.VisitID("https://a.com/p2", same), URL: "https://a.com/p2", PageLoadedAt: same}
	_, err := rc.Reconcile(ctx, p1)
	require.NoError(t, err)
	_, err = rc.Reconcile(ctx, p2)
	require.NoError(t, err)

	childAt := mustTime(t, "2025-01-01T10:05:00Z")
	child := types.NewVisit{
		VisitID:      idgen.VisitID("https://b.com/child", childAt),
		URL:          "https://b.com/child",
		Referrer:     "https://a.com/",
		PageLoadedAt: childAt,
	}
	result, err := rc.Reconcile(ctx, child)
	require.NoError(t, err)

	var expectedParentID string
	if p1.VisitID < p2.VisitID {
		expectedParentID = p1.VisitID
	} else {
		expectedParentID = p2.VisitID
	}
	require.Equal(t, expectedParentID, result.Visit.ReferrerVisitID)
}
