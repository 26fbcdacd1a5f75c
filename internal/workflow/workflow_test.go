package workflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CRJFisher/bergamot/internal/content"
	"github.com/CRJFisher/bergamot/internal/storage/sqlite"
	"github.com/CRJFisher/bergamot/internal/types"
	"github.com/CRJFisher/bergamot/internal/workflow"
)

type fakeWorkflow struct {
	called     bool
	analysis   types.Analysis
	intentions []types.TreeIntention
	err        error

	// content, when set, is checked at Analyze time so a test can see
	// whether the body was already persisted before analysis ran.
	content        content.Store
	contentPresent bool
}

func (f *fakeWorkflow) Analyze(ctx context.Context, members []types.VisitWithMeta, newVisit types.Visit, rawContent string) (types.Analysis, []types.TreeIntention, error) {
	f.called = true
	if f.content != nil {
		rec, err := f.content.Get(ctx, newVisit.VisitID)
		f.contentPresent = err == nil && rec != nil
	}
	return f.analysis, f.intentions, f.err
}

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, t.TempDir()+"/test.db")
	require.NoError(t, err)
	require.NoError(t, store.CreateSchema(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDispatchPersistsContentBeforeAnalysis(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	cs, err := content.NewFSStore(t.TempDir(), false)
	require.NoError(t, err)

	fw := &fakeWorkflow{
		analysis:   types.Analysis{VisitID: "v1", Title: "T", Summary: "S", Intentions: []string{"read"}},
		intentions: []types.TreeIntention{{TreeID: "t1", VisitID: "v1", Intentions: []string{"read"}}},
		content:    cs,
	}
	d := workflow.New(cs, store, fw)

	newVisit := types.Visit{VisitID: "v1", URL: "https://a.com/x", TreeID: "t1"}
	require.NoError(t, insertRootVisit(ctx, store, newVisit))

	d.Dispatch(ctx, nil, newVisit, "body text", "https://a.com/x", "Title")
	require.True(t, fw.called)
	require.True(t, fw.contentPresent, "content must be persisted before Analyze runs")

	rec, err := cs.Get(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "body text", rec.Body)

	members, err := store.GetTreeMembers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.NotNil(t, members[0].Analysis)
	require.Equal(t, "T", members[0].Analysis.Title)
}

func TestDispatchWithNoWorkflowStillPersistsContent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cs, err := content.NewFSStore(t.TempDir(), false)
	require.NoError(t, err)

	newVisit := types.Visit{VisitID: "v1", URL: "https://a.com/x", TreeID: "t1"}
	require.NoError(t, insertRootVisit(ctx, store, newVisit))

	d := workflow.New(cs, store, nil)
	d.Dispatch(ctx, nil, newVisit, "body text", "https://a.com/x", "Title")

	rec, err := cs.Get(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func insertRootVisit(ctx context.Context, store *sqlite.Store, v types.Visit) error {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.UpsertTree(ctx, v.TreeID, v.PageLoadedAt, v.PageLoadedAt); err != nil {
		return err
	}
	if err := tx.InsertVisit(ctx, v); err != nil {
		return err
	}
	return tx.Commit()
}
