// Package reconciler implements the Tree Reconciler (spec §4.4), the
// heart of the engine: given one new visit, it decides whether the visit
// attaches to an existing tree, roots a new one, or is skipped outright.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CRJFisher/bergamot/internal/storage"
	"github.com/CRJFisher/bergamot/internal/telemetry"
	"github.com/CRJFisher/bergamot/internal/types"
)

// Aggregator is the subset of aggregator.Classifier the Reconciler needs.
type Aggregator interface {
	IsAggregator(url string) bool
}

// Reconciler is state-free between calls; all state lives in the
// Structured Store (spec §4.4: "State-free between calls").
type Reconciler struct {
	store      storage.Storage
	aggregator Aggregator
}

// New builds a Reconciler over store, consulting aggregator for §4.4
// step 2a's suppression rule.
func New(store storage.Storage, aggregator Aggregator) *Reconciler {
	return &Reconciler{store: store, aggregator: aggregator}
}

// Reconcile runs the full algorithm of spec §4.4 in one store transaction.
func (r *Reconciler) Reconcile(ctx context.Context, nv types.NewVisit) (types.ReconcileResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "reconciler.reconcile",
		trace.WithAttributes(attribute.String("bergamot.visit_id", nv.VisitID)),
	)

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		err = fmt.Errorf("reconcile %s: begin tx: %w", nv.VisitID, err)
		telemetry.EndSpan(span, err)
		return types.ReconcileResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := r.reconcileInTx(ctx, tx, nv)
	if err != nil {
		telemetry.EndSpan(span, err)
		return types.ReconcileResult{}, err
	}

	if err := tx.Commit(); err != nil {
		err = fmt.Errorf("reconcile %s: commit: %w", nv.VisitID, err)
		telemetry.EndSpan(span, err)
		return types.ReconcileResult{}, err
	}
	span.SetAttributes(attribute.String("bergamot.tree_id", result.TreeID))
	telemetry.EndSpan(span, nil)
	return result, nil
}

func (r *Reconciler) reconcileInTx(ctx context.Context, tx storage.Tx, nv types.NewVisit) (types.ReconcileResult, error) {
	// Step 1: referrer present — try the fuzzy match.
	if nv.Referrer != "" {
		parent, err := tx.FindVisitByReferrerURL(ctx, nv.Referrer, nv.PageLoadedAt)
		if err != nil {
			return types.ReconcileResult{}, fmt.Errorf("find visit by referrer url: %w", err)
		}
		if parent != nil {
			return r.attach(ctx, tx, nv, *parent)
		}
		// 1c: phantom referrer — fall through to step 2 as a new root.
	}

	// Step 2a: aggregator suppression applies only with no referrer at all.
	if nv.Referrer == "" && r.aggregator.IsAggregator(nv.URL) {
		return types.ReconcileResult{TreeID: "", TreeChanged: false, IsOrphan: false}, nil
	}

	return r.root(ctx, tx, nv)
}

// attach implements §4.4 step 1b: insert this visit under the parent's
// tree, advancing the tree's latest_activity_time.
func (r *Reconciler) attach(ctx context.Context, tx storage.Tx, nv types.NewVisit, parent types.Visit) (types.ReconcileResult, error) {
	v := types.Visit{
		VisitID:         nv.VisitID,
		URL:             nv.URL,
		ReferrerURL:     nv.Referrer,
		ReferrerVisitID: parent.VisitID,
		PageLoadedAt:    nv.PageLoadedAt,
		TreeID:          parent.TreeID,
	}

	if err := tx.InsertVisit(ctx, v); err != nil {
		if isDuplicate(err) {
			return r.existingVisitResult(ctx, tx, nv.VisitID)
		}
		return types.ReconcileResult{}, fmt.Errorf("insert visit: %w", err)
	}

	// UpsertTree's own rule advances latest_activity_time to the later
	// value and never touches first_load_time (spec §4.2); passing
	// PageLoadedAt as both arguments here is safe because the store
	// ignores the supplied first_load_time on conflict.
	if err := tx.UpsertTree(ctx, parent.TreeID, nv.PageLoadedAt, nv.PageLoadedAt); err != nil {
		return types.ReconcileResult{}, fmt.Errorf("upsert tree: %w", err)
	}

	return types.ReconcileResult{TreeID: parent.TreeID, TreeChanged: true, Visit: v, IsOrphan: false}, nil
}

// root implements §4.4 step 2b: this visit becomes the root of a new tree.
func (r *Reconciler) root(ctx context.Context, tx storage.Tx, nv types.NewVisit) (types.ReconcileResult, error) {
	treeID := nv.VisitID // root convention: tree_id = visit_id of the root (spec §3)

	if err := tx.UpsertTree(ctx, treeID, nv.PageLoadedAt, nv.PageLoadedAt); err != nil {
		return types.ReconcileResult{}, fmt.Errorf("upsert tree: %w", err)
	}

	v := types.Visit{
		VisitID:      nv.VisitID,
		URL:          nv.URL,
		PageLoadedAt: nv.PageLoadedAt,
		TreeID:       treeID,
	}

	if err := tx.InsertVisit(ctx, v); err != nil {
		if isDuplicate(err) {
			return r.existingVisitResult(ctx, tx, nv.VisitID)
		}
		return types.ReconcileResult{}, fmt.Errorf("insert visit: %w", err)
	}

	return types.ReconcileResult{TreeID: treeID, TreeChanged: true, Visit: v, IsOrphan: false}, nil
}

// existingVisitResult implements §4.4 step 3's idempotency rule: a
// Duplicate on insert is success with tree_changed = false, returning the
// pre-existing visit's tree_id.
func (r *Reconciler) existingVisitResult(ctx context.Context, tx storage.Tx, visitID string) (types.ReconcileResult, error) {
	existing, err := tx.GetVisitByID(ctx, visitID)
	if err != nil {
		return types.ReconcileResult{}, fmt.Errorf("load existing visit %s: %w", visitID, err)
	}
	return types.ReconcileResult{TreeID: existing.TreeID, TreeChanged: false, Visit: *existing, IsOrphan: false}, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, storage.ErrDuplicate)
}

// FindParent runs only step 1a of §4.4's algorithm: the referrer fuzzy
// match, with no root fallback and no mutation. The Visit Queue
// Processor's retry timer uses this to check whether an orphan's true
// parent has since arrived (spec §4.6's retry_timer), distinct from
// Reconcile's full algorithm which would hit the idempotent-Duplicate
// path for a visit that is already persisted.
func (r *Reconciler) FindParent(ctx context.Context, referrer string, near time.Time) (*types.Visit, error) {
	if referrer == "" {
		return nil, nil
	}
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("find parent: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	parent, err := tx.FindVisitByReferrerURL(ctx, referrer, near)
	if err != nil {
		return nil, fmt.Errorf("find parent: %w", err)
	}
	return parent, nil
}

// AttachOrphan performs the post-insert mutation §9 describes: rewriting
// an already-persisted visit's tree_id and referrer_visit_id when its
// true parent arrives after it was registered as an orphan (spec
// §4.5/§4.6), then advancing the destination tree's latest_activity_time
// to cover it — the orphan's page_loaded_at can be later than the
// tree's current latest_activity_time (out-of-order arrival), and
// without this the merged tree would silently violate §3 invariant 4.
// This is a single update_visit_parent call plus one upsert_tree call,
// not a second pass through Reconcile — the visit's own visit_id and
// tree row already exist from when it was first rooted.
func (r *Reconciler) AttachOrphan(ctx context.Context, visitID, newTreeID, referrerVisitID string) (types.Visit, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "reconciler.attach_orphan",
		trace.WithAttributes(
			attribute.String("bergamot.visit_id", visitID),
			attribute.String("bergamot.tree_id", newTreeID),
		),
	)

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		err = fmt.Errorf("attach orphan %s: begin tx: %w", visitID, err)
		telemetry.EndSpan(span, err)
		return types.Visit{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.UpdateVisitParent(ctx, visitID, newTreeID, referrerVisitID); err != nil {
		err = fmt.Errorf("attach orphan %s: update parent: %w", visitID, err)
		telemetry.EndSpan(span, err)
		return types.Visit{}, err
	}

	updated, err := tx.GetVisitByID(ctx, visitID)
	if err != nil {
		err = fmt.Errorf("attach orphan %s: reload: %w", visitID, err)
		telemetry.EndSpan(span, err)
		return types.Visit{}, err
	}

	// UpsertTree's own rule advances latest_activity_time to the later
	// value and never touches first_load_time; passing PageLoadedAt as
	// both arguments is safe because the store ignores the supplied
	// first_load_time on conflict (mirrors attach's own call above).
	if err := tx.UpsertTree(ctx, newTreeID, updated.PageLoadedAt, updated.PageLoadedAt); err != nil {
		err = fmt.Errorf("attach orphan %s: upsert tree: %w", visitID, err)
		telemetry.EndSpan(span, err)
		return types.Visit{}, err
	}

	if err := tx.Commit(); err != nil {
		err = fmt.Errorf("attach orphan %s: commit: %w", visitID, err)
		telemetry.EndSpan(span, err)
		return types.Visit{}, err
	}
	telemetry.EndSpan(span, nil)
	return *updated, nil
}
