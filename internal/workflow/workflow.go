// Package workflow implements the Workflow Dispatcher (spec §4.7): a
// thin adapter that persists a visit's content, then hands tree members
// to an external analysis pipeline and persists whatever it returns.
package workflow

import (
	"context"
	"log"

	"github.com/CRJFisher/bergamot/internal/content"
	"github.com/CRJFisher/bergamot/internal/storage"
	"github.com/CRJFisher/bergamot/internal/telemetry"
	"github.com/CRJFisher/bergamot/internal/types"
)

// Workflow is the external analysis pipeline's interface (spec §1: "out
// of scope... specified only by the interfaces the core uses").
type Workflow interface {
	Analyze(ctx context.Context, members []types.VisitWithMeta, newVisit types.Visit, rawContent string) (types.Analysis, []types.TreeIntention, error)
}

// Dispatcher wires the Content Store, Structured Store and a Workflow
// together per §4.7's ordering contract: content persists before
// analysis runs, so a mid-analysis crash leaves content available for a
// later backfill.
type Dispatcher struct {
	content  content.Store
	store    storage.Storage
	workflow Workflow
}

// New builds a Dispatcher. workflow may be nil — Dispatch then persists
// content only and returns without running analysis, matching §4.7's
// "on workflow failure, log and continue" posture for the degenerate
// no-workflow case.
func New(contentStore content.Store, store storage.Storage, wf Workflow) *Dispatcher {
	return &Dispatcher{content: contentStore, store: store, workflow: wf}
}

// Dispatch persists rawContent, then (if a Workflow is configured) runs
// analysis and persists its output. Errors are logged, not returned: the
// caller (the Visit Queue Processor) continues regardless, per §4.7/§7.
func (d *Dispatcher) Dispatch(ctx context.Context, members []types.VisitWithMeta, newVisit types.Visit, rawContent, url, title string) {
	if err := d.content.Put(ctx, content.Record{VisitID: newVisit.VisitID, URL: url, Title: title, Body: rawContent}); err != nil {
		log.Printf("workflow: persist content for %s: %v", newVisit.VisitID, err)
		// Content failure does not block analysis: the visit and tree
		// rows are already durable: only the content blob is missing,
		// and a later maintenance job can backfill it.
	}

	if d.workflow == nil {
		telemetry.RecordWorkflowDispatch(ctx, nil)
		return
	}

	analysis, treeIntentions, err := d.workflow.Analyze(ctx, members, newVisit, rawContent)
	telemetry.RecordWorkflowDispatch(ctx, err)
	if err != nil {
		log.Printf("workflow: analyze %s: %v", newVisit.VisitID, err)
		return
	}

	if err := d.store.InsertOrReplaceAnalysis(ctx, analysis); err != nil {
		log.Printf("workflow: persist analysis for %s: %v", newVisit.VisitID, err)
		return
	}

	if len(treeIntentions) > 0 {
		if err := d.store.UpsertTreeIntentions(ctx, newVisit.TreeID, treeIntentions); err != nil {
			log.Printf("workflow: persist tree intentions for %s: %v", newVisit.TreeID, err)
		}
	}
}
