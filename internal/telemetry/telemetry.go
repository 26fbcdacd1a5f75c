// Package telemetry registers the engine's OTel metric instruments and
// mirrors them into the plain snapshot structs spec §4.5/§4.6 require for
// synchronous test assertions. Grounded on the teacher's
// internal/storage/dolt/store.go doltMetrics pattern: a package-level
// instrument struct, populated once at init() against the global meter
// provider, so instruments forward automatically once Init() installs a
// real provider.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/CRJFisher/bergamot/internal/types"
)

// Tracer is the package-level OTel tracer for reconciliation-level spans,
// grounded on the teacher's doltTracer (internal/storage/dolt/store.go):
// a single tracer instance resolved against the global provider, which
// is a no-op until Init installs a real one.
var Tracer = otel.Tracer("github.com/CRJFisher/bergamot/engine")

// EndSpan records err on span (if non-nil) and ends it, mirroring the
// teacher's endSpan helper.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// engineMetrics holds the OTel instruments backing §6's telemetry
// counters: queue_length, processing, orphans_total, orphans_by_opener,
// oldest_orphan_age_ms.
var engineMetrics struct {
	queueLength       metric.Int64Gauge
	processing        metric.Int64Gauge
	orphansTotal      metric.Int64Gauge
	orphansByOpener   metric.Int64Gauge
	oldestOrphanAgeMs metric.Int64Gauge
	visitsReconciled  metric.Int64Counter
	visitsOrphaned    metric.Int64Counter
	workflowDispatch  metric.Int64Counter
	workflowFailures  metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/CRJFisher/bergamot/engine")

	engineMetrics.queueLength, _ = m.Int64Gauge("bergamot.queue.length",
		metric.WithDescription("Number of visits currently queued for reconciliation"),
		metric.WithUnit("{visit}"),
	)
	engineMetrics.processing, _ = m.Int64Gauge("bergamot.queue.processing",
		metric.WithDescription("1 while a batch is being processed, 0 otherwise"),
	)
	engineMetrics.orphansTotal, _ = m.Int64Gauge("bergamot.orphans.total",
		metric.WithDescription("Number of orphan entries currently held in memory"),
		metric.WithUnit("{orphan}"),
	)
	engineMetrics.orphansByOpener, _ = m.Int64Gauge("bergamot.orphans.by_opener",
		metric.WithDescription("Number of orphan entries for one opener_tab_id"),
		metric.WithUnit("{orphan}"),
	)
	engineMetrics.oldestOrphanAgeMs, _ = m.Int64Gauge("bergamot.orphans.oldest_age_ms",
		metric.WithDescription("Age in milliseconds of the oldest held orphan entry"),
		metric.WithUnit("ms"),
	)
	engineMetrics.visitsReconciled, _ = m.Int64Counter("bergamot.visits.reconciled",
		metric.WithDescription("Visits that completed Reconcile, including idempotent replays"),
		metric.WithUnit("{visit}"),
	)
	engineMetrics.visitsOrphaned, _ = m.Int64Counter("bergamot.visits.orphaned",
		metric.WithDescription("Visits registered with the Orphan Manager instead of dispatched"),
		metric.WithUnit("{visit}"),
	)
	engineMetrics.workflowDispatch, _ = m.Int64Counter("bergamot.workflow.dispatched",
		metric.WithDescription("Tree-member batches handed to the Workflow Dispatcher"),
		metric.WithUnit("{dispatch}"),
	)
	engineMetrics.workflowFailures, _ = m.Int64Counter("bergamot.workflow.failures",
		metric.WithDescription("Workflow Dispatcher invocations that returned an error"),
		metric.WithUnit("{failure}"),
	)
}

// RecordQueueStats publishes a QueueStats snapshot as gauges.
func RecordQueueStats(ctx context.Context, s types.QueueStats) {
	engineMetrics.queueLength.Record(ctx, int64(s.QueueLength))
	processing := int64(0)
	if s.Processing {
		processing = 1
	}
	engineMetrics.processing.Record(ctx, processing)
}

// RecordOrphanStats publishes an OrphanStats snapshot as gauges.
func RecordOrphanStats(ctx context.Context, s types.OrphanStats) {
	engineMetrics.orphansTotal.Record(ctx, int64(s.Total))
	for _, count := range s.ByOpenerCount {
		engineMetrics.orphansByOpener.Record(ctx, int64(count))
	}
	if s.OldestAgeMs != nil {
		engineMetrics.oldestOrphanAgeMs.Record(ctx, *s.OldestAgeMs)
	}
}

// RecordVisitReconciled increments the reconciled-visit counter.
func RecordVisitReconciled(ctx context.Context) {
	engineMetrics.visitsReconciled.Add(ctx, 1)
}

// RecordVisitOrphaned increments the orphaned-visit counter.
func RecordVisitOrphaned(ctx context.Context) {
	engineMetrics.visitsOrphaned.Add(ctx, 1)
}

// RecordWorkflowDispatch increments the workflow-dispatch counter, and the
// failure counter too when err is non-nil.
func RecordWorkflowDispatch(ctx context.Context, err error) {
	engineMetrics.workflowDispatch.Add(ctx, 1)
	if err != nil {
		engineMetrics.workflowFailures.Add(ctx, 1)
	}
}
