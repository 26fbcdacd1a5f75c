// Package engine owns every engine component for one running instance —
// Structured Store, Content Store, Aggregator Classifier, Reconciler,
// Orphan Manager, Queue Processor, Workflow Dispatcher — and exposes the
// producer-facing ingress contract of spec §6. Per spec §9's explicit
// instruction to replace "long-lived module-level singletons" with an
// owning struct, nothing here is a package-level global: every component
// is a field on Engine, constructed once in New and wired together by
// constructor injection, mirroring the order cmd/bd/main.go wires its own
// globals (config, then storage, then dependent subsystems) but without
// any of them living at package scope.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/CRJFisher/bergamot/internal/aggregator"
	"github.com/CRJFisher/bergamot/internal/config"
	"github.com/CRJFisher/bergamot/internal/content"
	"github.com/CRJFisher/bergamot/internal/idgen"
	"github.com/CRJFisher/bergamot/internal/orphan"
	"github.com/CRJFisher/bergamot/internal/queue"
	"github.com/CRJFisher/bergamot/internal/reconciler"
	"github.com/CRJFisher/bergamot/internal/storage/sqlite"
	"github.com/CRJFisher/bergamot/internal/types"
	"github.com/CRJFisher/bergamot/internal/workflow"
)

// SubmitResult is the producer-facing acceptance response (spec §6).
type SubmitResult struct {
	Status   string `json:"status"`
	Position int    `json:"position"`
}

// Engine is the top-level owner of one running instance. Stopped engines
// must not be reused; construct a new one via New.
type Engine struct {
	store      *sqlite.Store
	content    content.Store
	aggregator *aggregator.Classifier
	reconciler *reconciler.Reconciler
	orphans    *orphan.Manager
	dispatcher *workflow.Dispatcher
	queue      *queue.Processor

	configStop func()
	submitted  atomic.Int64
}

// New constructs every component from cfg but does not start the queue
// processor's background goroutine or the config watcher; call Start for
// the former and WatchConfig for the latter.
func New(ctx context.Context, cfg config.Config) (*Engine, error) {
	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}
	if err := store.CreateSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: create schema: %w", err)
	}

	contentStore, err := content.NewFSStore(cfg.ContentStorePath, true)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: open content store: %w", err)
	}

	agg := aggregator.New(cfg.AggregatorHosts)
	rc := reconciler.New(store, agg)
	om := orphan.New(orphan.Config{MaxRetries: cfg.OrphanMaxRetries, MaxAge: cfg.OrphanMaxAge()})

	var wf workflow.Workflow
	if cfg.AnthropicAPIKey != "" {
		aw, err := workflow.NewAnthropicWorkflow(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("engine: build anthropic workflow: %w", err)
		}
		wf = aw
	}
	dispatcher := workflow.New(contentStore, store, wf)

	qCfg := queue.Config{
		BatchSize:           cfg.BatchSize,
		BatchTimeout:        cfg.BatchTimeout(),
		OrphanRetryInterval: cfg.OrphanRetryInterval(),
	}
	processor := queue.New(qCfg, rc, om, store, dispatcher)

	return &Engine{
		store:      store,
		content:    contentStore,
		aggregator: agg,
		reconciler: rc,
		orphans:    om,
		dispatcher: dispatcher,
		queue:      processor,
	}, nil
}

// Start begins the queue processor's background goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.queue.Start(ctx)
}

// WatchConfig installs an fsnotify watcher on path that hot-reloads the
// aggregator hostname list (the only component spec §6 names as
// editable without restart besides tuning knobs, which take effect only
// on the next New since the queue processor's timers are already armed).
func (e *Engine) WatchConfig(path string) error {
	stop, err := config.Watch(path, func(cfg config.Config) {
		e.aggregator.SetHosts(cfg.AggregatorHosts)
	})
	if err != nil {
		return err
	}
	e.configStop = stop
	return nil
}

// Stop cancels the queue processor's timers (it does not drain the
// queue; a restart picks up fresh inputs because all durable state lives
// in the Structured Store, per spec §4.6) and releases the store handle.
func (e *Engine) Stop() error {
	if e.configStop != nil {
		e.configStop()
	}
	e.queue.Stop()
	return e.store.Close()
}

// Submit implements spec §6's producer-facing ingress contract: validate
// the payload, compute its deterministic visit_id, and enqueue it.
// Returns an error of type *SchemaError on a validation failure; the CLI
// shell (cmd/bergamotd) turns that into the `{error, details}` response
// and a non-zero exit code.
func (e *Engine) Submit(payload types.NewVisitPayload) (SubmitResult, error) {
	pageLoadedAt, err := payload.Validate()
	if err != nil {
		return SubmitResult{}, &SchemaError{Cause: err}
	}

	nv := types.NewVisit{
		VisitID:      idgen.VisitID(payload.URL, pageLoadedAt),
		URL:          payload.URL,
		Referrer:     payload.Referrer,
		PageLoadedAt: pageLoadedAt,
		TabID:        payload.TabID,
		OpenerTabID:  payload.OpenerTabID,
		Content:      payload.Content,
	}

	e.queue.Enqueue(queue.Item{Visit: nv, RawContent: payload.Content})

	position := e.submitted.Add(1)
	return SubmitResult{Status: "queued", Position: int(position)}, nil
}

// SchemaError wraps a types.NewVisitPayload validation failure so
// callers can distinguish it from I/O/store errors (spec §7's `Schema`
// error kind: reported to the producer with details, never retried).
type SchemaError struct {
	Cause error
}

func (e *SchemaError) Error() string { return e.Cause.Error() }
func (e *SchemaError) Unwrap() error { return e.Cause }
