// Package queue implements the Visit Queue Processor (spec §4.6): a
// single-consumer cooperative scheduler that batches queued visits,
// invokes the Reconciler per visit, flushes orphan children when their
// parent arrives, and periodically retries orphans.
//
// Architecture mirrors the teacher's FlushManager
// (cmd/bd/flush_manager.go): all mutable state — the deque, the
// re-entrancy guard, the timers — is owned by a single background
// goroutine; callers communicate through buffered channels, so there is
// no shared mutable state to protect with a mutex.
package queue

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CRJFisher/bergamot/internal/orphan"
	"github.com/CRJFisher/bergamot/internal/reconciler"
	"github.com/CRJFisher/bergamot/internal/telemetry"
	"github.com/CRJFisher/bergamot/internal/types"
)

// Item is one queued unit of work. A regular Item carries a visit still
// awaiting its first reconciliation. A flush Item (IsFlush true) instead
// carries an already-persisted orphan visit whose true parent just
// arrived; processing it calls Reconciler.AttachOrphan instead of
// Reconciler.Reconcile (spec §9's single update_visit_parent mutation).
type Item struct {
	Visit      types.NewVisit
	RawContent string

	IsFlush         bool
	ResolvedTreeID  string
	ResolvedParentID string
}

// Dispatcher is the subset of workflow.Dispatcher the processor calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, members []types.VisitWithMeta, newVisit types.Visit, rawContent, url, title string)
}

// TreeMembers is the subset of storage.Storage the processor needs to
// load a tree's members before dispatching.
type TreeMembers interface {
	GetTreeMembers(ctx context.Context, treeID string) ([]types.VisitWithMeta, error)
}

// Config holds the processor's tuning knobs (spec §4.6 defaults).
type Config struct {
	BatchSize           int
	BatchTimeout        time.Duration
	OrphanRetryInterval time.Duration
}

// DefaultConfig returns spec §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{BatchSize: 3, BatchTimeout: time.Second, OrphanRetryInterval: 5 * time.Second}
}

// enqueueEvent carries one or more items plus whether they go to the
// head (priority) or tail (regular) of the deque.
type enqueueEvent struct {
	items    []Item
	priority bool
}

// Processor is the single-consumer scheduler. Construct with New, call
// Start to begin the event loop and retry timer, Enqueue/EnqueuePriority
// to submit work, Stop to cancel timers.
type Processor struct {
	cfg      Config
	rc       *reconciler.Reconciler
	orphans  *orphan.Manager
	trees    TreeMembers
	dispatch Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	enqueueCh chan enqueueEvent
	statsCh   chan chan types.QueueStats
	wg        sync.WaitGroup

	mu      sync.Mutex // guards started only; all other state lives in run()
	started bool
}

// New builds a Processor. It does not start any goroutine until Start is
// called.
func New(cfg Config, rc *reconciler.Reconciler, orphans *orphan.Manager, trees TreeMembers, dispatch Dispatcher) *Processor {
	return &Processor{
		cfg:       cfg,
		rc:        rc,
		orphans:   orphans,
		trees:     trees,
		dispatch:  dispatch,
		enqueueCh: make(chan enqueueEvent, 64),
		statsCh:   make(chan chan types.QueueStats, 1),
	}
}

// Start launches the background event loop and arms the retry timer.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run()
}

// Stop cancels both timers. Per spec §4.6: "do not drain the queue;
// restart will pick up fresh inputs". Any in-flight batch completes its
// current await before the loop exits.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.started = false
}

// Enqueue pushes item to the tail of the deque.
func (p *Processor) Enqueue(item Item) {
	p.send(enqueueEvent{items: []Item{item}, priority: false})
}

// EnqueuePriority pushes items to the head of the deque, preserving their
// supplied order.
func (p *Processor) EnqueuePriority(items []Item) {
	if len(items) == 0 {
		return
	}
	p.send(enqueueEvent{items: items, priority: true})
}

func (p *Processor) send(e enqueueEvent) {
	select {
	case p.enqueueCh <- e:
	case <-p.ctx.Done():
	}
}

// Stats returns the current read-only snapshot (spec §4.6).
func (p *Processor) Stats() types.QueueStats {
	respCh := make(chan types.QueueStats, 1)
	select {
	case p.statsCh <- respCh:
		return <-respCh
	case <-p.ctx.Done():
		return types.QueueStats{}
	}
}

// batchResult is what a background batch-processing goroutine reports
// back to run() on completion.
type batchResult struct {
	reenqueue []Item
}

// run is the single background goroutine that owns all mutable queue
// state, mirroring FlushManager.run's ownership model: no mutex needed
// over deque/processing/batchTimer because only this goroutine touches
// them.
func (p *Processor) run() {
	defer p.wg.Done()

	deque := list.New() // of Item
	processing := false

	var batchTimer *time.Timer
	batchTimerFiredCh := make(chan struct{}, 1)
	batchCompleteCh := make(chan batchResult, 1)

	retryTicker := time.NewTicker(p.cfg.OrphanRetryInterval)
	defer retryTicker.Stop()

	armBatchTimer := func() {
		if batchTimer != nil {
			return // already armed; spec: schedule only "if not already armed"
		}
		batchTimer = time.AfterFunc(p.cfg.BatchTimeout, func() {
			select {
			case batchTimerFiredCh <- struct{}{}:
			default:
			}
		})
	}
	disarmBatchTimer := func() {
		if batchTimer != nil {
			batchTimer.Stop()
			batchTimer = nil
		}
	}
	defer disarmBatchTimer()

	publishStats := func() {
		telemetry.RecordQueueStats(p.ctx, types.QueueStats{QueueLength: deque.Len(), Processing: processing})
	}

	pushItems := func(items []Item, priority bool) {
		if priority {
			// Push from last to first so the first item of items ends
			// up frontmost, preserving caller-supplied order.
			for i := len(items) - 1; i >= 0; i-- {
				deque.PushFront(items[i])
			}
		} else {
			for _, item := range items {
				deque.PushBack(item)
			}
		}
	}

	startBatchIfIdle := func() {
		if processing || deque.Len() == 0 {
			return
		}
		processing = true
		disarmBatchTimer()

		batch := make([]Item, 0, p.cfg.BatchSize)
		for deque.Len() > 0 && len(batch) < p.cfg.BatchSize {
			front := deque.Front()
			batch = append(batch, front.Value.(Item))
			deque.Remove(front)
		}
		publishStats()

		go func() {
			batchCompleteCh <- batchResult{reenqueue: p.processBatch(p.ctx, batch)}
		}()
	}

	for {
		select {
		case e := <-p.enqueueCh:
			pushItems(e.items, e.priority)
			publishStats()
			if deque.Len() >= p.cfg.BatchSize {
				startBatchIfIdle()
			} else if !processing {
				armBatchTimer()
			}

		case <-batchTimerFiredCh:
			batchTimer = nil // the timer that fired is already spent
			startBatchIfIdle()

		case res := <-batchCompleteCh:
			processing = false
			if len(res.reenqueue) > 0 {
				pushItems(res.reenqueue, true)
			}
			publishStats()
			if deque.Len() >= p.cfg.BatchSize {
				startBatchIfIdle()
			} else if deque.Len() > 0 {
				armBatchTimer()
			}

		case <-retryTicker.C:
			due := p.orphans.TakeDueForRetry()
			if len(due) > 0 {
				go func() {
					items := p.resolveDueRetries(p.ctx, due)
					if len(items) == 0 {
						return
					}
					p.send(enqueueEvent{items: items, priority: true})
				}()
			}
			telemetry.RecordOrphanStats(p.ctx, p.orphans.Stats())

		case respCh := <-p.statsCh:
			respCh <- types.QueueStats{QueueLength: deque.Len(), Processing: processing}

		case <-p.ctx.Done():
			if processing {
				<-batchCompleteCh // let the in-flight batch finish before exiting
			}
			return
		}
	}
}

// processBatch runs the per-visit step (spec §4.6) for each item in the
// batch with bounded concurrency via errgroup — order of completion is
// irrelevant because each visit is content-addressed and the Reconciler
// is idempotent (spec §4.6) — and returns the items that should be
// re-enqueued at priority because an orphan's parent just arrived.
func (p *Processor) processBatch(ctx context.Context, batch []Item) []Item {
	var mu sync.Mutex
	var toReenqueue []Item

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range batch {
		item := item
		g.Go(func() error {
			reenqueue := p.processOne(gctx, item)
			if len(reenqueue) > 0 {
				mu.Lock()
				toReenqueue = append(toReenqueue, reenqueue...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // per-item errors are logged inside processOne, never aborting the batch (§7)

	return toReenqueue
}

// processOne implements spec §4.6's per-visit step.
func (p *Processor) processOne(ctx context.Context, item Item) []Item {
	if item.IsFlush {
		return p.processFlush(ctx, item)
	}

	result, err := p.rc.Reconcile(ctx, item.Visit)
	telemetry.RecordVisitReconciled(ctx)
	if err != nil {
		log.Printf("queue: reconcile %s: %v", item.Visit.VisitID, err)
		return nil
	}
	if result.TreeID == "" {
		return nil // aggregator suppression: drop
	}

	if isOrphan(item.Visit, result) {
		p.orphans.Add(item.Visit, *item.Visit.OpenerTabID)
		telemetry.RecordVisitOrphaned(ctx)
		return p.drainOpener(item.Visit.TabID, result.Visit)
	}

	if result.TreeChanged {
		p.dispatchTree(ctx, result.TreeID, result.Visit, item.RawContent)
	}

	return p.drainOpener(item.Visit.TabID, result.Visit)
}

// processFlush implements §4.6's flush branch: an orphan's parent has
// arrived, so rewrite the orphan's tree_id/referrer_visit_id via the
// single update_visit_parent call and dispatch the now-merged tree.
func (p *Processor) processFlush(ctx context.Context, item Item) []Item {
	updated, err := p.rc.AttachOrphan(ctx, item.Visit.VisitID, item.ResolvedTreeID, item.ResolvedParentID)
	telemetry.RecordVisitReconciled(ctx)
	if err != nil {
		log.Printf("queue: attach orphan %s: %v", item.Visit.VisitID, err)
		return nil
	}

	p.dispatchTree(ctx, updated.TreeID, updated, item.RawContent)
	return p.drainOpener(item.Visit.TabID, updated)
}

func (p *Processor) dispatchTree(ctx context.Context, treeID string, visit types.Visit, rawContent string) {
	members, err := p.trees.GetTreeMembers(ctx, treeID)
	if err != nil {
		log.Printf("queue: load tree members for %s: %v", treeID, err)
		return
	}
	p.dispatch.Dispatch(ctx, members, visit, rawContent, visit.URL, "")
}

// drainOpener flushes any orphans waiting on this visit's own tab_id: its
// own children (who declared this visit's tab as their opener) can now
// resolve their referrer_visit_id to this visit (spec §4.6).
func (p *Processor) drainOpener(tabID *int64, resolved types.Visit) []Item {
	if tabID == nil {
		return nil
	}

	drained := p.orphans.DrainForOpener(*tabID)
	if len(drained) == 0 {
		return nil
	}

	items := make([]Item, 0, len(drained))
	for _, o := range drained {
		items = append(items, Item{
			Visit:            o.Visit,
			IsFlush:          true,
			ResolvedTreeID:   resolved.TreeID,
			ResolvedParentID: resolved.VisitID,
		})
	}
	return items
}

// resolveDueRetries implements spec §4.6's retry_timer: for each orphan
// whose retry budget allows another attempt, check whether its referrer
// now resolves to a persisted parent (the parent visit may have arrived
// through a route with no opener_tab_id link at all, so drainOpener's
// tab-keyed flush alone would never catch it). A match becomes a flush
// Item through AttachOrphan's single update_visit_parent call, exactly
// like the opener-keyed flush path; a miss just consumes one retry.
func (p *Processor) resolveDueRetries(ctx context.Context, due []types.OrphanEntry) []Item {
	var items []Item
	for _, o := range due {
		p.orphans.IncrementRetryCount(o.Handle)

		parent, err := p.rc.FindParent(ctx, o.Visit.Referrer, o.Visit.PageLoadedAt)
		if err != nil {
			log.Printf("queue: retry find parent for %s: %v", o.Visit.VisitID, err)
			continue
		}
		if parent == nil {
			continue
		}

		items = append(items, Item{
			Visit:            o.Visit,
			IsFlush:          true,
			ResolvedTreeID:   parent.TreeID,
			ResolvedParentID: parent.VisitID,
		})
	}
	return items
}

// isOrphan implements the orphan detection rule owned by the processor,
// not the manager (spec §4.5): a processed visit is a potential orphan
// when it carries an opener_tab_id, was attached to some tree, and its
// referrer_visit_id remained null.
func isOrphan(nv types.NewVisit, result types.ReconcileResult) bool {
	return nv.OpenerTabID != nil && result.TreeID != "" && result.Visit.ReferrerVisitID == ""
}
