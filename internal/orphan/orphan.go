// Package orphan implements the Orphan Manager (spec §4.5): an in-memory
// index of visits whose declared opener tab has not yet been seen,
// indexed by opener_tab_id, bounded by age and retry count.
package orphan

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/CRJFisher/bergamot/internal/types"
)

// Config holds the Manager's policy constants (spec §4.5).
type Config struct {
	MaxRetries int           // default 3
	MaxAge     time.Duration // default 60s
}

// DefaultConfig returns the spec-stated defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, MaxAge: 60 * time.Second}
}

// entry is the internal representation; Handle is the opaque key callers
// use with IncrementRetryCount.
type entry struct {
	handle      string
	visit       types.NewVisit
	openerTabID int64
	arrivalTime time.Time
	retryCount  int

	// nextRetryAt and bo give each entry its own cooldown between
	// retry_timer ticks, grounded on the dolt store's withRetry shape
	// (internal/storage/dolt/store.go's newServerRetryBackoff): a fresh
	// orphan is due immediately, but a repeatedly-unresolved one backs
	// off exponentially so the retry_timer doesn't re-run FindParent on
	// it every single tick.
	nextRetryAt time.Time
	bo          *backoff.ExponentialBackOff
}

// Manager owns the in-memory orphan index. All operations are
// synchronous and in-memory (spec §5: "Inside Orphan Manager: none —
// all operations are synchronous, bounded, and in-memory"), guarded by a
// single mutex since the spec places no concurrency requirement here
// beyond safety against the queue processor's own goroutines.
type Manager struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	byOpener map[int64][]*entry
	byHandle map[string]*entry
}

// New builds a Manager with cfg. now defaults to time.Now; tests may
// override it via NewWithClock.
func New(cfg Config) *Manager {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock builds a Manager with an injectable clock, for
// deterministic age/expiry tests.
func NewWithClock(cfg Config, now func() time.Time) *Manager {
	return &Manager{
		cfg:      cfg,
		now:      now,
		byOpener: make(map[int64][]*entry),
		byHandle: make(map[string]*entry),
	}
}

// Add appends visit to openerTabID's list. Duplicates (the same visit
// re-added) are not deduplicated; they are processed in arrival order,
// per spec §4.5.
func (m *Manager) Add(visit types.NewVisit, openerTabID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	now := m.now()
	bo := backoff.NewExponentialBackOff()
	bo.Clock = clockFunc(m.now)
	bo.MaxElapsedTime = 0 // lifetime is governed by MaxAge/MaxRetries, not elapsed time

	e := &entry{
		handle:      uuid.NewString(),
		visit:       visit,
		openerTabID: openerTabID,
		arrivalTime: now,
		nextRetryAt: now, // due on the very next retry_timer tick
		bo:          bo,
	}
	m.byOpener[openerTabID] = append(m.byOpener[openerTabID], e)
	m.byHandle[e.handle] = e
	return e.handle
}

// clockFunc adapts a plain func() time.Time to backoff.Clock so the
// Manager's injectable clock also drives each entry's backoff timer.
type clockFunc func() time.Time

func (c clockFunc) Now() time.Time { return c() }

// DrainForOpener removes and returns all entries for openerTabID, in
// arrival order.
func (m *Manager) DrainForOpener(openerTabID int64) []types.OrphanEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	entries := m.byOpener[openerTabID]
	delete(m.byOpener, openerTabID)

	out := make([]types.OrphanEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toPublic(e))
		delete(m.byHandle, e.handle)
	}
	return out
}

// TakeDueForRetry returns a snapshot of all entries whose retry_count <
// max_retries, whose arrival_time is within max_age_ms, and whose
// per-entry backoff cooldown has elapsed. It does not remove them;
// callers that act on a retry must call IncrementRetryCount explicitly.
func (m *Manager) TakeDueForRetry() []types.OrphanEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	now := m.now()
	var out []types.OrphanEntry
	for _, entries := range m.byOpener {
		for _, e := range entries {
			if e.retryCount < m.cfg.MaxRetries && !now.Before(e.nextRetryAt) {
				out = append(out, toPublic(e))
			}
		}
	}
	return out
}

// IncrementRetryCount bumps handle's retry_count and arms its next
// exponential backoff cooldown; if it reaches max_retries, the entry is
// removed.
func (m *Manager) IncrementRetryCount(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byHandle[handle]
	if !ok {
		return
	}
	e.retryCount++
	if e.retryCount >= m.cfg.MaxRetries {
		m.removeLocked(e)
		return
	}
	e.nextRetryAt = m.now().Add(e.bo.NextBackOff())
}

// Stats returns the read-only telemetry snapshot of spec §4.5/§6.
func (m *Manager) Stats() types.OrphanStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	stats := types.OrphanStats{ByOpenerCount: make(map[int64]int)}
	var oldest *time.Time
	now := m.now()

	for opener, entries := range m.byOpener {
		if len(entries) == 0 {
			continue
		}
		stats.Total += len(entries)
		stats.ByOpenerCount[opener] = len(entries)
		for _, e := range entries {
			if oldest == nil || e.arrivalTime.Before(*oldest) {
				at := e.arrivalTime
				oldest = &at
			}
		}
	}

	if oldest != nil {
		ms := now.Sub(*oldest).Milliseconds()
		stats.OldestAgeMs = &ms
	}
	return stats
}

// pruneLocked removes entries older than MaxAge. Called on every read
// and on Add, per spec §4.5's lazy-cleanup policy. Caller must hold m.mu.
func (m *Manager) pruneLocked() {
	now := m.now()
	for opener, entries := range m.byOpener {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.arrivalTime) > m.cfg.MaxAge {
				delete(m.byHandle, e.handle)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.byOpener, opener)
		} else {
			m.byOpener[opener] = kept
		}
	}
}

// removeLocked deletes e from both indexes. Caller must hold m.mu.
func (m *Manager) removeLocked(e *entry) {
	delete(m.byHandle, e.handle)
	entries := m.byOpener[e.openerTabID]
	for i, candidate := range entries {
		if candidate == e {
			m.byOpener[e.openerTabID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(m.byOpener[e.openerTabID]) == 0 {
		delete(m.byOpener, e.openerTabID)
	}
}

func toPublic(e *entry) types.OrphanEntry {
	return types.OrphanEntry{
		Handle:      e.handle,
		Visit:       e.visit,
		OpenerTabID: e.openerTabID,
		ArrivalTime: e.arrivalTime,
		RetryCount:  e.retryCount,
	}
}
