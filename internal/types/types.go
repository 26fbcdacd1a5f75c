// Package types defines the record types that flow through the visit
// ingestion pipeline, one type per lifecycle stage.
package types

import (
	"errors"
	"time"
)

// NewVisitPayload is the raw, untrusted payload a producer submits.
// It is validated into a NewVisit before anything else touches it.
type NewVisitPayload struct {
	URL           string `json:"url"`
	PageLoadedAt  string `json:"page_loaded_at"`
	Referrer      string `json:"referrer,omitempty"`
	TabID         *int64 `json:"tab_id,omitempty"`
	OpenerTabID   *int64 `json:"opener_tab_id,omitempty"`
	Content       string `json:"content"`
}

var (
	// ErrMissingURL is returned when a payload has no url.
	ErrMissingURL = errors.New("schema: missing url")
	// ErrMissingContent is returned when a payload has no content.
	ErrMissingContent = errors.New("schema: missing content")
	// ErrMissingPageLoadedAt is returned when a payload has no page_loaded_at.
	ErrMissingPageLoadedAt = errors.New("schema: missing page_loaded_at")
	// ErrInvalidPageLoadedAt is returned when page_loaded_at does not parse as ISO-8601.
	ErrInvalidPageLoadedAt = errors.New("schema: page_loaded_at is not a valid ISO-8601 timestamp")
)

// Validate checks the required-fields contract from spec §6 and parses the
// timestamp. It does not compute identity (see internal/idgen) or touch I/O.
func (p NewVisitPayload) Validate() (time.Time, error) {
	if p.URL == "" {
		return time.Time{}, ErrMissingURL
	}
	if p.Content == "" {
		return time.Time{}, ErrMissingContent
	}
	if p.PageLoadedAt == "" {
		return time.Time{}, ErrMissingPageLoadedAt
	}
	t, err := time.Parse(time.RFC3339, p.PageLoadedAt)
	if err != nil {
		return time.Time{}, ErrInvalidPageLoadedAt
	}
	return t.UTC(), nil
}

// NewVisit is a validated visit awaiting reconciliation. VisitID is
// computed once, deterministically, by internal/idgen.
type NewVisit struct {
	VisitID      string
	URL          string
	Referrer     string // possibly empty; possibly truncated to origin
	PageLoadedAt time.Time
	TabID        *int64
	OpenerTabID  *int64
	Content      string
}

// Visit is a persisted row in the Structured Store.
type Visit struct {
	VisitID          string
	URL              string
	ReferrerURL      string // empty if none
	ReferrerVisitID  string // empty if none
	PageLoadedAt     time.Time
	TreeID           string
}

// Tree is a persisted row in the Structured Store.
type Tree struct {
	TreeID             string
	FirstLoadTime      time.Time
	LatestActivityTime time.Time
}

// Analysis is the per-visit enrichment the external workflow produces.
type Analysis struct {
	VisitID    string
	Title      string
	Summary    string
	Intentions []string
}

// TreeIntention is the per-tree-per-visit enrichment the external workflow
// produces.
type TreeIntention struct {
	TreeID     string
	VisitID    string
	Intentions []string
}

// VisitWithMeta is a Visit left-joined with its (optional) Analysis and
// TreeIntention rows, as returned by GetTreeMembers/GetRecentTreesWithMembers.
type VisitWithMeta struct {
	Visit
	Analysis      *Analysis
	TreeIntention *TreeIntention
}

// ReconcileResult is the Tree Reconciler's output for one visit (spec §4.4).
type ReconcileResult struct {
	TreeID      string // empty if the visit was skipped (aggregator suppression)
	TreeChanged bool   // true if a new tree or a new visit row was created
	Visit       Visit  // the persisted (or pre-existing, on idempotent replay) visit
	IsOrphan    bool   // always false from the Reconciler; the queue processor applies the orphan rule itself (queue.isOrphan)
}

// OrphanEntry is an in-memory record of a visit whose declared opener tab
// has not yet produced a resolvable parent (spec §4.5).
type OrphanEntry struct {
	Handle      string // opaque handle for IncrementRetryCount/removal
	Visit       NewVisit
	OpenerTabID int64
	ArrivalTime time.Time
	RetryCount  int
}

// OrphanStats is the read-only telemetry snapshot from spec §4.5/§6.
type OrphanStats struct {
	Total          int
	ByOpenerCount  map[int64]int
	OldestAgeMs    *int64 // nil if there are no orphans
}

// QueueStats is the read-only telemetry snapshot from spec §4.6/§6.
type QueueStats struct {
	QueueLength int
	Processing  bool
}
