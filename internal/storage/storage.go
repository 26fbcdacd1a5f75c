// Package storage defines the interface for the Structured Store (spec
// §4.2): a persistent, transactional, indexed relational store of trees,
// visits, analysis and tree-intentions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/CRJFisher/bergamot/internal/types"
)

// Sentinel errors, grounded on the teacher's wrapDBError/sentinel pattern
// (internal/storage/sqlite/errors.go): callers use errors.Is against these
// rather than matching driver-specific error strings.
var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a visit_id already exists (spec §4.2); the
	// caller treats this as an idempotent replay, not a failure.
	ErrDuplicate = errors.New("duplicate visit_id")
	// ErrConstraint indicates a foreign-key or check-constraint violation
	// that is not an expected duplicate (spec §7's Store/Constraint kind).
	ErrConstraint = errors.New("constraint violation")
)

// Tx is a single reconciliation transaction. Reconciler.Reconcile runs
// entirely within one Tx so that a StoreError aborts the whole attempt
// (spec §4.4's "entire reconciliation runs in one store transaction").
type Tx interface {
	// UpsertTree inserts or updates a tree row (spec §4.2's upsert_tree
	// rule: latest_activity_time advances to the later value, first_load_time
	// is never overwritten).
	UpsertTree(ctx context.Context, treeID string, firstLoadTime, latestActivityTime time.Time) error

	// InsertVisit inserts a new visit row. Returns ErrDuplicate (not a
	// fatal error) if visit_id already exists.
	InsertVisit(ctx context.Context, v types.Visit) error

	// UpdateVisitParent rewrites a visit's tree_id and referrer_visit_id.
	// Used only during orphan flush (spec §4.5/§4.6).
	UpdateVisitParent(ctx context.Context, visitID, treeID, referrerVisitID string) error

	// FindVisitByReferrerURL implements spec §4.2's fuzzy referrer match:
	// url LIKE prefixURL || '%', nearest page_loaded_at wins, ties broken
	// by earlier page_loaded_at then smaller visit_id.
	FindVisitByReferrerURL(ctx context.Context, prefixURL string, near time.Time) (*types.Visit, error)

	// GetVisitByID returns a visit by its primary key.
	GetVisitByID(ctx context.Context, visitID string) (*types.Visit, error)

	// Commit commits the transaction.
	Commit() error
	// Rollback aborts the transaction. Safe to call after Commit (no-op).
	Rollback() error
}

// Storage is the full Structured Store interface (spec §4.2).
type Storage interface {
	// CreateSchema is idempotent: creates tables/indexes if absent, never
	// drops or truncates existing data (spec §9 Open Question 3).
	CreateSchema(ctx context.Context) error

	// BeginTx starts one reconciliation transaction.
	BeginTx(ctx context.Context) (Tx, error)

	// GetTreeMembers returns all visits of a tree, left-joined with
	// Analysis and TreeIntention.
	GetTreeMembers(ctx context.Context, treeID string) ([]types.VisitWithMeta, error)

	// GetRecentTreesWithMembers returns the most recently active trees
	// (excluding excludeTreeID), each with its full member list, ordered by
	// latest_activity_time DESC, up to limit trees.
	GetRecentTreesWithMembers(ctx context.Context, excludeTreeID string, limit int) (map[string][]types.VisitWithMeta, error)

	// InsertOrReplaceAnalysis is called by the external workflow only.
	InsertOrReplaceAnalysis(ctx context.Context, a types.Analysis) error

	// UpsertTreeIntentions is called by the external workflow only.
	UpsertTreeIntentions(ctx context.Context, treeID string, intentions []types.TreeIntention) error

	// Close releases underlying resources (e.g. the database handle).
	Close() error
}
