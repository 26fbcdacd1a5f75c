// Package sqlite implements the Structured Store (internal/storage.Storage)
// on top of a local, embedded SQLite database via the pure-Go
// github.com/ncruces/go-sqlite3 driver — no CGO, matching spec §5's
// "presumed local (same-host embedded DB)" assumption.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the SQLite library, no system dependency

	"github.com/CRJFisher/bergamot/internal/storage"
	"github.com/CRJFisher/bergamot/internal/types"
)

// Store is the SQLite-backed Structured Store.
type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)

// Open opens (creating if absent, never destroying existing data) the
// SQLite database at path. The parent directory is created if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single embedded writer; spec §5 single-consumer processor owns writes

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateSchema is idempotent (spec §4.2, §9 Open Question 3).
func (s *Store) CreateSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return wrapDBError("create schema", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTx starts one reconciliation transaction (spec §4.4).
func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBError("begin tx", err)
	}
	return &sqlTx{ctx: ctx, tx: tx}, nil
}

// GetTreeMembers returns all visits of a tree left-joined with Analysis and
// TreeIntention (spec §4.2).
func (s *Store) GetTreeMembers(ctx context.Context, treeID string) ([]types.VisitWithMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.visit_id, v.url, v.referrer_url, v.referrer_visit_id, v.page_loaded_at, v.tree_id,
		       a.title, a.summary, a.intentions,
		       ti.intentions
		FROM visits v
		LEFT JOIN analysis a ON a.visit_id = v.visit_id
		LEFT JOIN tree_intentions ti ON ti.tree_id = v.tree_id AND ti.visit_id = v.visit_id
		WHERE v.tree_id = ?
		ORDER BY v.page_loaded_at ASC
	`, treeID)
	if err != nil {
		return nil, wrapDBError("get tree members", err)
	}
	defer rows.Close()

	members, err := scanVisitsWithMeta(rows, treeID)
	if err != nil {
		return nil, err
	}
	return members, nil
}

// GetRecentTreesWithMembers returns the most recently active trees
// (excluding excludeTreeID) with their members, ordered by
// latest_activity_time DESC, up to limit trees (spec §4.2).
func (s *Store) GetRecentTreesWithMembers(ctx context.Context, excludeTreeID string, limit int) (map[string][]types.VisitWithMeta, error) {
	treeRows, err := s.db.QueryContext(ctx, `
		SELECT tree_id FROM trees
		WHERE tree_id != ?
		ORDER BY latest_activity_time DESC
		LIMIT ?
	`, excludeTreeID, limit)
	if err != nil {
		return nil, wrapDBError("get recent trees", err)
	}
	var treeIDs []string
	for treeRows.Next() {
		var id string
		if err := treeRows.Scan(&id); err != nil {
			treeRows.Close()
			return nil, wrapDBError("scan recent tree", err)
		}
		treeIDs = append(treeIDs, id)
	}
	if err := treeRows.Err(); err != nil {
		treeRows.Close()
		return nil, wrapDBError("iterate recent trees", err)
	}
	treeRows.Close()

	result := make(map[string][]types.VisitWithMeta, len(treeIDs))
	for _, id := range treeIDs {
		members, err := s.GetTreeMembers(ctx, id)
		if err != nil {
			return nil, err
		}
		result[id] = members
	}
	return result, nil
}

// InsertOrReplaceAnalysis is called by the external workflow only (spec §4.7).
func (s *Store) InsertOrReplaceAnalysis(ctx context.Context, a types.Analysis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis (visit_id, title, summary, intentions)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(visit_id) DO UPDATE SET title = excluded.title, summary = excluded.summary, intentions = excluded.intentions
	`, a.VisitID, a.Title, a.Summary, formatJSONStringArray(a.Intentions))
	if err != nil {
		return wrapDBError("insert or replace analysis", err)
	}
	return nil
}

// UpsertTreeIntentions is called by the external workflow only (spec §4.7).
func (s *Store) UpsertTreeIntentions(ctx context.Context, treeID string, intentions []types.TreeIntention) error {
	stmt, err := s.db.PrepareContext(ctx, `
		INSERT INTO tree_intentions (tree_id, visit_id, intentions)
		VALUES (?, ?, ?)
		ON CONFLICT(tree_id, visit_id) DO UPDATE SET intentions = excluded.intentions
	`)
	if err != nil {
		return wrapDBError("prepare upsert tree intentions", err)
	}
	defer stmt.Close()

	for _, ti := range intentions {
		if _, err := stmt.ExecContext(ctx, treeID, ti.VisitID, formatJSONStringArray(ti.Intentions)); err != nil {
			return wrapDBError(fmt.Sprintf("upsert tree intention %s/%s", treeID, ti.VisitID), err)
		}
	}
	return nil
}

func scanVisitsWithMeta(rows *sql.Rows, treeID string) ([]types.VisitWithMeta, error) {
	var members []types.VisitWithMeta
	for rows.Next() {
		var (
			v                                   types.VisitWithMeta
			pageLoadedAt                         string
			referrerVisitID                      sql.NullString
			title, summary, analysisIntentions   sql.NullString
			treeIntentions                       sql.NullString
		)
		if err := rows.Scan(
			&v.VisitID, &v.URL, &v.ReferrerURL, &referrerVisitID, &pageLoadedAt, &v.TreeID,
			&title, &summary, &analysisIntentions,
			&treeIntentions,
		); err != nil {
			return nil, wrapDBError("scan visit with meta", err)
		}
		v.ReferrerVisitID = referrerVisitID.String
		at, err := parseTimestamp(pageLoadedAt)
		if err != nil {
			return nil, err
		}
		v.PageLoadedAt = at

		if title.Valid {
			v.Analysis = &types.Analysis{
				VisitID:    v.VisitID,
				Title:      title.String,
				Summary:    summary.String,
				Intentions: parseJSONStringArray(analysisIntentions.String),
			}
		}
		if treeIntentions.Valid {
			v.TreeIntention = &types.TreeIntention{
				TreeID:     treeID,
				VisitID:    v.VisitID,
				Intentions: parseJSONStringArray(treeIntentions.String),
			}
		}
		members = append(members, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate visits with meta", err)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].PageLoadedAt.Before(members[j].PageLoadedAt) })
	return members, nil
}
