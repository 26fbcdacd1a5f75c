package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/CRJFisher/bergamot/internal/storage"
	"github.com/CRJFisher/bergamot/internal/types"
)

// sqlTx implements storage.Tx over a single *sql.Tx. All reconciliation
// work for one visit happens through one sqlTx (spec §4.4).
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func parseTimestamp(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// UpsertTree inserts a tree, or advances its latest_activity_time to the
// later of the stored and supplied value while never overwriting
// first_load_time (spec §4.2).
func (t *sqlTx) UpsertTree(ctx context.Context, treeID string, firstLoadTime, latestActivityTime time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trees (tree_id, first_load_time, latest_activity_time)
		VALUES (?, ?, ?)
		ON CONFLICT(tree_id) DO UPDATE SET
			latest_activity_time = CASE
				WHEN excluded.latest_activity_time > trees.latest_activity_time THEN excluded.latest_activity_time
				ELSE trees.latest_activity_time
			END
	`, treeID, formatTimestamp(firstLoadTime), formatTimestamp(latestActivityTime))
	if err != nil {
		return wrapDBError("upsert tree", err)
	}
	return nil
}

// nullIfEmpty binds an empty Go string as SQL NULL rather than the empty
// string: sqlite3 only exempts a NULL child-key value from foreign-key
// enforcement, so referrer_visit_id must be NULL — never "" — whenever a
// visit has no parent, or PRAGMA foreign_keys = ON (store.go) rejects the
// insert outright (the root-visit case, spec §4.4 step 2b).
func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// InsertVisit inserts a new visit row; returns storage.ErrDuplicate if the
// visit_id already exists (spec §4.2, §3 invariant 6).
func (t *sqlTx) InsertVisit(ctx context.Context, v types.Visit) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO visits (visit_id, url, referrer_url, referrer_visit_id, page_loaded_at, tree_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.VisitID, v.URL, v.ReferrerURL, nullIfEmpty(v.ReferrerVisitID), formatTimestamp(v.PageLoadedAt), v.TreeID)
	if err != nil {
		return wrapDBError("insert visit", err)
	}
	return nil
}

// UpdateVisitParent rewrites a visit's tree_id and referrer_visit_id,
// used only during orphan flush (spec §4.5/§4.6).
func (t *sqlTx) UpdateVisitParent(ctx context.Context, visitID, treeID, referrerVisitID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE visits SET tree_id = ?, referrer_visit_id = ? WHERE visit_id = ?
	`, treeID, nullIfEmpty(referrerVisitID), visitID)
	if err != nil {
		return wrapDBError("update visit parent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update visit parent rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("update visit parent %s: %w", visitID, storage.ErrNotFound)
	}
	return nil
}

// FindVisitByReferrerURL implements spec §4.2's fuzzy match: url LIKE
// prefixURL || '%', nearest page_loaded_at wins; ties broken by earlier
// page_loaded_at, then by smaller visit_id lexicographically (spec §4.4).
func (t *sqlTx) FindVisitByReferrerURL(ctx context.Context, prefixURL string, near time.Time) (*types.Visit, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT visit_id, url, referrer_url, referrer_visit_id, page_loaded_at, tree_id
		FROM visits
		WHERE url LIKE ? || '%' ESCAPE '\'
	`, escapeLikePattern(prefixURL))
	if err != nil {
		return nil, wrapDBError("find visit by referrer url", err)
	}
	defer rows.Close()

	var best *types.Visit
	var bestDiff time.Duration
	for rows.Next() {
		var v types.Visit
		var pageLoadedAt string
		var referrerVisitID sql.NullString
		if err := rows.Scan(&v.VisitID, &v.URL, &v.ReferrerURL, &referrerVisitID, &pageLoadedAt, &v.TreeID); err != nil {
			return nil, wrapDBError("scan candidate visit", err)
		}
		v.ReferrerVisitID = referrerVisitID.String
		at, err := parseTimestamp(pageLoadedAt)
		if err != nil {
			return nil, err
		}
		v.PageLoadedAt = at

		diff := near.Sub(at)
		if diff < 0 {
			diff = -diff
		}

		if best == nil || isBetterCandidate(diff, v, bestDiff, *best) {
			vv := v
			best = &vv
			bestDiff = diff
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate candidate visits", err)
	}
	return best, nil
}

// isBetterCandidate implements the tie-break chain: closer timestamp wins;
// on a tie, earlier page_loaded_at wins; on a further tie, smaller visit_id
// lexicographically wins (spec §4.4).
func isBetterCandidate(diff time.Duration, v types.Visit, bestDiff time.Duration, best types.Visit) bool {
	if diff != bestDiff {
		return diff < bestDiff
	}
	if !v.PageLoadedAt.Equal(best.PageLoadedAt) {
		return v.PageLoadedAt.Before(best.PageLoadedAt)
	}
	return v.VisitID < best.VisitID
}

// GetVisitByID returns a visit by its primary key.
func (t *sqlTx) GetVisitByID(ctx context.Context, visitID string) (*types.Visit, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT visit_id, url, referrer_url, referrer_visit_id, page_loaded_at, tree_id
		FROM visits WHERE visit_id = ?
	`, visitID)
	var v types.Visit
	var pageLoadedAt string
	var referrerVisitID sql.NullString
	if err := row.Scan(&v.VisitID, &v.URL, &v.ReferrerURL, &referrerVisitID, &pageLoadedAt, &v.TreeID); err != nil {
		return nil, wrapDBError("get visit by id", err)
	}
	v.ReferrerVisitID = referrerVisitID.String
	at, err := parseTimestamp(pageLoadedAt)
	if err != nil {
		return nil, err
	}
	v.PageLoadedAt = at
	return &v, nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return wrapDBError("commit", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		return wrapDBError("rollback", err)
	}
	return nil
}

// escapeLikePattern escapes SQL LIKE metacharacters in a value that is
// concatenated into a LIKE pattern, so a url containing '%' or '_' is
// matched literally rather than as a wildcard (spec §4.2's injection/
// quoting-bug guidance in §9 applies equally to LIKE metacharacters, not
// just raw SQL text).
func escapeLikePattern(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
