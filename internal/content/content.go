// Package content implements the Content Store (spec §4.7, §9 Open
// Question 4): a key→blob store holding the processed page body, keyed by
// visit_id. Compression is the adapter's own concern; Get always returns
// the canonical decompressed text, per the spec's resolution of that open
// question (see DESIGN.md).
package content

import "context"

// Record is one stored content entry.
type Record struct {
	VisitID string
	URL     string
	Title   string
	Body    string // canonical, decompressed UTF-8 text
}

// Store is the interface the engine depends on. Vector search itself is
// out of scope (spec §1); KeyPrefixSearch exists only so the seam the
// out-of-scope vector memory store would implement against is visible.
type Store interface {
	// Put writes or overwrites one record.
	Put(ctx context.Context, r Record) error

	// Get returns the record for visitID, or (nil, nil) if absent.
	Get(ctx context.Context, visitID string) (*Record, error)

	// BatchGet returns records for the visitIDs that exist; missing ids
	// are simply absent from the result, not an error.
	BatchGet(ctx context.Context, visitIDs []string) (map[string]Record, error)

	// KeyPrefixSearch returns visit_ids whose key (visit_id) starts with
	// prefix. The engine never calls this; it is the key-prefixed
	// enumeration seam the out-of-scope vector memory store would build
	// its own index against.
	KeyPrefixSearch(ctx context.Context, prefix string) ([]string, error)
}
