package content

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FSStore is a filesystem-backed Store: one file per visit_id, holding a
// JSON envelope ({url, title, body}) whose body is optionally zstd
// compressed on disk. Grounded on the teacher's JSONL-export filesystem
// idiom (cmd/bd/autoflush.go: os.MkdirAll 0750, os.ReadFile/os.WriteFile),
// adapted to one-file-per-key instead of one append-only log.
type FSStore struct {
	dir      string
	compress bool

	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

type envelope struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Body  []byte `json:"body"`
}

// NewFSStore opens (creating if absent) a content store rooted at dir.
// When compress is true, bodies are zstd-compressed before being written.
func NewFSStore(dir string, compress bool) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create content store directory: %w", err)
	}

	s := &FSStore{dir: dir, compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		s.encoder = enc
		s.decoder = dec
	}
	return s, nil
}

// Close releases the zstd encoder/decoder.
func (s *FSStore) Close() error {
	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}

func (s *FSStore) pathFor(visitID string) string {
	return filepath.Join(s.dir, visitID+".json")
}

// Put writes r to disk, compressing the body first if configured.
func (s *FSStore) Put(ctx context.Context, r Record) error {
	body := []byte(r.Body)
	if s.compress {
		s.mu.Lock()
		body = s.encoder.EncodeAll([]byte(r.Body), nil)
		s.mu.Unlock()
	}

	env := envelope{URL: r.URL, Title: r.Title, Body: body}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal content envelope for %s: %w", r.VisitID, err)
	}

	if err := os.WriteFile(s.pathFor(r.VisitID), data, 0o640); err != nil {
		return fmt.Errorf("write content for %s: %w", r.VisitID, err)
	}
	return nil
}

// Get reads and decompresses the record for visitID, returning (nil, nil)
// if no record exists — Get's contract is to always return the canonical
// decompressed text (spec §9 Open Question 4).
func (s *FSStore) Get(ctx context.Context, visitID string) (*Record, error) {
	data, err := os.ReadFile(s.pathFor(visitID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read content for %s: %w", visitID, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal content envelope for %s: %w", visitID, err)
	}

	body := env.Body
	if s.compress {
		s.mu.Lock()
		decoded, decErr := s.decoder.DecodeAll(env.Body, nil)
		s.mu.Unlock()
		if decErr != nil {
			return nil, fmt.Errorf("decompress content for %s: %w", visitID, decErr)
		}
		body = decoded
	}

	return &Record{VisitID: visitID, URL: env.URL, Title: env.Title, Body: string(body)}, nil
}

// BatchGet reads each visitID independently; missing ids are simply
// absent from the result rather than an error.
func (s *FSStore) BatchGet(ctx context.Context, visitIDs []string) (map[string]Record, error) {
	out := make(map[string]Record, len(visitIDs))
	for _, id := range visitIDs {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out[id] = *rec
		}
	}
	return out, nil
}

// KeyPrefixSearch lists visit_ids on disk whose id starts with prefix.
func (s *FSStore) KeyPrefixSearch(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list content store directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if name == e.Name() {
			continue // not one of our envelope files
		}
		if strings.HasPrefix(name, prefix) {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
