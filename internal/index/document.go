// Package index provides the search indexes exportd can export: an
// in-memory inverted index and a SQLite full-text index. Both satisfy
// task.SearchContext.
//
// The exported snapshot is a versioned JSON document listing every stored
// document in ID order. Its layout is not a stable contract.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// SnapshotVersion is written into every exported snapshot.
const SnapshotVersion = 1

var (
	ErrNotFound   = errors.New("document not found")
	ErrInvalidDoc = errors.New("invalid document")
	ErrClosed     = errors.New("index closed")
)

// Document is one searchable item.
type Document struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// Snapshot is the exported form of an index.
type Snapshot struct {
	Version   int        `json:"version"`
	Count     int        `json:"count"`
	Documents []Document `json:"documents"`
}

func (d *Document) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDoc)
	}
	return nil
}

// encodeSnapshot sorts docs by ID and encodes them.
func encodeSnapshot(docs []Document) ([]byte, error) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	if docs == nil {
		docs = []Document{}
	}
	data, err := json.Marshal(Snapshot{
		Version:   SnapshotVersion,
		Count:     len(docs),
		Documents: docs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses bytes produced by Export.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if snap.Count != len(snap.Documents) {
		return nil, fmt.Errorf("snapshot count %d does not match %d documents", snap.Count, len(snap.Documents))
	}
	return &snap, nil
}

// tokenize lowercases s and splits it on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
