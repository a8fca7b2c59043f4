package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    body TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]'
);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    title,
    body,
    tags,
    content='documents',
    content_rowid='seq',
    tokenize='unicode61'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
    INSERT INTO documents_fts(rowid, title, body, tags)
    VALUES (new.seq, new.title, new.body, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
    INSERT INTO documents_fts(documents_fts, rowid, title, body, tags)
    VALUES ('delete', old.seq, old.title, old.body, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
    INSERT INTO documents_fts(documents_fts, rowid, title, body, tags)
    VALUES ('delete', old.seq, old.title, old.body, old.tags);
    INSERT INTO documents_fts(rowid, title, body, tags)
    VALUES (new.seq, new.title, new.body, new.tags);
END;
`

// SQLiteIndex is a full-text index stored in a SQLite database.
// database/sql serializes access, so it is safe for concurrent use.
type SQLiteIndex struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// OpenSQLite opens or creates the index database at path. ":memory:" gives
// a private in-memory database.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite index path cannot be empty")
	}
	inMemory := path == ":memory:"

	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite has a single writer, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	if !inMemory {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteIndex{db: db, path: path}, nil
}

// Path returns the database location
func (s *SQLiteIndex) Path() string {
	return s.path
}

// Close closes the database. Every later call returns ErrClosed.
func (s *SQLiteIndex) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Add inserts or replaces a document
func (s *SQLiteIndex) Add(doc Document) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := doc.validate(); err != nil {
		return err
	}
	tags, err := encodeTags(doc.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO documents (id, title, body, tags) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, body = excluded.body, tags = excluded.tags`,
		doc.ID, doc.Title, doc.Body, tags)
	if err != nil {
		return fmt.Errorf("failed to add document %s: %w", doc.ID, err)
	}
	return nil
}

// Remove deletes a document
func (s *SQLiteIndex) Remove(id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res, err := s.db.Exec("DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove document %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a stored document
func (s *SQLiteIndex) Get(id string) (Document, error) {
	if s.closed.Load() {
		return Document{}, ErrClosed
	}
	var doc Document
	var tags string
	err := s.db.QueryRow("SELECT id, title, body, tags FROM documents WHERE id = ?", id).
		Scan(&doc.ID, &doc.Title, &doc.Body, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	if doc.Tags, err = decodeTags(tags); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Len returns the number of stored documents
func (s *SQLiteIndex) Len() int {
	if s.closed.Load() {
		return 0
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0
	}
	return n
}

// Search runs a full-text query, best matches first. A limit <= 0 returns
// every match.
func (s *SQLiteIndex) Search(query string, limit int) ([]Hit, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	match := buildMatchQuery(query)
	if match == "" {
		return []Hit{}, nil
	}

	q := `
		SELECT d.id, d.title, -bm25(documents_fts) AS score
		FROM documents_fts
		JOIN documents d ON d.seq = documents_fts.rowid
		WHERE documents_fts MATCH ?
		ORDER BY score DESC, d.id ASC`
	args := []interface{}{match}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Title, &h.Score); err != nil {
			return nil, fmt.Errorf("search failed: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Export serializes every document into a snapshot
func (s *SQLiteIndex) Export() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.Query("SELECT id, title, body, tags FROM documents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var tags string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Body, &tags); err != nil {
			return nil, fmt.Errorf("failed to read documents: %w", err)
		}
		if doc.Tags, err = decodeTags(tags); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}

	return encodeSnapshot(docs)
}

// buildMatchQuery turns free text into an FTS5 OR-query of quoted terms,
// so user input cannot inject FTS syntax.
func buildMatchQuery(query string) string {
	terms := tokenize(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	return string(data), nil
}

func decodeTags(s string) ([]string, error) {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}
