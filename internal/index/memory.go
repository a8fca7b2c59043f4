package index

import (
	"sync"
)

// MemoryIndex is an inverted index held in memory. It is safe for
// concurrent use; Export holds the read lock, so searches keep running
// while an export is in progress and writers wait for it.
type MemoryIndex struct {
	mu       sync.RWMutex
	docs     map[string]Document
	postings map[string]map[string]int // term -> doc ID -> frequency
}

// NewMemoryIndex creates an empty index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs:     make(map[string]Document),
		postings: make(map[string]map[string]int),
	}
}

// Add inserts or replaces a document
func (m *MemoryIndex) Add(doc Document) error {
	if err := doc.validate(); err != nil {
		return err
	}
	doc.Tags = append([]string(nil), doc.Tags...)

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.docs[doc.ID]; ok {
		m.unindex(old)
	}
	m.docs[doc.ID] = doc
	for _, term := range documentTerms(doc) {
		p := m.postings[term]
		if p == nil {
			p = make(map[string]int)
			m.postings[term] = p
		}
		p[doc.ID]++
	}
	return nil
}

// Remove deletes a document
func (m *MemoryIndex) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	m.unindex(doc)
	delete(m.docs, id)
	return nil
}

// Get returns a copy of a stored document
func (m *MemoryIndex) Get(id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Tags = append([]string(nil), doc.Tags...)
	return doc, nil
}

// Len returns the number of stored documents
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Search scores documents by summed term frequency of the query terms.
// A limit <= 0 returns every match.
func (m *MemoryIndex) Search(query string, limit int) ([]Hit, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return []Hit{}, nil
	}

	m.mu.RLock()
	scores := make(map[string]float64)
	for _, term := range terms {
		for id, freq := range m.postings[term] {
			scores[id] += float64(freq)
		}
	}
	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ID: id, Title: m.docs[id].Title, Score: score})
	}
	m.mu.RUnlock()

	sortHits(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Export serializes every document into a snapshot
func (m *MemoryIndex) Export() ([]byte, error) {
	m.mu.RLock()
	docs := make([]Document, 0, len(m.docs))
	for _, doc := range m.docs {
		doc.Tags = append([]string(nil), doc.Tags...)
		docs = append(docs, doc)
	}
	m.mu.RUnlock()

	return encodeSnapshot(docs)
}

// Load replaces the index contents with a decoded snapshot.
func (m *MemoryIndex) Load(snap *Snapshot) error {
	fresh := NewMemoryIndex()
	for _, doc := range snap.Documents {
		if err := fresh.Add(doc); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = fresh.docs
	m.postings = fresh.postings
	return nil
}

func (m *MemoryIndex) unindex(doc Document) {
	for _, term := range documentTerms(doc) {
		p := m.postings[term]
		if p == nil {
			continue
		}
		if p[doc.ID]--; p[doc.ID] <= 0 {
			delete(p, doc.ID)
		}
		if len(p) == 0 {
			delete(m.postings, term)
		}
	}
}

func documentTerms(doc Document) []string {
	terms := tokenize(doc.Title)
	terms = append(terms, tokenize(doc.Body)...)
	for _, tag := range doc.Tags {
		terms = append(terms, tokenize(tag)...)
	}
	return terms
}
