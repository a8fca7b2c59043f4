package index

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// searchIndex is the surface shared by both implementations.
type searchIndex interface {
	Add(doc Document) error
	Remove(id string) error
	Get(id string) (Document, error)
	Len() int
	Search(query string, limit int) ([]Hit, error)
	Export() ([]byte, error)
}

var sampleDocs = []Document{
	{ID: "n3", Title: "Grocery list", Body: "milk eggs bread", Tags: []string{"home"}},
	{ID: "n1", Title: "Meeting notes", Body: "quarterly planning meeting with the search team"},
	{ID: "n2", Title: "Search engine", Body: "search index export search", Tags: []string{"work", "search"}},
}

func implementations(t *testing.T) map[string]func() searchIndex {
	return map[string]func() searchIndex{
		"memory": func() searchIndex { return NewMemoryIndex() },
		"sqlite": func() searchIndex {
			idx, err := OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { idx.Close() })
			return idx
		},
	}
}

func seed(t *testing.T, idx searchIndex) {
	t.Helper()
	for _, doc := range sampleDocs {
		require.NoError(t, idx.Add(doc))
	}
}

func TestIndex_AddGetRemove(t *testing.T) {
	for name, newIndex := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			idx := newIndex()
			seed(t, idx)
			assert.Equal(t, 3, idx.Len())

			doc, err := idx.Get("n2")
			require.NoError(t, err)
			assert.Equal(t, "Search engine", doc.Title)
			assert.Equal(t, []string{"work", "search"}, doc.Tags)

			require.NoError(t, idx.Remove("n2"))
			assert.Equal(t, 2, idx.Len())

			_, err = idx.Get("n2")
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errors.Is(idx.Remove("n2"), ErrNotFound))
		})
	}
}

func TestIndex_AddRejectsEmptyID(t *testing.T) {
	for name, newIndex := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			err := newIndex().Add(Document{ID: "  ", Title: "x"})
			assert.ErrorIs(t, err, ErrInvalidDoc)
		})
	}
}

func TestIndex_AddReplaces(t *testing.T) {
	for name, newIndex := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			idx := newIndex()
			seed(t, idx)

			require.NoError(t, idx.Add(Document{ID: "n3", Title: "Hardware list", Body: "screws"}))
			assert.Equal(t, 3, idx.Len())

			hits, err := idx.Search("milk", 0)
			require.NoError(t, err)
			assert.Empty(t, hits, "old terms must be unindexed")

			hits, err = idx.Search("screws", 0)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "n3", hits[0].ID)
		})
	}
}

func TestIndex_Search(t *testing.T) {
	for name, newIndex := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			idx := newIndex()
			seed(t, idx)

			hits, err := idx.Search("search", 0)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, "n2", hits[0].ID, "document with more occurrences ranks first")
			assert.Equal(t, "n1", hits[1].ID)

			hits, err = idx.Search("search", 1)
			require.NoError(t, err)
			assert.Len(t, hits, 1)

			hits, err = idx.Search(`"(*)"`, 0)
			require.NoError(t, err)
			assert.Empty(t, hits)

			hits, err = idx.Search("HOME", 0)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "n3", hits[0].ID)
		})
	}
}

func TestIndex_ExportSnapshot(t *testing.T) {
	for name, newIndex := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			idx := newIndex()
			seed(t, idx)

			data, err := idx.Export()
			require.NoError(t, err)

			snap, err := DecodeSnapshot(data)
			require.NoError(t, err)
			assert.Equal(t, SnapshotVersion, snap.Version)
			assert.Equal(t, 3, snap.Count)
			require.Len(t, snap.Documents, 3)
			assert.Equal(t, "n1", snap.Documents[0].ID)
			assert.Equal(t, "n2", snap.Documents[1].ID)
			assert.Equal(t, "n3", snap.Documents[2].ID)
		})
	}
}

func TestIndex_ExportEmptyIsNotEmptyBytes(t *testing.T) {
	for name, newIndex := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			data, err := newIndex().Export()
			require.NoError(t, err)
			assert.NotEmpty(t, data)

			snap, err := DecodeSnapshot(data)
			require.NoError(t, err)
			assert.Zero(t, snap.Count)
			assert.NotNil(t, snap.Documents)
		})
	}
}

func TestIndex_ImplementationsExportTheSameBytes(t *testing.T) {
	mem := NewMemoryIndex()
	seed(t, mem)

	lite, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer lite.Close()
	seed(t, lite)

	a, err := mem.Export()
	require.NoError(t, err)
	b, err := lite.Export()
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestMemoryIndex_Load(t *testing.T) {
	src := NewMemoryIndex()
	seed(t, src)
	data, err := src.Export()
	require.NoError(t, err)
	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)

	dst := NewMemoryIndex()
	require.NoError(t, dst.Add(Document{ID: "stale", Body: "gone"}))
	require.NoError(t, dst.Load(snap))

	assert.Equal(t, 3, dst.Len())
	_, err = dst.Get("stale")
	assert.ErrorIs(t, err, ErrNotFound)

	hits, err := dst.Search("eggs", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestMemoryIndex_GetReturnsCopy(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx)

	doc, err := idx.Get("n2")
	require.NoError(t, err)
	doc.Tags[0] = "mutated"

	again, _ := idx.Get("n2")
	assert.Equal(t, "work", again.Tags[0])
}

func TestMemoryIndex_ExportWhileWriting(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = idx.Add(Document{ID: "w", Body: "churn"})
			_ = idx.Remove("w")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			data, err := idx.Export()
			if assert.NoError(t, err) {
				_, err = DecodeSnapshot(data)
				assert.NoError(t, err)
			}
		}
	}()
	wg.Wait()
}

func TestSQLiteIndex_PersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "notes.db")

	idx, err := OpenSQLite(path)
	require.NoError(t, err)
	seed(t, idx)
	assert.Equal(t, path, idx.Path())
	require.NoError(t, idx.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 3, reopened.Len())
}

func TestSQLiteIndex_UseAfterClose(t *testing.T) {
	idx, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	seed(t, idx)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, err = idx.Export()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = idx.Search("go", 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = idx.Get("n1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, idx.Add(Document{ID: "n9", Title: "late"}), ErrClosed)
	assert.ErrorIs(t, idx.Remove("n1"), ErrClosed)
	assert.Equal(t, 0, idx.Len())
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite("")
	assert.Error(t, err)
}

func TestDecodeSnapshot_Errors(t *testing.T) {
	tests := map[string]string{
		"not json":      "{",
		"wrong version": `{"version":9,"count":0,"documents":[]}`,
		"count":         `{"version":1,"count":2,"documents":[]}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSnapshot([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestBuildMatchQuery(t *testing.T) {
	assert.Equal(t, `"search" OR "index"`, buildMatchQuery("Search, index!"))
	assert.Equal(t, "", buildMatchQuery(`"*()"`))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "wörld", "42"}, tokenize("Hello, Wörld-42"))
}
