package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltDB(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T) *BoltDB {
		t.Helper()
		db, err := OpenBolt(filepath.Join(t.TempDir(), "local.db"), "processes")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		db := open(t)
		doc := Document{
			ID:        "process:invoice:1",
			Type:      "process",
			UpdatedAt: 42,
			Fields:    map[string]interface{}{"status": "active", "amount": 2500.0},
		}
		rev, err := db.Put(ctx, doc)
		require.NoError(t, err)

		got, err := db.Get(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, rev, got.Rev)
		assert.Equal(t, int64(42), got.UpdatedAt)
		assert.Equal(t, "active", got.Fields["status"])
		assert.Equal(t, 2500.0, got.Fields["amount"])
	})

	t.Run("RevisionCheck", func(t *testing.T) {
		db := open(t)
		doc := Document{ID: "p1", Fields: map[string]interface{}{"n": 1.0}}
		rev1, err := db.Put(ctx, doc)
		require.NoError(t, err)

		doc.Rev = rev1
		_, err = db.Put(ctx, doc)
		require.NoError(t, err)

		doc.Rev = rev1
		_, err = db.Put(ctx, doc)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("RemoveAndNotFound", func(t *testing.T) {
		db := open(t)
		rev, err := db.Put(ctx, Document{ID: "p1"})
		require.NoError(t, err)

		require.NoError(t, db.Remove(ctx, Document{ID: "p1", Rev: rev}))
		_, err = db.Get(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, db.Remove(ctx, Document{ID: "p1", Rev: rev}), ErrNotFound)
	})

	t.Run("FindMatchesMemorySemantics", func(t *testing.T) {
		db := open(t)
		mem := NewMemoryDB()
		fixtures := []Document{
			{ID: "a", Fields: map[string]interface{}{"name": "Acme", "industry": "Manufacturing"}},
			{ID: "b", Fields: map[string]interface{}{"name": "Beta Tech", "industry": "Technology"}},
			{ID: "c", Fields: map[string]interface{}{"name": "Cygnus", "industry": "Technology"}},
		}
		for _, doc := range fixtures {
			_, err := db.Put(ctx, doc)
			require.NoError(t, err)
			_, err = mem.Put(ctx, doc)
			require.NoError(t, err)
		}

		q := Query{Selector: Selector{"name": Contains("tech")}}
		fromBolt, err := db.Find(ctx, q)
		require.NoError(t, err)
		fromMem, err := mem.Find(ctx, q)
		require.NoError(t, err)

		ids := func(docs []Document) []string {
			out := make([]string, len(docs))
			for i, d := range docs {
				out[i] = d.ID
			}
			return out
		}
		assert.ElementsMatch(t, ids(fromMem), ids(fromBolt))
	})

	t.Run("PersistsAcrossReopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "local.db")
		db, err := OpenBolt(path, "processes")
		require.NoError(t, err)
		_, err = db.Put(ctx, Document{ID: "p1", Fields: map[string]interface{}{"status": "active"}})
		require.NoError(t, err)
		require.NoError(t, db.Close())

		db, err = OpenBolt(path, "processes")
		require.NoError(t, err)
		defer db.Close()

		got, err := db.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "active", got.Fields["status"])

		n, err := db.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}
