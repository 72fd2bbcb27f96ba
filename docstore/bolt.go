package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB is a file-backed implementation of the DB interface. Each logical
// database gets its own bucket, so one file can hold several databases.
type BoltDB struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBolt opens (creating if necessary) the file at path and the bucket
// for the named logical database.
func OpenBolt(path, database string) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	bucket := []byte(database)
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", database, err)
	}

	return &BoltDB{db: db, bucket: bucket}, nil
}

// Get retrieves a document by ID.
func (b *BoltDB) Get(ctx context.Context, id string) (Document, error) {
	return withContext(ctx, func() (Document, error) {
		var doc Document
		found := false
		err := b.db.View(func(tx *bbolt.Tx) error {
			data := tx.Bucket(b.bucket).Get([]byte(id))
			if data == nil {
				return nil
			}
			found = true
			return json.Unmarshal(data, &doc)
		})
		if err != nil {
			return Document{}, fmt.Errorf("get %s: %w", id, err)
		}
		if !found {
			return Document{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
		}
		return doc, nil
	})
}

// Put writes a document inside a single write transaction, enforcing the
// revision check against the stored copy.
func (b *BoltDB) Put(ctx context.Context, doc Document) (string, error) {
	return withContext(ctx, func() (string, error) {
		if doc.ID == "" {
			return "", fmt.Errorf("document ID is required")
		}
		var rev string
		err := b.db.Update(func(tx *bbolt.Tx) error {
			bk := tx.Bucket(b.bucket)
			key := []byte(doc.ID)

			prevRev := ""
			if data := bk.Get(key); data != nil {
				var existing Document
				if err := json.Unmarshal(data, &existing); err != nil {
					return err
				}
				prevRev = existing.Rev
			} else if doc.Rev != "" {
				return fmt.Errorf("%w: id=%s rev=%s refers to a missing document", ErrConflict, doc.ID, doc.Rev)
			}
			if prevRev != doc.Rev {
				return fmt.Errorf("%w: id=%s have=%s want=%s", ErrConflict, doc.ID, doc.Rev, prevRev)
			}

			stored := doc
			stored.Rev = nextRev(prevRev)
			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			rev = stored.Rev
			return bk.Put(key, data)
		})
		if err != nil {
			return "", err
		}
		return rev, nil
	})
}

// Remove deletes a document, checking its revision.
func (b *BoltDB) Remove(ctx context.Context, doc Document) error {
	return withContextError(ctx, func() error {
		return b.db.Update(func(tx *bbolt.Tx) error {
			bk := tx.Bucket(b.bucket)
			key := []byte(doc.ID)
			data := bk.Get(key)
			if data == nil {
				return fmt.Errorf("%w: id=%s", ErrNotFound, doc.ID)
			}
			var existing Document
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Rev != doc.Rev {
				return fmt.Errorf("%w: id=%s have=%s want=%s", ErrConflict, doc.ID, doc.Rev, existing.Rev)
			}
			return bk.Delete(key)
		})
	})
}

// Find scans the bucket and applies the shared selector semantics.
func (b *BoltDB) Find(ctx context.Context, q Query) ([]Document, error) {
	return withContext(ctx, func() ([]Document, error) {
		docs, err := b.scan(0)
		if err != nil {
			return nil, err
		}
		return ApplyQuery(docs, q), nil
	})
}

// AllDocs returns up to limit documents in key order (0 means no limit).
func (b *BoltDB) AllDocs(ctx context.Context, limit int) ([]Document, error) {
	return withContext(ctx, func() ([]Document, error) {
		return b.scan(limit)
	})
}

// Len reports the number of stored documents.
func (b *BoltDB) Len(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		n := 0
		err := b.db.View(func(tx *bbolt.Tx) error {
			n = tx.Bucket(b.bucket).Stats().KeyN
			return nil
		})
		return n, err
	})
}

// Close closes the underlying file handle.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) scan(limit int) ([]Document, error) {
	var docs []Document
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			docs = append(docs, doc)
			if limit > 0 && len(docs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}
