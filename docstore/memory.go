package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryDB is an in-memory implementation of the DB interface. It backs
// tests and acts as the default local database when persistence is not
// wanted.
type MemoryDB struct {
	docs   map[string]Document
	mu     sync.RWMutex
	closed bool
}

// NewMemoryDB creates an empty in-memory database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{docs: make(map[string]Document)}
}

func (m *MemoryDB) checkOpen() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Get retrieves a document by ID.
func (m *MemoryDB) Get(ctx context.Context, id string) (Document, error) {
	return withContext(ctx, func() (Document, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if err := m.checkOpen(); err != nil {
			return Document{}, err
		}
		doc, ok := m.docs[id]
		if !ok {
			return Document{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
		}
		return doc.Clone(), nil
	})
}

// Put writes a document. The supplied revision must match the stored one;
// a stale revision fails with ErrConflict. New documents are written with
// an empty revision.
func (m *MemoryDB) Put(ctx context.Context, doc Document) (string, error) {
	return withContext(ctx, func() (string, error) {
		if doc.ID == "" {
			return "", fmt.Errorf("document ID is required")
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.checkOpen(); err != nil {
			return "", err
		}
		existing, ok := m.docs[doc.ID]
		if ok && existing.Rev != doc.Rev {
			return "", fmt.Errorf("%w: id=%s have=%s want=%s", ErrConflict, doc.ID, doc.Rev, existing.Rev)
		}
		if !ok && doc.Rev != "" {
			return "", fmt.Errorf("%w: id=%s rev=%s refers to a missing document", ErrConflict, doc.ID, doc.Rev)
		}
		stored := doc.Clone()
		stored.Rev = nextRev(existing.Rev)
		m.docs[doc.ID] = stored
		return stored.Rev, nil
	})
}

// Remove deletes a document, checking its revision. Missing documents fail
// with ErrNotFound.
func (m *MemoryDB) Remove(ctx context.Context, doc Document) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.checkOpen(); err != nil {
			return err
		}
		existing, ok := m.docs[doc.ID]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrNotFound, doc.ID)
		}
		if existing.Rev != doc.Rev {
			return fmt.Errorf("%w: id=%s have=%s want=%s", ErrConflict, doc.ID, doc.Rev, existing.Rev)
		}
		delete(m.docs, doc.ID)
		return nil
	})
}

// Find runs a selector query over the full document set.
func (m *MemoryDB) Find(ctx context.Context, q Query) ([]Document, error) {
	return withContext(ctx, func() ([]Document, error) {
		docs, err := m.snapshot()
		if err != nil {
			return nil, err
		}
		return ApplyQuery(docs, q), nil
	})
}

// AllDocs returns up to limit documents (0 means no limit).
func (m *MemoryDB) AllDocs(ctx context.Context, limit int) ([]Document, error) {
	return withContext(ctx, func() ([]Document, error) {
		docs, err := m.snapshot()
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(docs) > limit {
			docs = docs[:limit]
		}
		return docs, nil
	})
}

// Len reports the number of stored documents.
func (m *MemoryDB) Len(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if err := m.checkOpen(); err != nil {
			return 0, err
		}
		return len(m.docs), nil
	})
}

// Close marks the database closed; further operations fail with ErrClosed.
func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// snapshot copies the current documents ordered by ID so scans are
// deterministic.
func (m *MemoryDB) snapshot() ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d.Clone())
	}
	sortByID(docs)
	return docs, nil
}

func sortByID(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
