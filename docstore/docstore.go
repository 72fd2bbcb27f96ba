// Package docstore provides a uniform document-store handle over a local
// persistent database and an optional remote endpoint, with revision-based
// optimistic concurrency.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Errors
var (
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("revision conflict")
	ErrUnsupportedQuery = errors.New("unsupported query")
	ErrNetwork          = errors.New("network error")
	ErrClosed           = errors.New("database is closed")
	ErrNoRemote         = errors.New("no remote endpoint configured")
)

// Document is a flat document with an opaque revision token. Well-known
// envelope fields live on the struct; everything domain-specific goes in
// Fields.
type Document struct {
	ID        string                 `json:"_id"`
	Rev       string                 `json:"_rev,omitempty"`
	Type      string                 `json:"type,omitempty"`
	CreatedAt int64                  `json:"created_at,omitempty"`
	UpdatedAt int64                  `json:"updated_at,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Field resolves a named field, checking the envelope before Fields.
func (d Document) Field(name string) (interface{}, bool) {
	switch name {
	case "_id", "id":
		return d.ID, true
	case "_rev", "rev":
		return d.Rev, true
	case "type":
		return d.Type, true
	case "created_at":
		return d.CreatedAt, true
	case "updated_at":
		return d.UpdatedAt, true
	}
	v, ok := d.Fields[name]
	return v, ok
}

// Clone returns a deep copy of the document's map fields.
func (d Document) Clone() Document {
	out := d
	if d.Fields != nil {
		out.Fields = make(map[string]interface{}, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// SortField orders Find results by a named field.
type SortField struct {
	Field string
	Desc  bool
}

// Query is a selector query with paging and ordering.
type Query struct {
	Selector Selector
	Limit    int
	Skip     int
	Sort     []SortField
}

// DB is the uniform database handle consumed by the rest of the core.
//
// Put requires the revision last read for existing documents and fails
// with ErrConflict when it is stale. Remove is revision-checked the same
// way. Find applies the shared selector semantics; backends that cannot
// execute a selector kind return ErrUnsupportedQuery.
type DB interface {
	Get(ctx context.Context, id string) (Document, error)
	Put(ctx context.Context, doc Document) (string, error)
	Remove(ctx context.Context, doc Document) error
	Find(ctx context.Context, q Query) ([]Document, error)
	AllDocs(ctx context.Context, limit int) ([]Document, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// withContext runs fn unless ctx is already done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// nextRev produces the revision token that follows prev. Tokens are
// "<generation>-<suffix>"; the generation increases by one on every write.
func nextRev(prev string) string {
	gen := 0
	if prev != "" {
		if head, _, ok := strings.Cut(prev, "-"); ok {
			gen, _ = strconv.Atoi(head)
		}
	}
	return fmt.Sprintf("%d-%s", gen+1, uuid.NewString()[:8])
}

// revGeneration extracts the numeric generation from a revision token.
func revGeneration(rev string) int {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	gen, _ := strconv.Atoi(head)
	return gen
}
