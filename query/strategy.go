// Package query implements the fallback query layer: a primary query
// path paired with a full-scan client-side filter that produces the same
// result set when the primary path cannot run.
package query

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hybr/bpmcore/docstore"
)

// DefaultScanCap bounds the candidate set the fallback executor fetches
// before filtering client-side.
const DefaultScanCap = 1000

// ErrInvalidRequest indicates malformed search input.
var ErrInvalidRequest = errors.New("invalid search request")

// Executor runs a selector query and returns matching documents.
type Executor func(ctx context.Context, sel docstore.Selector, limit int) ([]docstore.Document, error)

// Strategy is an explicit two-stage query: the primary executor is tried
// first; if it fails (unsupported selector, unreachable service) the
// fallback executor answers with the same selector semantics at full-scan
// cost. The fallback is a first-class unit, testable on its own.
type Strategy struct {
	Primary  Executor
	Fallback Executor
	Logger   *zap.Logger
}

// Execute runs the primary executor and falls back on any failure. The
// error is only surfaced when no fallback exists or the fallback fails
// too.
func (s Strategy) Execute(ctx context.Context, sel docstore.Selector, limit int) ([]docstore.Document, error) {
	docs, err := s.Primary(ctx, sel, limit)
	if err == nil {
		return docs, nil
	}
	if s.Fallback == nil {
		return nil, err
	}

	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case errors.Is(err, docstore.ErrUnsupportedQuery):
		logger.Debug("primary path refused selector, scanning locally", zap.Error(err))
	case errors.Is(err, docstore.ErrNetwork):
		logger.Warn("primary path unreachable, scanning locally", zap.Error(err))
	default:
		logger.Warn("primary path failed, scanning locally", zap.Error(err))
	}
	return s.Fallback(ctx, sel, limit)
}

// DBExecutor adapts a database handle's Find to an Executor.
func DBExecutor(db docstore.DB) Executor {
	return func(ctx context.Context, sel docstore.Selector, limit int) ([]docstore.Document, error) {
		return db.Find(ctx, docstore.Query{Selector: sel, Limit: limit})
	}
}

// FullScan builds the fallback executor over db: fetch up to cap
// documents, then apply the shared selector matcher client-side. A zero
// cap uses DefaultScanCap.
func FullScan(db docstore.DB, cap int) Executor {
	if cap <= 0 {
		cap = DefaultScanCap
	}
	return func(ctx context.Context, sel docstore.Selector, limit int) ([]docstore.Document, error) {
		docs, err := db.AllDocs(ctx, cap)
		if err != nil {
			return nil, fmt.Errorf("full scan: %w", err)
		}
		return docstore.ApplyQuery(docs, docstore.Query{Selector: sel, Limit: limit}), nil
	}
}
