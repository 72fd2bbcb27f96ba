package query

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hybr/bpmcore/docstore"
	"github.com/hybr/bpmcore/types"
)

// Search limits.
const (
	MinQueryLength = 2
	DefaultLimit   = 10
	MaxLimit       = 50
)

// SearchRequest is an organization search. Query is matched against the
// organization name case-insensitively; Filters are exact matches on
// categorical fields (industry, country, size).
type SearchRequest struct {
	Query   string
	Limit   int
	Filters map[string]string
}

// SearchResponse carries the matching organizations.
type SearchResponse struct {
	Success       bool
	Organizations []types.Organization
}

// OrgSearcher answers organization searches through a two-stage strategy:
// a primary query path with a full-scan fallback, so a failing query
// engine degrades to a slower answer instead of a hard error.
type OrgSearcher struct {
	strategy Strategy
	logger   *zap.Logger
}

// NewOrgSearcher builds a searcher. primary answers selector queries;
// fallback is scanned when the primary path fails.
func NewOrgSearcher(primary, fallback docstore.DB, logger *zap.Logger) *OrgSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrgSearcher{
		strategy: Strategy{
			Primary:  DBExecutor(primary),
			Fallback: FullScan(fallback, DefaultScanCap),
			Logger:   logger,
		},
		logger: logger,
	}
}

// Search validates the request and runs it. The limit is clamped to
// MaxLimit and defaults to DefaultLimit.
func (s *OrgSearcher) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if len(req.Query) < MinQueryLength {
		return SearchResponse{}, fmt.Errorf(
			"%w: query must be at least %d characters", ErrInvalidRequest, MinQueryLength)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	sel := docstore.Selector{"name": docstore.Contains(req.Query)}
	for field, value := range req.Filters {
		if value != "" {
			sel[field] = docstore.Eq(value)
		}
	}

	docs, err := s.strategy.Execute(ctx, sel, limit)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("search organizations: %w", err)
	}

	orgs := make([]types.Organization, 0, len(docs))
	for _, doc := range docs {
		orgs = append(orgs, OrganizationFromDocument(doc))
	}
	return SearchResponse{Success: true, Organizations: orgs}, nil
}

// OrganizationFromDocument rebuilds an organization from its document.
func OrganizationFromDocument(doc docstore.Document) types.Organization {
	org := types.Organization{ID: doc.ID}
	get := func(name string) string {
		v, _ := doc.Fields[name].(string)
		return v
	}
	org.Name = get("name")
	org.Industry = get("industry")
	org.Country = get("country")
	org.Size = get("size")
	org.Website = get("website")
	return org
}

// OrganizationToDocument converts an organization to its document form.
func OrganizationToDocument(org types.Organization) docstore.Document {
	return docstore.Document{
		ID:   org.ID,
		Type: "organization",
		Fields: map[string]interface{}{
			"name":     org.Name,
			"industry": org.Industry,
			"country":  org.Country,
			"size":     org.Size,
			"website":  org.Website,
		},
	}
}
