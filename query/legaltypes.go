package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/hybr/bpmcore/docstore"
	"github.com/hybr/bpmcore/types"
)

// legalTypesPath is the reference-data read endpoint.
const legalTypesPath = "/common/legal-types"

// LegalTypeClient reads common legal-type reference data. The HTTP query
// endpoint is the preferred source; on network failure it falls back
// transparently to the local replica with the same filter semantics.
type LegalTypeClient struct {
	base   string
	client *http.Client
	local  docstore.DB
	logger *zap.Logger
}

// NewLegalTypeClient builds a client. base is the query service root;
// local is the common logical database replica. timeout bounds every
// request (defaulting to 10s).
func NewLegalTypeClient(base string, local docstore.DB, timeout time.Duration, logger *zap.Logger) *LegalTypeClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LegalTypeClient{
		base:   base,
		client: &http.Client{Timeout: timeout},
		local:  local,
		logger: logger,
	}
}

// LegalTypes fetches legal types, optionally filtered by country (exact)
// and search (case-insensitive substring over the name). The remote and
// local paths apply identical filters, so the fallback changes cost, not
// results.
func (c *LegalTypeClient) LegalTypes(ctx context.Context, country, search string) ([]types.LegalType, error) {
	if c.base != "" {
		out, err := c.fetchRemote(ctx, country, search)
		if err == nil {
			return out, nil
		}
		c.logger.Warn("legal-types endpoint unavailable, using local replica",
			zap.Error(err))
	}
	return c.fetchLocal(ctx, country, search)
}

func (c *LegalTypeClient) fetchRemote(ctx context.Context, country, search string) ([]types.LegalType, error) {
	u, err := url.Parse(c.base + legalTypesPath)
	if err != nil {
		return nil, fmt.Errorf("build legal-types URL: %w", err)
	}
	q := u.Query()
	if country != "" {
		q.Set("country", country)
	}
	if search != "" {
		q.Set("search", search)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", docstore.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: legal-types endpoint returned %d", docstore.ErrNetwork, resp.StatusCode)
	}

	var body struct {
		Success    bool              `json:"success"`
		LegalTypes []types.LegalType `json:"legal_types"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode legal-types response: %w", err)
	}
	if !body.Success {
		return nil, fmt.Errorf("%w: legal-types endpoint reported failure", docstore.ErrNetwork)
	}
	return body.LegalTypes, nil
}

func (c *LegalTypeClient) fetchLocal(ctx context.Context, country, search string) ([]types.LegalType, error) {
	sel := docstore.Selector{"type": docstore.Eq("legal-type")}
	if country != "" {
		sel["country"] = docstore.Eq(country)
	}
	if search != "" {
		sel["name"] = docstore.Contains(search)
	}

	docs, err := FullScan(c.local, DefaultScanCap)(ctx, sel, 0)
	if err != nil {
		return nil, fmt.Errorf("local legal-types replica: %w", err)
	}

	out := make([]types.LegalType, 0, len(docs))
	for _, doc := range docs {
		out = append(out, LegalTypeFromDocument(doc))
	}
	return out, nil
}

// SaveLegalType writes a legal type to the common database. Reference
// documents are immutable once created except for Name, Abbreviation and
// Description: an existing document keeps its identity fields, CreatedAt
// and CreatedBy no matter what the caller supplies.
func SaveLegalType(ctx context.Context, db docstore.DB, lt types.LegalType) (types.LegalType, error) {
	doc := LegalTypeToDocument(lt)

	existing, err := db.Get(ctx, doc.ID)
	switch {
	case err == nil:
		prev := LegalTypeFromDocument(existing)
		lt.ID = prev.ID
		lt.Country = prev.Country
		lt.Slug = prev.Slug
		lt.CreatedAt = prev.CreatedAt
		lt.CreatedBy = prev.CreatedBy
		doc = LegalTypeToDocument(lt)
		doc.Rev = existing.Rev
	case errors.Is(err, docstore.ErrNotFound):
		if lt.CreatedAt == 0 {
			lt.CreatedAt = time.Now().UnixMilli()
			doc = LegalTypeToDocument(lt)
		}
	default:
		return types.LegalType{}, fmt.Errorf("save legal type %s: %w", doc.ID, err)
	}

	if _, err := db.Put(ctx, doc); err != nil {
		return types.LegalType{}, fmt.Errorf("save legal type %s: %w", doc.ID, err)
	}
	lt.ID = doc.ID
	return lt, nil
}

// LegalTypeFromDocument rebuilds a legal type from its document.
func LegalTypeFromDocument(doc docstore.Document) types.LegalType {
	lt := types.LegalType{ID: doc.ID, CreatedAt: doc.CreatedAt}
	get := func(name string) string {
		v, _ := doc.Fields[name].(string)
		return v
	}
	lt.Country = get("country")
	lt.Slug = get("slug")
	lt.Name = get("name")
	lt.Abbreviation = get("abbreviation")
	lt.Description = get("description")
	lt.CreatedBy = get("created_by")
	return lt
}

// LegalTypeToDocument converts a legal type to its document form, keyed
// by the deterministic composite identifier.
func LegalTypeToDocument(lt types.LegalType) docstore.Document {
	id := lt.ID
	if id == "" {
		id = types.LegalTypeID(lt.Country, lt.Slug)
	}
	return docstore.Document{
		ID:        id,
		Type:      "legal-type",
		CreatedAt: lt.CreatedAt,
		Fields: map[string]interface{}{
			"country":      lt.Country,
			"slug":         lt.Slug,
			"name":         lt.Name,
			"abbreviation": lt.Abbreviation,
			"description":  lt.Description,
			"created_by":   lt.CreatedBy,
		},
	}
}
