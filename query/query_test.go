package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybr/bpmcore/docstore"
	"github.com/hybr/bpmcore/types"
)

// failingDB wraps a database so Find always fails, forcing the fallback
// path. The other methods pass through.
type failingDB struct {
	docstore.DB
	err error
}

func (f failingDB) Find(context.Context, docstore.Query) ([]docstore.Document, error) {
	return nil, f.err
}

func orgFixture(t *testing.T) docstore.DB {
	t.Helper()
	db := docstore.NewMemoryDB()
	orgs := []types.Organization{
		{ID: "org-1", Name: "Acme Technology", Industry: "Technology", Country: "us", Size: "51-200"},
		{ID: "org-2", Name: "TechNova Labs", Industry: "Technology", Country: "de", Size: "11-50"},
		{ID: "org-3", Name: "Green Fields Farming", Industry: "Agriculture", Country: "us", Size: "1-10"},
		{ID: "org-4", Name: "Blue Harbor Shipping", Industry: "Logistics", Country: "nl", Size: "201-500"},
		{ID: "org-5", Name: "Techwood Interiors", Industry: "Manufacturing", Country: "us", Size: "11-50"},
	}
	for _, org := range orgs {
		_, err := db.Put(context.Background(), OrganizationToDocument(org))
		require.NoError(t, err)
	}
	return db
}

func TestStrategy(t *testing.T) {
	ctx := context.Background()
	db := orgFixture(t)
	sel := docstore.Selector{"industry": docstore.Eq("Technology")}

	t.Run("PrimaryAnswers", func(t *testing.T) {
		s := Strategy{Primary: DBExecutor(db), Fallback: func(context.Context, docstore.Selector, int) ([]docstore.Document, error) {
			t.Fatal("fallback must not run when the primary succeeds")
			return nil, nil
		}}
		docs, err := s.Execute(ctx, sel, 0)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})

	t.Run("FallbackMatchesPrimary", func(t *testing.T) {
		primary, err := DBExecutor(db)(ctx, sel, 0)
		require.NoError(t, err)

		s := Strategy{
			Primary:  DBExecutor(failingDB{DB: db, err: docstore.ErrUnsupportedQuery}),
			Fallback: FullScan(db, 0),
		}
		fallback, err := s.Execute(ctx, sel, 0)
		require.NoError(t, err)
		assert.Equal(t, primary, fallback)
	})

	t.Run("NetworkFailureFallsBack", func(t *testing.T) {
		s := Strategy{
			Primary:  DBExecutor(failingDB{DB: db, err: docstore.ErrNetwork}),
			Fallback: FullScan(db, 0),
		}
		docs, err := s.Execute(ctx, sel, 0)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})

	t.Run("NoFallbackSurfacesError", func(t *testing.T) {
		s := Strategy{Primary: DBExecutor(failingDB{DB: db, err: docstore.ErrNetwork})}
		_, err := s.Execute(ctx, sel, 0)
		assert.ErrorIs(t, err, docstore.ErrNetwork)
	})

	t.Run("FullScanHonorsLimit", func(t *testing.T) {
		docs, err := FullScan(db, 0)(ctx, nil, 2)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})
}

func TestOrgSearch(t *testing.T) {
	ctx := context.Background()
	db := orgFixture(t)

	t.Run("SubstringCaseInsensitive", func(t *testing.T) {
		s := NewOrgSearcher(db, db, nil)
		resp, err := s.Search(ctx, SearchRequest{Query: "tech"})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		require.Len(t, resp.Organizations, 3)
		names := []string{resp.Organizations[0].Name, resp.Organizations[1].Name, resp.Organizations[2].Name}
		assert.Contains(t, names, "Acme Technology")
		assert.Contains(t, names, "TechNova Labs")
		assert.Contains(t, names, "Techwood Interiors")
	})

	t.Run("FiltersNarrow", func(t *testing.T) {
		s := NewOrgSearcher(db, db, nil)
		resp, err := s.Search(ctx, SearchRequest{
			Query:   "tech",
			Filters: map[string]string{"industry": "Technology", "country": "us"},
		})
		require.NoError(t, err)
		require.Len(t, resp.Organizations, 1)
		assert.Equal(t, "Acme Technology", resp.Organizations[0].Name)
	})

	t.Run("TooShortQuery", func(t *testing.T) {
		s := NewOrgSearcher(db, db, nil)
		_, err := s.Search(ctx, SearchRequest{Query: "t"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("LimitClamped", func(t *testing.T) {
		// Every name contains "o"; an oversized limit is clamped, a zero
		// limit defaults.
		s := NewOrgSearcher(db, db, nil)
		resp, err := s.Search(ctx, SearchRequest{Query: "or", Limit: MaxLimit + 1})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(resp.Organizations), MaxLimit)

		resp, err = s.Search(ctx, SearchRequest{Query: "or"})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(resp.Organizations), DefaultLimit)
	})

	t.Run("PrimaryRefusalFallsBack", func(t *testing.T) {
		// A primary that cannot evaluate substring selectors still
		// answers through the scan path.
		s := NewOrgSearcher(failingDB{DB: db, err: docstore.ErrUnsupportedQuery}, db, nil)
		resp, err := s.Search(ctx, SearchRequest{Query: "tech"})
		require.NoError(t, err)
		assert.Len(t, resp.Organizations, 3)
	})

	t.Run("EmptyResultIsSuccess", func(t *testing.T) {
		s := NewOrgSearcher(db, db, nil)
		resp, err := s.Search(ctx, SearchRequest{Query: "zzzz"})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Empty(t, resp.Organizations)
	})
}

func TestMemberships(t *testing.T) {
	ctx := context.Background()
	db := docstore.NewMemoryDB()
	memberships := []struct{ id, user, org string }{
		{"m1", "user-1", "org-2"},
		{"m2", "user-1", "org-1"},
		{"m3", "user-2", "org-3"},
	}
	for _, m := range memberships {
		_, err := db.Put(ctx, docstore.Document{
			ID:   m.id,
			Type: "membership",
			Fields: map[string]interface{}{
				"user": m.user,
				"org":  m.org,
			},
		})
		require.NoError(t, err)
	}
	lookup := NewMembershipLookup(db)

	t.Run("SortedResults", func(t *testing.T) {
		orgs, err := lookup.Memberships(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"org-1", "org-2"}, orgs)
	})

	t.Run("NoMemberships", func(t *testing.T) {
		orgs, err := lookup.Memberships(ctx, "user-3")
		require.NoError(t, err)
		assert.Empty(t, orgs)
	})

	t.Run("EmptyIdentity", func(t *testing.T) {
		orgs, err := lookup.Memberships(ctx, "")
		assert.ErrorIs(t, err, ErrNotAuthenticated)
		assert.Empty(t, orgs)
	})
}

func legalTypeFixture(t *testing.T) docstore.DB {
	t.Helper()
	db := docstore.NewMemoryDB()
	lts := []types.LegalType{
		{Country: "us", Slug: "llc", Name: "Limited Liability Company", Abbreviation: "LLC"},
		{Country: "us", Slug: "c-corp", Name: "C Corporation", Abbreviation: "C-Corp"},
		{Country: "de", Slug: "gmbh", Name: "Gesellschaft mit beschränkter Haftung", Abbreviation: "GmbH"},
	}
	for _, lt := range lts {
		_, err := db.Put(context.Background(), LegalTypeToDocument(lt))
		require.NoError(t, err)
	}
	return db
}

func TestLegalTypes(t *testing.T) {
	ctx := context.Background()

	t.Run("RemotePreferred", func(t *testing.T) {
		var gotCountry, gotSearch string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, legalTypesPath, r.URL.Path)
			gotCountry = r.URL.Query().Get("country")
			gotSearch = r.URL.Query().Get("search")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"legal_types": []types.LegalType{
					{ID: "legal-type:us:llc", Country: "us", Slug: "llc", Name: "Limited Liability Company"},
				},
			})
		}))
		defer srv.Close()

		c := NewLegalTypeClient(srv.URL, legalTypeFixture(t), time.Second, nil)
		out, err := c.LegalTypes(ctx, "us", "liability")
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "llc", out[0].Slug)
		assert.Equal(t, "us", gotCountry)
		assert.Equal(t, "liability", gotSearch)
	})

	t.Run("ServerErrorFallsBackToReplica", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewLegalTypeClient(srv.URL, legalTypeFixture(t), time.Second, nil)
		out, err := c.LegalTypes(ctx, "us", "")
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})

	t.Run("NoEndpointUsesReplica", func(t *testing.T) {
		c := NewLegalTypeClient("", legalTypeFixture(t), time.Second, nil)
		out, err := c.LegalTypes(ctx, "", "corporation")
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "c-corp", out[0].Slug)
	})

	t.Run("SaveWhitelistsMutableFields", func(t *testing.T) {
		db := docstore.NewMemoryDB()
		created, err := SaveLegalType(ctx, db, types.LegalType{
			Country: "us", Slug: "llc", Name: "Limited Liability Company",
			CreatedBy: "seed",
		})
		require.NoError(t, err)
		assert.Equal(t, types.LegalTypeID("us", "llc"), created.ID)
		assert.NotZero(t, created.CreatedAt)

		// A later write may rename but cannot rewrite identity or
		// provenance fields.
		updated, err := SaveLegalType(ctx, db, types.LegalType{
			ID: created.ID, Country: "de", Slug: "llc", Name: "LLC (renamed)",
			Abbreviation: "LLC", CreatedBy: "intruder", CreatedAt: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, "LLC (renamed)", updated.Name)
		assert.Equal(t, "LLC", updated.Abbreviation)
		assert.Equal(t, "us", updated.Country)
		assert.Equal(t, "seed", updated.CreatedBy)
		assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	})

	t.Run("ReplicaCountryFilter", func(t *testing.T) {
		c := NewLegalTypeClient("", legalTypeFixture(t), time.Second, nil)
		out, err := c.LegalTypes(ctx, "de", "")
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "GmbH", out[0].Abbreviation)
	})
}
