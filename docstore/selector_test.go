package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func orgDoc(id, name, industry string, created int64) Document {
	return Document{
		ID:        id,
		Type:      "organization",
		CreatedAt: created,
		Fields: map[string]interface{}{
			"name":     name,
			"industry": industry,
		},
	}
}

func TestSelector(t *testing.T) {
	doc := orgDoc("org:us:initech", "Initech", "Technology", 100)

	t.Run("Eq", func(t *testing.T) {
		assert.True(t, Selector{"industry": Eq("Technology")}.Matches(doc))
		assert.False(t, Selector{"industry": Eq("Finance")}.Matches(doc))
	})

	t.Run("EqNumericJSONRoundTrip", func(t *testing.T) {
		d := Document{ID: "x", Fields: map[string]interface{}{"amount": float64(42)}}
		assert.True(t, Selector{"amount": Eq(42)}.Matches(d))
	})

	t.Run("ContainsCaseInsensitive", func(t *testing.T) {
		assert.True(t, Selector{"name": Contains("INI")}.Matches(doc))
		assert.True(t, Selector{"name": Contains("tech")}.Matches(doc))
		assert.False(t, Selector{"name": Contains("acme")}.Matches(doc))
	})

	t.Run("ContainsNonString", func(t *testing.T) {
		d := Document{ID: "x", Fields: map[string]interface{}{"amount": 42}}
		assert.False(t, Selector{"amount": Contains("4")}.Matches(d))
	})

	t.Run("In", func(t *testing.T) {
		assert.True(t, Selector{"industry": In("Finance", "Technology")}.Matches(doc))
		assert.False(t, Selector{"industry": In("Finance", "Retail")}.Matches(doc))
	})

	t.Run("MissingField", func(t *testing.T) {
		assert.False(t, Selector{"missing": Eq("x")}.Matches(doc))
	})

	t.Run("EnvelopeFields", func(t *testing.T) {
		assert.True(t, Selector{"type": Eq("organization")}.Matches(doc))
		assert.True(t, Selector{"_id": Contains("initech")}.Matches(doc))
	})

	t.Run("AllConditionsMustMatch", func(t *testing.T) {
		sel := Selector{
			"industry": Eq("Technology"),
			"name":     Contains("acme"),
		}
		assert.False(t, sel.Matches(doc))
	})
}

func TestApplyQuery(t *testing.T) {
	docs := []Document{
		orgDoc("a", "Acme", "Manufacturing", 3),
		orgDoc("b", "Beta Tech", "Technology", 1),
		orgDoc("c", "CygnusTech", "Technology", 2),
		orgDoc("d", "Delta", "Technology", 2),
	}

	t.Run("FilterAndSort", func(t *testing.T) {
		out := ApplyQuery(docs, Query{
			Selector: Selector{"industry": Eq("Technology")},
			Sort:     []SortField{{Field: "created_at"}},
		})
		assert.Len(t, out, 3)
		assert.Equal(t, "b", out[0].ID)
	})

	t.Run("StableSortKeepsEqualKeyOrder", func(t *testing.T) {
		out := ApplyQuery(docs, Query{Sort: []SortField{{Field: "created_at"}}})
		// c and d share created_at=2 and must keep their input order.
		assert.Equal(t, []string{"b", "c", "d", "a"},
			[]string{out[0].ID, out[1].ID, out[2].ID, out[3].ID})
	})

	t.Run("SortDesc", func(t *testing.T) {
		out := ApplyQuery(docs, Query{Sort: []SortField{{Field: "created_at", Desc: true}}})
		assert.Equal(t, "a", out[0].ID)
	})

	t.Run("SkipAndLimit", func(t *testing.T) {
		out := ApplyQuery(docs, Query{Sort: []SortField{{Field: "created_at"}}, Skip: 1, Limit: 2})
		assert.Len(t, out, 2)
		assert.Equal(t, "c", out[0].ID)

		out = ApplyQuery(docs, Query{Skip: 10})
		assert.Empty(t, out)
	})

	t.Run("HasSubstring", func(t *testing.T) {
		assert.True(t, Selector{"name": Contains("x")}.HasSubstring())
		assert.False(t, Selector{"name": Eq("x")}.HasSubstring())
	})
}
