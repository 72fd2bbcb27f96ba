package docstore

import (
	"sort"
	"strings"
)

// Op is a selector condition kind.
type Op string

const (
	// OpEq matches when the field equals the condition value exactly.
	OpEq Op = "eq"
	// OpContains matches string fields containing the condition value,
	// case-insensitively.
	OpContains Op = "contains"
	// OpIn matches when the field equals any of the condition values.
	OpIn Op = "in"
)

// Condition is a single field condition.
type Condition struct {
	Op     Op
	Value  interface{}
	Values []interface{}
}

// Selector maps field names to conditions. All conditions must match.
type Selector map[string]Condition

// Eq builds an exact-match condition.
func Eq(v interface{}) Condition { return Condition{Op: OpEq, Value: v} }

// Contains builds a case-insensitive substring condition over text fields.
func Contains(s string) Condition { return Condition{Op: OpContains, Value: s} }

// In builds a set-membership condition.
func In(vs ...interface{}) Condition { return Condition{Op: OpIn, Values: vs} }

// HasSubstring reports whether the selector contains any substring
// condition. Backends without server-side pattern matching use this to
// refuse the query.
func (s Selector) HasSubstring() bool {
	for _, c := range s {
		if c.Op == OpContains {
			return true
		}
	}
	return false
}

// Matches applies the selector to a document. Every backend and the
// full-scan fallback share this matcher, so both query paths filter
// identically.
func (s Selector) Matches(doc Document) bool {
	for field, cond := range s {
		v, ok := doc.Field(field)
		if !ok {
			return false
		}
		if !cond.matches(v) {
			return false
		}
	}
	return true
}

func (c Condition) matches(v interface{}) bool {
	switch c.Op {
	case OpEq:
		return equalValues(v, c.Value)
	case OpContains:
		sub, ok := c.Value.(string)
		if !ok {
			return false
		}
		text, ok := v.(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(text), strings.ToLower(sub))
	case OpIn:
		for _, want := range c.Values {
			if equalValues(v, want) {
				return true
			}
		}
		return false
	}
	return false
}

// equalValues compares field values loosely enough to survive a JSON
// round-trip, where all numbers come back as float64.
func equalValues(a, b interface{}) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ApplyQuery filters, orders and pages a document set in memory. The sort
// is stable: documents with equal keys keep their incoming order.
func ApplyQuery(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Selector == nil || q.Selector.Matches(d) {
			out = append(out, d)
		}
	}

	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, sf := range q.Sort {
				cmp := compareField(out[i], out[j], sf.Field)
				if cmp == 0 {
					continue
				}
				if sf.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func compareField(a, b Document, field string) int {
	av, _ := a.Field(field)
	bv, _ := b.Field(field)

	if af, ok := toFloat(av); ok {
		if bf, ok := toFloat(bv); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, _ := av.(string)
	bs, _ := bv.(string)
	return strings.Compare(as, bs)
}
