package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hybr/bpmcore/docstore"
)

// ErrNotAuthenticated signals an absent or unauthenticated identity. It
// accompanies an empty result; membership lookups never panic on missing
// identities.
var ErrNotAuthenticated = errors.New("not authenticated")

// MembershipLookup answers which organizations a user belongs to, backed
// by the members logical database.
type MembershipLookup struct {
	members docstore.DB
}

// NewMembershipLookup builds a lookup over the members database.
func NewMembershipLookup(members docstore.DB) *MembershipLookup {
	return &MembershipLookup{members: members}
}

// Memberships returns the organization identifiers the user belongs to,
// sorted for determinism. An empty user identity yields an empty result
// with ErrNotAuthenticated.
func (m *MembershipLookup) Memberships(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}

	docs, err := m.members.Find(ctx, docstore.Query{
		Selector: docstore.Selector{"user": docstore.Eq(userID)},
	})
	if err != nil {
		return nil, fmt.Errorf("lookup memberships for %s: %w", userID, err)
	}

	orgs := make([]string, 0, len(docs))
	for _, doc := range docs {
		if org, ok := doc.Fields["org"].(string); ok && org != "" {
			orgs = append(orgs, org)
		}
	}
	sort.Strings(orgs)
	return orgs, nil
}
