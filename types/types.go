package types

import "fmt"

// Status is the lifecycle status of a process instance, distinct from the
// named state it currently occupies within its definition.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
)

// Terminal reports whether the status admits no further status mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Valid reports whether the status is one of the known lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled, StatusFailed, StatusSuspended:
		return true
	}
	return false
}

// SyncStatus records whether the local copy of a document has been
// confirmed reconciled with the remote store.
type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncPending SyncStatus = "pending"
	SyncError   SyncStatus = "error"
)

// Valid reports whether the sync status is one of the known values.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncSynced, SyncPending, SyncError:
		return true
	}
	return false
}

// ProcessInstance is a single running occurrence of a business process.
type ProcessInstance struct {
	ID           string                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	Status       Status                 `json:"status"`
	CurrentState string                 `json:"current_state"`
	Variables    map[string]interface{} `json:"variables,omitempty"`
	SyncStatus   SyncStatus             `json:"sync_status"`
	CreatedAt    int64                  `json:"created_at"`
	UpdatedAt    int64                  `json:"updated_at"`
	LastSyncAt   *int64                 `json:"last_sync_at,omitempty"`
	Rev          string                 `json:"rev,omitempty"`
}

// TransitionDef describes one outgoing edge from a named state. Condition
// is an expression evaluated against the instance variables; an empty or
// "true" condition always passes.
type TransitionDef struct {
	To        string `json:"to"`
	Action    string `json:"action,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// StateDef is one named state in a process definition's state graph.
type StateDef struct {
	Name            string          `json:"name"`
	RequiredActions []string        `json:"required_actions,omitempty"`
	Transitions     []TransitionDef `json:"transitions,omitempty"`
}

// ProcessDefinition is the template describing a process type's valid
// states, transitions and required actions. Read-mostly reference data;
// this core only reads it.
type ProcessDefinition struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Category string     `json:"category,omitempty"`
	Icon     string     `json:"icon,omitempty"`
	Color    string     `json:"color,omitempty"`
	Initial  string     `json:"initial"`
	States   []StateDef `json:"states"`
}

// State returns the definition of the named state, if any.
func (d ProcessDefinition) State(name string) (StateDef, bool) {
	for _, s := range d.States {
		if s.Name == name {
			return s, true
		}
	}
	return StateDef{}, false
}

// Organization is the shape of a document in the organizations database.
type Organization struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Industry string `json:"industry,omitempty"`
	Country  string `json:"country,omitempty"`
	Size     string `json:"size,omitempty"`
	Website  string `json:"website,omitempty"`
}

// LegalType is a common reference document (e.g. "llc", "gmbh"), keyed by
// a deterministic composite identifier. CreatedAt and CreatedBy are
// immutable after creation; only Name, Abbreviation and Description may
// change.
type LegalType struct {
	ID           string `json:"id"`
	Country      string `json:"country"`
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Abbreviation string `json:"abbreviation,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	CreatedBy    string `json:"created_by,omitempty"`
}

// LegalTypeID builds the composite identifier for a legal type document.
func LegalTypeID(country, slug string) string {
	return fmt.Sprintf("legal-type:%s:%s", country, slug)
}

// MemberID builds the composite identifier for a membership document.
func MemberID(orgID, userID string) string {
	return fmt.Sprintf("member:%s:%s", orgID, userID)
}
