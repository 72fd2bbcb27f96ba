package process

import (
	"github.com/hybr/bpmcore/docstore"
	"github.com/hybr/bpmcore/types"
)

// ToDocument converts an instance to its document-store representation.
// The same field names feed the selector matcher, so queries over
// "status" or "sync_status" behave identically in memory and on disk.
func ToDocument(inst types.ProcessInstance) docstore.Document {
	fields := map[string]interface{}{
		"definition_id": inst.DefinitionID,
		"status":        string(inst.Status),
		"current_state": inst.CurrentState,
		"sync_status":   string(inst.SyncStatus),
	}
	if len(inst.Variables) > 0 {
		fields["variables"] = inst.Variables
	}
	if inst.LastSyncAt != nil {
		fields["last_sync_at"] = *inst.LastSyncAt
	}
	return docstore.Document{
		ID:        inst.ID,
		Rev:       inst.Rev,
		Type:      DocType,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
		Fields:    fields,
	}
}

// InstanceFromDocument rebuilds an instance from its stored document.
// Numeric fields survive the JSON round-trip as float64.
func InstanceFromDocument(doc docstore.Document) types.ProcessInstance {
	inst := types.ProcessInstance{
		ID:        doc.ID,
		Rev:       doc.Rev,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if v, ok := doc.Fields["definition_id"].(string); ok {
		inst.DefinitionID = v
	}
	if v, ok := doc.Fields["status"].(string); ok {
		inst.Status = types.Status(v)
	}
	if v, ok := doc.Fields["current_state"].(string); ok {
		inst.CurrentState = v
	}
	if v, ok := doc.Fields["sync_status"].(string); ok {
		inst.SyncStatus = types.SyncStatus(v)
	}
	if v, ok := doc.Fields["variables"].(map[string]interface{}); ok {
		inst.Variables = v
	}
	if v, ok := doc.Fields["last_sync_at"]; ok {
		switch n := v.(type) {
		case int64:
			inst.LastSyncAt = &n
		case float64:
			ms := int64(n)
			inst.LastSyncAt = &ms
		}
	}
	return inst
}
