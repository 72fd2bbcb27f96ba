package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hybr/bpmcore/docstore"
	"github.com/hybr/bpmcore/types"
)

// DefinitionDocType tags process definition documents.
const DefinitionDocType = "process-definition"

// ErrDefinitionNotFound is returned when a definition lookup misses both
// the cache and the backing store.
var ErrDefinitionNotFound = errors.New("process definition not found")

// Definitions is the read-only registry of process definitions. The core
// never mutates definitions after registration; lookups check the cache
// first and fall through to the backing database.
type Definitions struct {
	mu   sync.RWMutex
	byID map[string]types.ProcessDefinition
	db   docstore.DB
}

// NewDefinitions creates a registry. db may be nil for a purely in-memory
// registry.
func NewDefinitions(db docstore.DB) *Definitions {
	return &Definitions{
		byID: make(map[string]types.ProcessDefinition),
		db:   db,
	}
}

// Register validates and stores a definition.
func (d *Definitions) Register(ctx context.Context, def types.ProcessDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: definition ID is required", ErrValidation)
	}
	if len(def.States) == 0 {
		return fmt.Errorf("%w: definition must declare at least one state", ErrValidation)
	}
	names := make(map[string]bool, len(def.States))
	for _, st := range def.States {
		if st.Name == "" {
			return fmt.Errorf("%w: state name is required", ErrValidation)
		}
		if names[st.Name] {
			return fmt.Errorf("%w: duplicate state %q", ErrValidation, st.Name)
		}
		names[st.Name] = true
	}
	if def.Initial == "" {
		def.Initial = def.States[0].Name
	}
	if !names[def.Initial] {
		return fmt.Errorf("%w: initial state %q is not declared", ErrValidation, def.Initial)
	}
	for _, st := range def.States {
		for _, t := range st.Transitions {
			if !names[t.To] {
				return fmt.Errorf("%w: state %q transitions to undeclared state %q", ErrValidation, st.Name, t.To)
			}
		}
	}

	if d.db != nil {
		doc, err := definitionToDocument(def)
		if err != nil {
			return err
		}
		if existing, err := d.db.Get(ctx, doc.ID); err == nil {
			doc.Rev = existing.Rev
		}
		if _, err := d.db.Put(ctx, doc); err != nil {
			return fmt.Errorf("persist definition %s: %w", def.ID, err)
		}
	}

	d.mu.Lock()
	d.byID[def.ID] = def
	d.mu.Unlock()
	return nil
}

// Get retrieves a definition, checking the cache first then the store.
func (d *Definitions) Get(ctx context.Context, id string) (types.ProcessDefinition, error) {
	d.mu.RLock()
	def, ok := d.byID[id]
	d.mu.RUnlock()
	if ok {
		return def, nil
	}
	if d.db == nil {
		return types.ProcessDefinition{}, fmt.Errorf("%w: id=%s", ErrDefinitionNotFound, id)
	}

	doc, err := d.db.Get(ctx, definitionDocID(id))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return types.ProcessDefinition{}, fmt.Errorf("%w: id=%s", ErrDefinitionNotFound, id)
		}
		return types.ProcessDefinition{}, fmt.Errorf("get definition %s: %w", id, err)
	}
	def, err = definitionFromDocument(doc)
	if err != nil {
		return types.ProcessDefinition{}, err
	}

	d.mu.Lock()
	d.byID[def.ID] = def
	d.mu.Unlock()
	return def, nil
}

// List returns every cached definition.
func (d *Definitions) List(ctx context.Context) []types.ProcessDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.ProcessDefinition, 0, len(d.byID))
	for _, def := range d.byID {
		out = append(out, def)
	}
	return out
}

func definitionDocID(id string) string {
	return DefinitionDocType + ":" + id
}

func definitionToDocument(def types.ProcessDefinition) (docstore.Document, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("encode definition %s: %w", def.ID, err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return docstore.Document{}, fmt.Errorf("encode definition %s: %w", def.ID, err)
	}
	return docstore.Document{
		ID:     definitionDocID(def.ID),
		Type:   DefinitionDocType,
		Fields: fields,
	}, nil
}

func definitionFromDocument(doc docstore.Document) (types.ProcessDefinition, error) {
	data, err := json.Marshal(doc.Fields)
	if err != nil {
		return types.ProcessDefinition{}, fmt.Errorf("decode definition %s: %w", doc.ID, err)
	}
	var def types.ProcessDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return types.ProcessDefinition{}, fmt.Errorf("decode definition %s: %w", doc.ID, err)
	}
	return def, nil
}
