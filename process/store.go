// Package process holds the canonical state machine for process instance
// lifecycles: an in-memory, revision-synchronized index written through to
// the local document store.
package process

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/hybr/bpmcore/docstore"
	"github.com/hybr/bpmcore/events"
	"github.com/hybr/bpmcore/rules"
	"github.com/hybr/bpmcore/types"
)

// Standard error definitions. ErrNotFound wraps the document store's
// sentinel so callers holding only a document handle (the sync
// coordinator) can match either with errors.Is.
var (
	ErrNotFound          = fmt.Errorf("process instance: %w", docstore.ErrNotFound)
	ErrInvalidInstance   = errors.New("invalid process instance")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrNoTransition      = errors.New("no transition matched")
)

// DocType tags process instance documents in the document store.
const DocType = "process"

// Patch is a partial mutation of a process instance. Nil fields are left
// untouched; Variables are merged key by key.
type Patch struct {
	Status       *types.Status
	CurrentState *string
	Variables    map[string]interface{}
}

// OrderBy selects the sort key for Query results.
type OrderBy int

const (
	OrderByCreated OrderBy = iota
	OrderByUpdated
)

// Filter narrows and orders Query results. Selector and Predicate may be
// combined; both must match.
type Filter struct {
	Selector  docstore.Selector
	Predicate func(types.ProcessInstance) bool
	OrderBy   OrderBy
	Desc      bool
	Limit     int
}

// Statistics are per-status instance counts plus the needs-sync count.
type Statistics struct {
	Total       int
	ByStatus    map[types.Status]int
	NeedingSync int
}

// SyncStatusChange is the payload of process.syncstatus events.
type SyncStatusChange struct {
	ID         string
	SyncStatus types.SyncStatus
	LastSyncAt *int64
}

// Store is the process instance store. All mutation of the index funnels
// through its methods; each mutation runs to completion under the store
// lock, and its event fires after the lock is released so a subscriber
// may read the store back during dispatch.
type Store struct {
	mu        sync.RWMutex
	instances map[string]types.ProcessInstance

	db     docstore.DB
	bus    *events.Bus
	defs   *Definitions
	eval   rules.Evaluator
	gen    generator.Generator
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithDefinitions attaches the definition registry used by Advance and
// RequiredActions.
func WithDefinitions(defs *Definitions) Option {
	return func(s *Store) { s.defs = defs }
}

// WithEvaluator replaces the guard evaluator.
func WithEvaluator(eval rules.Evaluator) Option {
	return func(s *Store) { s.eval = eval }
}

// WithGenerator sets the ID generator used by GenerateID.
func WithGenerator(gen generator.Generator) Option {
	return func(s *Store) { s.gen = gen }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a process instance store writing through to db and
// publishing on bus. A nil db falls back to an in-memory database; a nil
// bus gets a private one.
func NewStore(db docstore.DB, bus *events.Bus, options ...Option) (*Store, error) {
	if db == nil {
		db = docstore.NewMemoryDB()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	s := &Store{
		instances: make(map[string]types.ProcessInstance),
		db:        db,
		bus:       bus,
		eval:      rules.NewGuardEvaluator(),
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

// Load populates the index from the local database, replacing whatever the
// index held. Called once after construction and again after a sync pull.
func (s *Store) Load(ctx context.Context) error {
	docs, err := s.db.Find(ctx, docstore.Query{
		Selector: docstore.Selector{"type": docstore.Eq(DocType)},
	})
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = make(map[string]types.ProcessInstance, len(docs))
	for _, doc := range docs {
		s.instances[doc.ID] = InstanceFromDocument(doc)
	}
	return nil
}

// Clear empties the index without touching the database.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = make(map[string]types.ProcessInstance)
}

// Close releases the index. The database handle stays open; its owner
// (the adapter) closes it.
func (s *Store) Close() error {
	s.Clear()
	return nil
}

// GenerateID produces a namespaced process identifier.
func (s *Store) GenerateID(processType string) string {
	if processType == "" {
		processType = "inst"
	}
	if s.gen != nil {
		if id, err := s.gen.NextID(); err == nil {
			return fmt.Sprintf("process:%s:%d", processType, id)
		}
	}
	return fmt.Sprintf("process:%s:%s", processType, uuid.NewString())
}

// Add stores a new process instance. The identifier must be present and
// unused. The stored copy (status defaulted to active, sync status
// pending) is returned and a process.created event fires.
func (s *Store) Add(ctx context.Context, inst types.ProcessInstance) (types.ProcessInstance, error) {
	if inst.ID == "" {
		return types.ProcessInstance{}, fmt.Errorf("%w: identifier is required", ErrInvalidInstance)
	}
	if inst.Status == "" {
		inst.Status = types.StatusActive
	}
	if !inst.Status.Valid() {
		return types.ProcessInstance{}, fmt.Errorf("%w: unknown status %q", ErrValidation, inst.Status)
	}

	now := time.Now().UnixMilli()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.SyncStatus = types.SyncPending
	inst.LastSyncAt = nil
	inst.Rev = ""

	s.mu.Lock()
	if _, ok := s.instances[inst.ID]; ok {
		s.mu.Unlock()
		return types.ProcessInstance{}, fmt.Errorf("%w: identifier %s already present", ErrInvalidInstance, inst.ID)
	}

	stored, err := s.persist(ctx, inst)
	if err != nil {
		s.mu.Unlock()
		return types.ProcessInstance{}, err
	}
	s.instances[stored.ID] = stored
	s.mu.Unlock()

	s.bus.Publish(events.ProcessCreated, stored)
	return stored, nil
}

// Update merges patch into the stored instance. A patch that would move
// the status away from a terminal status fails with ErrInvalidTransition
// and leaves the instance unchanged.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (types.ProcessInstance, error) {
	s.mu.Lock()
	stored, err := s.update(ctx, id, patch)
	s.mu.Unlock()
	if err != nil {
		return types.ProcessInstance{}, err
	}
	s.bus.Publish(events.ProcessUpdated, stored)
	return stored, nil
}

// update applies a patch with the store lock held. The caller publishes
// process.updated once the lock is released.
func (s *Store) update(ctx context.Context, id string, patch Patch) (types.ProcessInstance, error) {
	cur, ok := s.instances[id]
	if !ok {
		return types.ProcessInstance{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}

	next := cur
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return types.ProcessInstance{}, fmt.Errorf("%w: unknown status %q", ErrValidation, *patch.Status)
		}
		if cur.Status.Terminal() && *patch.Status != cur.Status {
			return types.ProcessInstance{}, fmt.Errorf(
				"%w: %s is terminal, cannot move to %s", ErrInvalidTransition, cur.Status, *patch.Status)
		}
		next.Status = *patch.Status
	}
	if patch.CurrentState != nil {
		next.CurrentState = *patch.CurrentState
	}
	if len(patch.Variables) > 0 {
		merged := make(map[string]interface{}, len(cur.Variables)+len(patch.Variables))
		for k, v := range cur.Variables {
			merged[k] = v
		}
		for k, v := range patch.Variables {
			merged[k] = v
		}
		next.Variables = merged
	}

	next.UpdatedAt = time.Now().UnixMilli()
	if next.UpdatedAt < next.CreatedAt {
		next.UpdatedAt = next.CreatedAt
	}
	next.SyncStatus = types.SyncPending

	stored, err := s.persist(ctx, next)
	if err != nil {
		if errors.Is(err, docstore.ErrNetwork) {
			// Keep the instance indexed with sync status error so a
			// later sync retries it; the write is never dropped.
			cur.SyncStatus = types.SyncError
			s.instances[id] = cur
			s.logger.Warn("instance write deferred",
				zap.String("id", id), zap.Error(err))
		}
		return types.ProcessInstance{}, err
	}
	s.instances[id] = stored
	return stored, nil
}

// Remove deletes an instance. It is idempotent: removing a missing
// identifier reports false without error.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	cur, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	err := s.db.Remove(ctx, docstore.Document{ID: cur.ID, Rev: cur.Rev})
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.mu.Unlock()
		return false, fmt.Errorf("remove instance %s: %w", id, err)
	}
	delete(s.instances, id)
	s.mu.Unlock()

	s.bus.Publish(events.ProcessRemoved, id)
	return true, nil
}

// Get returns a single instance.
func (s *Store) Get(ctx context.Context, id string) (types.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return types.ProcessInstance{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}
	return inst, nil
}

// Query returns the instances matching the filter, stably sorted by the
// requested key. Instances with equal keys keep a fixed relative order.
func (s *Store) Query(ctx context.Context, f Filter) ([]types.ProcessInstance, error) {
	out := make([]types.ProcessInstance, 0)

	s.mu.RLock()
	for _, inst := range s.instances {
		if f.Selector != nil && !f.Selector.Matches(ToDocument(inst)) {
			continue
		}
		if f.Predicate != nil && !f.Predicate(inst) {
			continue
		}
		out = append(out, inst)
	}
	s.mu.RUnlock()

	// Canonical base order so the stable sort below is deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	sort.SliceStable(out, func(i, j int) bool {
		var a, b int64
		switch f.OrderBy {
		case OrderByUpdated:
			a, b = out[i].UpdatedAt, out[j].UpdatedAt
		default:
			a, b = out[i].CreatedAt, out[j].CreatedAt
		}
		if f.Desc {
			return a > b
		}
		return a < b
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Statistics counts instances by status plus the needs-sync projection.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{
		Total:    len(s.instances),
		ByStatus: make(map[types.Status]int),
	}
	for _, inst := range s.instances {
		stats.ByStatus[inst.Status]++
		if inst.SyncStatus == types.SyncPending || inst.SyncStatus == types.SyncError {
			stats.NeedingSync++
		}
	}
	return stats, nil
}

// NeedingSync returns the instances whose local copy has not been
// confirmed reconciled, oldest update first. Retry logic drains this.
func (s *Store) NeedingSync(ctx context.Context) ([]types.ProcessInstance, error) {
	return s.Query(ctx, Filter{
		Predicate: func(inst types.ProcessInstance) bool {
			return inst.SyncStatus == types.SyncPending || inst.SyncStatus == types.SyncError
		},
		OrderBy: OrderByUpdated,
	})
}

// UpdateSyncStatus records the reconciliation outcome for an instance.
// Only the transition to synced stamps LastSyncAt.
func (s *Store) UpdateSyncStatus(ctx context.Context, id string, status types.SyncStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown sync status %q", ErrValidation, status)
	}

	s.mu.Lock()
	cur, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}

	next := cur
	next.SyncStatus = status
	if status == types.SyncSynced {
		now := time.Now().UnixMilli()
		next.LastSyncAt = &now
	}

	stored, err := s.persist(ctx, next)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.instances[id] = stored
	s.mu.Unlock()

	s.bus.Publish(events.ProcessSyncStatus, SyncStatusChange{
		ID:         id,
		SyncStatus: stored.SyncStatus,
		LastSyncAt: stored.LastSyncAt,
	})
	return nil
}

// persist writes the instance through to the local database and returns
// the copy carrying the new revision. Failure handling is the caller's:
// a failed Add indexes nothing, a failed update keeps the previous copy
// indexed at sync status error so retry logic finds it.
func (s *Store) persist(ctx context.Context, inst types.ProcessInstance) (types.ProcessInstance, error) {
	rev, err := s.db.Put(ctx, ToDocument(inst))
	if err != nil {
		return types.ProcessInstance{}, fmt.Errorf("persist instance %s: %w", inst.ID, err)
	}
	inst.Rev = rev
	return inst, nil
}
