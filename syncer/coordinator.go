// Package syncer owns the replication session between a logical
// database's local and remote stores: continuous bidirectional sync,
// one-shot forced exchanges, and conflict surfacing.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hybr/bpmcore/docstore"
	"github.com/hybr/bpmcore/events"
	"github.com/hybr/bpmcore/types"
)

// Status is the coordinator's replication state for one logical database.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusIdle          Status = "idle"
	StatusSyncing       Status = "syncing"
	StatusError         Status = "error"
)

// Defaults for the continuous loop and remote-call bounds.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// ErrNotInitialized is returned when a sync operation runs before
// EnsureInitialized has succeeded.
var ErrNotInitialized = errors.New("coordinator is not initialized")

// Credentials authenticate against a remote endpoint.
type Credentials struct {
	Username string
	Password string
}

// Summary reports one bidirectional exchange: documents pushed to the
// remote, new documents pulled, local copies updated from the remote, and
// conflicts encountered.
type Summary struct {
	Pushed    int
	Pulled    int
	Updated   int
	Conflicts int
}

// StatusChange is the payload of sync.status events.
type StatusChange struct {
	Database  string
	Status    Status
	QueryOnly bool
}

// Completion is the payload of sync.complete events.
type Completion struct {
	Database string
	Summary  Summary
}

// Failure is the payload of sync.error events.
type Failure struct {
	Database string
	Err      error
}

// Conflict is the payload of sync.conflict events; it carries both
// versions so subscribers can apply their own policy.
type Conflict struct {
	Database   string
	Local      docstore.Document
	Remote     docstore.Document
	Resolution Resolution
}

// RemoteOpener creates a remote database handle for an endpoint.
type RemoteOpener func(database, endpoint string, creds Credentials) (docstore.DB, error)

// ProcessSink lets the coordinator fold reconciliation results back into
// the process instance store. UpdateSyncStatus reports identifiers the
// sink does not track with an error matching docstore.ErrNotFound.
type ProcessSink interface {
	Load(ctx context.Context) error
	UpdateSyncStatus(ctx context.Context, id string, status types.SyncStatus) error
}

// pendingEvent is an event produced while the session mutex is held. It
// is published only after the mutex is released, so a subscriber may
// re-enter the coordinator (CancelSync from a sync.error handler).
type pendingEvent struct {
	name    string
	payload interface{}
}

func (c *Coordinator) publishAll(evts []pendingEvent) {
	for _, e := range evts {
		c.bus.Publish(e.name, e.payload)
	}
}

type session struct {
	cancel   context.CancelFunc
	done     chan struct{}
	endpoint string
}

// Coordinator owns at most one replication session for one logical
// database. The session mutex serializes ForceSync with the continuous
// loop, so one-shot exchanges never interleave with a running batch.
type Coordinator struct {
	database string
	adapter  *docstore.Adapter
	bus      *events.Bus
	logger   *zap.Logger

	openRemote RemoteOpener
	resolver   Resolver
	sink       ProcessSink
	interval   time.Duration
	timeout    time.Duration
	queryOnly  bool
	initHook   func(ctx context.Context) error

	initGroup singleflight.Group

	mu          sync.Mutex // session mutex: guards local, remote, sess, exchanges
	initialized bool
	local       docstore.DB
	remote      docstore.DB
	remoteAddr  string
	sess        *session

	statusMu sync.Mutex
	status   Status
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithResolver overrides the conflict resolution policy for this
// database. The default is LastWriterWins.
func WithResolver(r Resolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithRemoteOpener sets the factory for remote handles.
func WithRemoteOpener(open RemoteOpener) Option {
	return func(c *Coordinator) { c.openRemote = open }
}

// WithSink attaches the process store so reconciliation outcomes update
// instance sync statuses.
func WithSink(sink ProcessSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithInterval sets the continuous-loop batch interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// WithTimeout bounds each remote exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithQueryOnly marks the database as intentionally non-replicating: all
// reads go through a query API instead. SetupSync then reports the choice
// and does nothing.
func WithQueryOnly() Option {
	return func(c *Coordinator) { c.queryOnly = true }
}

// WithInitHook adds an extra step to the initialization sequence, run at
// most once regardless of EnsureInitialized call concurrency.
func WithInitHook(hook func(ctx context.Context) error) Option {
	return func(c *Coordinator) { c.initHook = hook }
}

// NewCoordinator creates a coordinator for one logical database.
func NewCoordinator(database string, adapter *docstore.Adapter, bus *events.Bus, options ...Option) (*Coordinator, error) {
	if database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if adapter == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if bus == nil {
		bus = events.NewBus()
	}
	c := &Coordinator{
		database: database,
		adapter:  adapter,
		bus:      bus,
		logger:   zap.NewNop(),
		resolver: LastWriterWins,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		status:   StatusUninitialized,
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

// Status returns the current replication state.
func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

func (c *Coordinator) setStatus(s Status) {
	if e, ok := c.recordStatus(s); ok {
		c.bus.Publish(e.name, e.payload)
	}
}

// recordStatus updates the status and hands back the change event for
// the caller to publish once no locks are held.
func (c *Coordinator) recordStatus(s Status) (pendingEvent, bool) {
	c.statusMu.Lock()
	changed := c.status != s
	c.status = s
	c.statusMu.Unlock()
	if !changed {
		return pendingEvent{}, false
	}
	return pendingEvent{name: events.SyncStatusChanged, payload: StatusChange{
		Database:  c.database,
		Status:    s,
		QueryOnly: c.queryOnly,
	}}, true
}

// EnsureInitialized runs the initialization sequence at most once, no
// matter how many callers race it: concurrent callers share a single
// in-flight initialization and its result.
func (c *Coordinator) EnsureInitialized(ctx context.Context) error {
	c.mu.Lock()
	done := c.initialized
	c.mu.Unlock()
	if done {
		return nil
	}

	_, err, _ := c.initGroup.Do("init", func() (interface{}, error) {
		c.mu.Lock()
		if c.initialized {
			c.mu.Unlock()
			return nil, nil
		}
		c.mu.Unlock()

		c.setStatus(StatusInitializing)
		local, err := c.adapter.Local(c.database)
		if err != nil {
			c.setStatus(StatusError)
			return nil, fmt.Errorf("initialize %s: %w", c.database, err)
		}
		if c.initHook != nil {
			if err := c.initHook(ctx); err != nil {
				c.setStatus(StatusError)
				return nil, fmt.Errorf("initialize %s: %w", c.database, err)
			}
		}

		c.mu.Lock()
		c.local = local
		c.initialized = true
		c.mu.Unlock()
		c.setStatus(StatusIdle)
		return nil, nil
	})
	return err
}

// SetupSync establishes continuous bidirectional replication against the
// remote endpoint. For query-only databases this is a documented no-op:
// the choice is logged and reported, and no session starts. Calling it
// while a session is already running is a no-op as well.
func (c *Coordinator) SetupSync(ctx context.Context, endpoint string, creds Credentials) error {
	if c.queryOnly {
		c.logger.Info("replication disabled: database routes reads through the query API",
			zap.String("database", c.database))
		c.bus.Publish(events.SyncStatusChanged, StatusChange{
			Database:  c.database,
			Status:    c.Status(),
			QueryOnly: true,
		})
		return nil
	}
	if err := c.EnsureInitialized(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	remote, err := c.remoteHandle(endpoint, creds)
	if err != nil {
		evt, changed := c.recordStatus(StatusError)
		c.mu.Unlock()
		if changed {
			c.bus.Publish(evt.name, evt.payload)
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{cancel: cancel, done: make(chan struct{}), endpoint: endpoint}
	c.sess = sess

	go c.run(loopCtx, sess, remote)
	c.mu.Unlock()

	c.logger.Info("continuous sync started",
		zap.String("database", c.database), zap.String("endpoint", endpoint))
	return nil
}

// run is the continuous replication loop. Each tick performs one bounded
// exchange under the session mutex.
func (c *Coordinator) run(ctx context.Context, sess *session, remote docstore.DB) {
	defer close(sess.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if ctx.Err() != nil {
				// Cancelled while waiting for the mutex: start no new batch.
				c.mu.Unlock()
				return
			}
			_, evts, _ := c.exchangeLocked(ctx, remote)
			c.mu.Unlock()
			c.publishAll(evts)
		}
	}
}

// ForceSync performs one synchronous bidirectional exchange and returns
// its summary. It blocks until complete or failed, bounded by the
// configured timeout, and is serialized with the continuous loop.
func (c *Coordinator) ForceSync(ctx context.Context, endpoint string, creds Credentials) (Summary, error) {
	if err := c.EnsureInitialized(ctx); err != nil {
		return Summary{}, err
	}

	c.mu.Lock()
	remote, err := c.remoteHandle(endpoint, creds)
	if err != nil {
		evt, changed := c.recordStatus(StatusError)
		c.mu.Unlock()
		if changed {
			c.bus.Publish(evt.name, evt.payload)
		}
		return Summary{}, err
	}
	sum, evts, err := c.exchangeLocked(ctx, remote)
	c.mu.Unlock()

	c.publishAll(evts)
	return sum, err
}

// CancelSync tears down the continuous session. It is idempotent, safe to
// call with no session, and safe while an exchange is in flight: the
// running batch may finish but no new batch starts afterwards.
func (c *Coordinator) CancelSync() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	sess.cancel()
	<-sess.done

	c.mu.Lock()
	var err error
	if c.remote != nil {
		err = multierr.Append(err, c.remote.Close())
		c.remote = nil
		c.remoteAddr = ""
	}
	c.mu.Unlock()

	c.setStatus(StatusIdle)
	c.logger.Info("continuous sync cancelled", zap.String("database", c.database))
	return err
}

// remoteHandle returns the cached remote handle, opening one when the
// endpoint changed or none exists. Callers hold the session mutex.
func (c *Coordinator) remoteHandle(endpoint string, creds Credentials) (docstore.DB, error) {
	if c.remote != nil && c.remoteAddr == endpoint {
		return c.remote, nil
	}
	if c.openRemote == nil {
		return nil, docstore.ErrNoRemote
	}
	if c.remote != nil {
		if err := c.remote.Close(); err != nil {
			c.logger.Warn("close stale remote handle", zap.Error(err))
		}
	}
	remote, err := c.openRemote(c.database, endpoint, creds)
	if err != nil {
		return nil, err
	}
	c.remote = remote
	c.remoteAddr = endpoint
	return remote, nil
}

// exchangeLocked performs one bounded exchange. Callers hold the session
// mutex; the returned events are published only after it is released.
func (c *Coordinator) exchangeLocked(ctx context.Context, remote docstore.DB) (Summary, []pendingEvent, error) {
	if c.local == nil {
		return Summary{}, nil, ErrNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var evts []pendingEvent
	if e, ok := c.recordStatus(StatusSyncing); ok {
		evts = append(evts, e)
	}
	sum, conflicts, err := c.exchange(ctx, remote)
	evts = append(evts, conflicts...)
	if err != nil {
		if e, ok := c.recordStatus(StatusError); ok {
			evts = append(evts, e)
		}
		evts = append(evts, pendingEvent{name: events.SyncError,
			payload: Failure{Database: c.database, Err: err}})
		c.logger.Warn("sync exchange failed",
			zap.String("database", c.database), zap.Error(err))
		return sum, evts, err
	}
	if e, ok := c.recordStatus(StatusIdle); ok {
		evts = append(evts, e)
	}
	evts = append(evts, pendingEvent{name: events.SyncComplete,
		payload: Completion{Database: c.database, Summary: sum}})
	return sum, evts, nil
}

// exchange reconciles the local and remote document sets. Both sides are
// fetched concurrently, then reconciled single-threaded. Documents are
// never deleted by sync; removal is an explicit administrative act.
// Conflict events are returned for the caller to publish lock-free.
func (c *Coordinator) exchange(ctx context.Context, remote docstore.DB) (Summary, []pendingEvent, error) {
	var localDocs, remoteDocs []docstore.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localDocs, err = c.local.AllDocs(gctx, 0)
		return err
	})
	g.Go(func() error {
		var err error
		remoteDocs, err = remote.AllDocs(gctx, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return Summary{}, nil, fmt.Errorf("fetch document sets: %w", err)
	}

	localByID := make(map[string]docstore.Document, len(localDocs))
	for _, d := range localDocs {
		localByID[d.ID] = d
	}
	remoteByID := make(map[string]docstore.Document, len(remoteDocs))
	for _, d := range remoteDocs {
		remoteByID[d.ID] = d
	}

	var sum Summary
	var errs error
	var reconciled []string
	var evts []pendingEvent

	// Pull side: remote documents missing or differing locally.
	for _, rd := range remoteDocs {
		ld, ok := localByID[rd.ID]
		if !ok {
			pulled := rd.Clone()
			pulled.Rev = "" // start a fresh local revision chain
			if _, err := c.local.Put(ctx, pulled); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("pull %s: %w", rd.ID, err))
				continue
			}
			sum.Pulled++
			reconciled = append(reconciled, rd.ID)
			continue
		}
		if sameContent(ld, rd) {
			if locallyModified(ld) {
				reconciled = append(reconciled, ld.ID)
			}
			continue
		}

		if locallyModified(ld) && remoteChangedSinceLastSync(ld, rd) {
			// Divergent histories: surface both versions, then apply the
			// configured policy.
			sum.Conflicts++
			res := c.resolver(ld, rd)
			evts = append(evts, pendingEvent{name: events.SyncConflict, payload: Conflict{
				Database:   c.database,
				Local:      ld,
				Remote:     rd,
				Resolution: res,
			}})
			if err := c.applyResolution(ctx, remote, ld, rd, res); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			reconciled = append(reconciled, ld.ID)
			continue
		}
		if locallyModified(ld) {
			// Remote is unchanged since our last sync; the push side below
			// carries our edit out.
			continue
		}

		// Local copy is clean: take the remote revision.
		updated := rd.Clone()
		updated.Rev = ld.Rev
		if _, err := c.local.Put(ctx, updated); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("update %s: %w", rd.ID, err))
			continue
		}
		sum.Updated++
		reconciled = append(reconciled, rd.ID)
	}

	// Push side: local documents missing remotely, or locally modified
	// with an unchanged remote.
	for _, ld := range localDocs {
		rd, ok := remoteByID[ld.ID]
		if !ok {
			pushed := ld.Clone()
			pushed.Rev = ""
			if _, err := remote.Put(ctx, pushed); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("push %s: %w", ld.ID, err))
				continue
			}
			sum.Pushed++
			reconciled = append(reconciled, ld.ID)
			continue
		}
		if sameContent(ld, rd) || !locallyModified(ld) || remoteChangedSinceLastSync(ld, rd) {
			continue // handled on the pull side
		}
		pushed := ld.Clone()
		pushed.Rev = rd.Rev
		if _, err := remote.Put(ctx, pushed); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("push %s: %w", ld.ID, err))
			continue
		}
		sum.Pushed++
		reconciled = append(reconciled, ld.ID)
	}

	if err := c.settle(ctx, reconciled); err != nil {
		errs = multierr.Append(errs, err)
	}
	return sum, evts, errs
}

// applyResolution writes the winning version to the losing side.
func (c *Coordinator) applyResolution(ctx context.Context, remote docstore.DB, ld, rd docstore.Document, res Resolution) error {
	if res == RemoteWins {
		winner := rd.Clone()
		winner.Rev = ld.Rev
		if _, err := c.local.Put(ctx, winner); err != nil {
			return fmt.Errorf("apply remote winner %s: %w", rd.ID, err)
		}
		return nil
	}
	winner := ld.Clone()
	winner.Rev = rd.Rev
	if _, err := remote.Put(ctx, winner); err != nil {
		return fmt.Errorf("apply local winner %s: %w", ld.ID, err)
	}
	return nil
}

// settle folds the exchange back into the process store: the index is
// reloaded from the local database and every reconciled instance is
// marked synced. Identifiers unknown to the store (reference documents,
// definitions) are skipped.
func (c *Coordinator) settle(ctx context.Context, reconciled []string) error {
	if c.sink == nil || len(reconciled) == 0 {
		return nil
	}
	if err := c.sink.Load(ctx); err != nil {
		return fmt.Errorf("reload process index: %w", err)
	}
	var errs error
	for _, id := range reconciled {
		if err := c.sink.UpdateSyncStatus(ctx, id, types.SyncSynced); err != nil {
			if isNotFound(err) {
				continue
			}
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func isNotFound(err error) bool {
	// ProcessSink reports unknown identifiers with an error matching
	// docstore.ErrNotFound; such a document is not a process instance.
	return errors.Is(err, docstore.ErrNotFound)
}

// sameContent reports whether the two revisions carry identical document
// content, ignoring revision tokens and sync bookkeeping fields.
func sameContent(a, b docstore.Document) bool {
	if a.UpdatedAt != b.UpdatedAt || a.Type != b.Type {
		return false
	}
	return reflect.DeepEqual(stripBookkeeping(a.Fields), stripBookkeeping(b.Fields))
}

func stripBookkeeping(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == "sync_status" || k == "last_sync_at" {
			continue
		}
		out[k] = v
	}
	return out
}

// locallyModified reports whether the local copy carries unreconciled
// changes.
func locallyModified(d docstore.Document) bool {
	s, _ := d.Fields["sync_status"].(string)
	return s == string(types.SyncPending) || s == string(types.SyncError)
}

// remoteChangedSinceLastSync reports whether the remote revision was
// written after the local copy last reconciled. A local copy that never
// synced counts as divergent when the remote differs at all (concurrent
// creation).
func remoteChangedSinceLastSync(ld, rd docstore.Document) bool {
	last := lastSyncAt(ld)
	if last == 0 {
		return true
	}
	return rd.UpdatedAt > last
}

func lastSyncAt(d docstore.Document) int64 {
	switch n := d.Fields["last_sync_at"].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
