package docstore

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Opener creates a database handle for a named logical database.
type Opener func(database string) (DB, error)

// Adapter hands out database handles, one local and at most one remote
// per logical database name. Handles are created lazily on first use and
// reused; a fresh handle is only created again after Close.
type Adapter struct {
	openLocal  Opener
	openRemote Opener

	mu     sync.Mutex
	local  map[string]DB
	remote map[string]DB
}

// NewAdapter creates an adapter. openLocal is required; openRemote may be
// nil for deployments without a remote endpoint.
func NewAdapter(openLocal, openRemote Opener) (*Adapter, error) {
	if openLocal == nil {
		return nil, fmt.Errorf("local opener is required")
	}
	return &Adapter{
		openLocal:  openLocal,
		openRemote: openRemote,
		local:      make(map[string]DB),
		remote:     make(map[string]DB),
	}, nil
}

// Local returns the local handle for the named logical database.
func (a *Adapter) Local(database string) (DB, error) {
	return a.handle(a.local, a.openLocal, database)
}

// Remote returns the remote handle for the named logical database, or
// ErrNoRemote when no remote opener is configured.
func (a *Adapter) Remote(database string) (DB, error) {
	if a.openRemote == nil {
		return nil, fmt.Errorf("%w: database=%s", ErrNoRemote, database)
	}
	return a.handle(a.remote, a.openRemote, database)
}

func (a *Adapter) handle(cache map[string]DB, open Opener, database string) (DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := cache[database]; ok {
		return db, nil
	}
	db, err := open(database)
	if err != nil {
		return nil, err
	}
	cache[database] = db
	return db, nil
}

// Close closes every open handle and forgets them, so later calls open
// fresh ones.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	for name, db := range a.local {
		err = multierr.Append(err, db.Close())
		delete(a.local, name)
	}
	for name, db := range a.remote {
		err = multierr.Append(err, db.Close())
		delete(a.remote, name)
	}
	return err
}
