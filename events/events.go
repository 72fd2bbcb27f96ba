// Package events provides the process-wide publish/subscribe channel.
// Dispatch is synchronous: Publish invokes every current subscriber in
// subscription order before returning, so observers see mutations for a
// given process identifier in the order they were applied.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"
)

// Well-known event names.
const (
	ProcessCreated    = "process.created"
	ProcessUpdated    = "process.updated"
	ProcessRemoved    = "process.removed"
	ProcessSyncStatus = "process.syncstatus"
	SyncStatusChanged = "sync.status"
	SyncConflict      = "sync.conflict"
	SyncComplete      = "sync.complete"
	SyncError         = "sync.error"
)

// Event is a published event. Seq increases monotonically per bus.
type Event struct {
	Seq     uint64
	Name    string
	Payload interface{}
}

// Handler consumes an event. A returned error is reported to the bus
// error handler; it never stops the remaining subscribers.
type Handler func(event Event) error

// Subscription is the handle returned by Subscribe. Cancel is idempotent
// and does not affect a dispatch pass already in progress.
type Subscription struct {
	bus  *Bus
	name string
	id   uint64
}

// Cancel removes the subscription from the bus.
func (s *Subscription) Cancel() {
	if s.bus == nil {
		return
	}
	s.bus.unsubscribe(s.name, s.id)
	s.bus = nil
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus manages subscriptions and synchronous dispatch.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]subscriber
	nextSub uint64
	seq     uint64

	gen        generator.Generator
	errHandler func(event Event, err error)
	logger     *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithErrorHandler replaces the default error handler, which logs and
// continues.
func WithErrorHandler(h func(event Event, err error)) Option {
	return func(b *Bus) { b.errHandler = h }
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithGenerator sets the sequence-number source. Without one the bus uses
// a plain counter.
func WithGenerator(gen generator.Generator) Option {
	return func(b *Bus) { b.gen = gen }
}

// NewBus creates an event bus.
func NewBus(options ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]subscriber),
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(b)
	}
	if b.errHandler == nil {
		b.errHandler = func(event Event, err error) {
			b.logger.Warn("event subscriber failed",
				zap.String("event", event.Name),
				zap.Uint64("seq", event.Seq),
				zap.Error(err))
		}
	}
	return b
}

// Subscribe registers a handler for the named event and returns its
// cancellation handle.
func (b *Bus) Subscribe(name string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.subs[name] = append(b.subs[name], subscriber{id: b.nextSub, handler: handler})
	return &Subscription{bus: b, name: name, id: b.nextSub}
}

// HasSubscribers reports whether the named event has any subscribers.
func (b *Bus) HasSubscribers(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[name]) > 0
}

// Publish delivers the event to every subscriber registered at the time
// of the call, in subscription order. A subscriber error or panic is
// passed to the error handler and the remaining subscribers still run.
// Cancelling during dispatch takes effect on the next Publish.
func (b *Bus) Publish(name string, payload interface{}) {
	b.mu.Lock()
	snapshot := make([]subscriber, len(b.subs[name]))
	copy(snapshot, b.subs[name])
	b.mu.Unlock()

	event := Event{Seq: b.nextSeq(), Name: name, Payload: payload}
	for _, sub := range snapshot {
		b.dispatch(sub, event)
	}
}

func (b *Bus) dispatch(sub subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errHandler(event, fmt.Errorf("subscriber panic: %v", r))
		}
	}()
	if err := sub.handler(event); err != nil {
		b.errHandler(event, err)
	}
}

func (b *Bus) nextSeq() uint64 {
	if b.gen != nil {
		if id, err := b.gen.NextID(); err == nil {
			return id
		}
	}
	return atomic.AddUint64(&b.seq, 1)
}

func (b *Bus) unsubscribe(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}
