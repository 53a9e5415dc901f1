// Package telemetry moves per-attempt routing outcomes from the hot path
// into the arm registry, the routing log, and the spend counter.
//
// Emission is fire-and-forget through a buffered channel: the routing path
// never waits on Postgres or Redis, and a full buffer drops the event with
// a log line rather than blocking. Dropped events cost a little statistical
// signal and spend lag, both of which the next admission check absorbs.
package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/budget"
	"github.com/LoayCoder/tammal-sub006/internal/registry"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// Store persists routing log entries. Implemented by the database layer;
// nil disables persistence (degraded mode) while keeping arm updates live.
type Store interface {
	AppendRoutingLog(ctx context.Context, entry *models.RoutingLogEntry) error
}

type event struct {
	entry models.RoutingLogEntry
	obs   registry.Observation
}

// Recorder consumes attempt events and applies them in order of receipt:
// arm posterior update first, then the append-only log, then the spend
// fast path.
type Recorder struct {
	ch       chan event
	store    Store
	registry *registry.Registry
	guard    *budget.Guard

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder creates a Recorder with the given buffer size. Call Run in a
// goroutine to start consuming, and Close on shutdown to drain.
func NewRecorder(store Store, reg *registry.Registry, guard *budget.Guard, buffer int) *Recorder {
	if buffer < 1 {
		buffer = 1
	}
	return &Recorder{
		ch:       make(chan event, buffer),
		store:    store,
		registry: reg,
		guard:    guard,
		done:     make(chan struct{}),
	}
}

// Emit queues one attempt event. It never blocks and never fails the
// caller; when the buffer is full the event is dropped and logged.
func (r *Recorder) Emit(entry models.RoutingLogEntry, obs registry.Observation) {
	select {
	case r.ch <- event{entry: entry, obs: obs}:
	default:
		log.Printf("telemetry: buffer full, dropping event for arm %s", entry.ArmID)
	}
}

// Run consumes events until Close is called and the channel drains. Writes
// run on their own timeouts rather than a request context, so queued events
// still persist during shutdown drain.
func (r *Recorder) Run() {
	defer close(r.done)
	for ev := range r.ch {
		r.apply(ev)
	}
}

// Close stops intake and blocks until every queued event is applied.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.ch) })
	<-r.done
}

func (r *Recorder) apply(ev event) {
	r.registry.RecordOutcome(ev.entry.ArmID, ev.obs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r.store != nil {
		if err := r.store.AppendRoutingLog(ctx, &ev.entry); err != nil {
			log.Printf("telemetry: routing log append failed for %s: %v", ev.entry.ArmID, err)
		}
	}
	if r.guard != nil {
		r.guard.NoteSpend(ctx, ev.entry.TenantID, ev.entry.CostUSD)
	}
}
