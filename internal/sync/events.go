package sync

import (
	gosync "sync"
	"time"

	"github.com/JohanCodinha/prmirror/internal/logger"
)

// EventKind enumerates sync lifecycle events.
type EventKind string

const (
	EventSyncStarted      EventKind = "syncStarted"
	EventSyncCompleted    EventKind = "syncCompleted"
	EventSyncFailed       EventKind = "syncFailed"
	EventConflictDetected EventKind = "conflictDetected"
	EventQueueDrained     EventKind = "queueDrained"
	EventNetworkChanged   EventKind = "networkChanged"
)

// Event is delivered to sync status listeners.
type Event struct {
	Kind     EventKind
	Key      string
	Errors   int
	Online   bool
	Duration time.Duration
}

// listenerRegistry is an ordered set of subscribers with exception-isolated
// dispatch: one misbehaving listener never prevents the others from running.
type listenerRegistry[T any] struct {
	mu     gosync.Mutex
	nextID int
	order  []int
	subs   map[int]func(T)
}

func (r *listenerRegistry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs == nil {
		r.subs = make(map[int]func(T))
	}
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	r.order = append(r.order, id)

	var once gosync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			for i, other := range r.order {
				if other == id {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (r *listenerRegistry[T]) notify(ev T) {
	r.mu.Lock()
	fns := make([]func(T), 0, len(r.order))
	for _, id := range r.order {
		if fn, ok := r.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		dispatch(fn, ev)
	}
}

func (r *listenerRegistry[T]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = nil
	r.order = nil
}

func dispatch[T any](fn func(T), ev T) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("sync: listener panicked: %v", rec)
		}
	}()
	fn(ev)
}
