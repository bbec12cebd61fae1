package store

import (
	"sync"

	"github.com/JohanCodinha/prmirror/internal/logger"
)

// EventKind identifies what changed in the store.
type EventKind string

const (
	EventRepositoriesLoaded   EventKind = "repositoriesLoaded"
	EventPullRequestsLoaded   EventKind = "pullRequestsLoaded"
	EventCommentThreadsLoaded EventKind = "commentThreadsLoaded"
	EventPullRequestAdded     EventKind = "pullRequestAdded"
	EventPullRequestUpdated   EventKind = "pullRequestUpdated"
	EventPullRequestRemoved   EventKind = "pullRequestRemoved"
	EventViewStateChanged     EventKind = "viewStateChanged"
	EventBatchApplied         EventKind = "batchApplied"
	EventStateRestored        EventKind = "stateRestored"
	EventStateCleared         EventKind = "stateCleared"
)

// Event is delivered to state update listeners. Count carries the number of
// records affected by wholesale updates; Key identifies the record touched by
// targeted mutations.
type Event struct {
	Kind  EventKind
	Count int
	Key   string
}

// listenerRegistry dispatches events to subscribers in registration order.
// A panicking listener is logged and isolated so it cannot break the others.
type listenerRegistry struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(Event)
}

// add registers fn and returns a function that removes it.
func (r *listenerRegistry) add(fn func(Event)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs = append(r.subs, subscriber{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// notify delivers ev to every subscriber.
func (r *listenerRegistry) notify(ev Event) {
	r.mu.Lock()
	subs := append([]subscriber(nil), r.subs...)
	r.mu.Unlock()

	for _, s := range subs {
		dispatch(s.fn, ev)
	}
}

func dispatch(fn func(Event), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("store: listener panicked on %s event: %v", ev.Kind, rec)
		}
	}()
	fn(ev)
}

// clear drops all subscribers.
func (r *listenerRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = nil
}

// len reports the number of subscribers.
func (r *listenerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
