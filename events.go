package raft

import (
	"go.uber.org/zap"
)

// Event is the tag identifying which observer slice to invoke. Using a single
// enum plus an untyped payload keeps Subscribe/fire to one pair of methods
// instead of sixteen, while still dispatching synchronously on the
// goroutine that fires the event (see eventBus).
type Event int

const (
	EventStateChanged Event = iota
	EventNewTerm
	EventElectionStarted
	EventElectedAsLeader
	EventStateTimeout
	EventEntriesAppended
	EventCommitIndexChanged
	EventCommitApplied
	EventTopologyChanging
	EventTopologyChanged
	EventCreatingSnapshot
	EventCreatedSnapshot
	EventSnapshotCreationError
	EventInstallingSnapshot
	EventSnapshotInstalled
	EventEventsProcessed
)

// CommitIndexChange is the payload for EventCommitIndexChanged.
type CommitIndexChange struct {
	Old, New uint64
}

// observerFunc is the uniform shape every subscriber registers under: it
// receives whatever payload the firing event carries, or nil for events with
// no payload (EventElectionStarted, EventEventsProcessed, ...).
type observerFunc func(payload interface{})

// eventBus is a small synchronous publisher/subscriber, fired from the
// event-loop goroutine, except EventCreatedSnapshot and
// EventSnapshotCreationError, which createSnapshotTask fires from its own
// background goroutine. A panicking subscriber is recovered, logged, and
// swallowed so a buggy observer cannot break protocol correctness.
type eventBus struct {
	subscribers map[Event][]observerFunc
	logger      *zap.Logger
}

func newEventBus(logger *zap.Logger) *eventBus {
	return &eventBus{subscribers: map[Event][]observerFunc{}, logger: logger}
}

// Subscribe registers fn to run every time evt fires. Subscribers must not
// block: they run synchronously on the firing goroutine, which is the event
// loop for every event except the two snapshot-creation outcomes.
func (b *eventBus) Subscribe(evt Event, fn func(payload interface{})) {
	b.subscribers[evt] = append(b.subscribers[evt], fn)
}

func (b *eventBus) fire(evt Event, payload interface{}) {
	for _, fn := range b.subscribers[evt] {
		b.dispatchOne(evt, fn, payload)
	}
}

func (b *eventBus) dispatchOne(evt Event, fn observerFunc, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("observer panicked", zap.Int("event", int(evt)), zap.Any("recover", r))
			}
		}
	}()
	fn(payload)
}
