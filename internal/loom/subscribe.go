package loom

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind distinguishes subscription event kinds.
type EventKind string

const (
	// EventRecord reports an appended record.
	EventRecord EventKind = "record"
	// EventStateDelta reports a state slot change.
	EventStateDelta EventKind = "state_delta"
	// EventBranchCreated reports a new branch.
	EventBranchCreated EventKind = "branch_created"
	// EventBranchDeleted reports a deleted branch.
	EventBranchDeleted EventKind = "branch_deleted"
	// EventCaughtUp marks the end of historical replay.
	EventCaughtUp EventKind = "caught_up"
)

// Event is one mutation notification.
type Event struct {
	Kind     EventKind
	Record   *Record // set for record and state-delta events
	Branch   string
	StateID  string
	Sequence Sequence
}

// Filter selects which events a subscription receives. Zero values mean
// "no constraint" for the match fields; the Include toggles select event
// categories, so an all-false filter receives nothing.
type Filter struct {
	Types    []string
	Branch   string
	StateIDs []string

	IncludeRecords      bool
	IncludeStateChanges bool
	IncludeBranchEvents bool

	// FromSequence is where catch-up starts: CatchUp replays records with
	// sequence > FromSequence. Nil means live events only.
	FromSequence *Sequence
}

func (f *Filter) matches(ev Event) bool {
	switch ev.Kind {
	case EventRecord:
		if !f.IncludeRecords {
			return false
		}
		if f.Branch != "" && ev.Branch != f.Branch {
			return false
		}
		if len(f.Types) > 0 && !containsString(f.Types, ev.Record.Type) {
			return false
		}
		return true
	case EventStateDelta:
		if !f.IncludeStateChanges {
			return false
		}
		if len(f.StateIDs) > 0 && !containsString(f.StateIDs, ev.StateID) {
			return false
		}
		return true
	case EventBranchCreated, EventBranchDeleted:
		return f.IncludeBranchEvents
	default:
		return false
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// SubscriptionID identifies one subscription.
type SubscriptionID string

// subscription is the per-consumer buffer and cursor. It is owned by the
// bus and torn down on unsubscribe; the buffer is a bounded FIFO with a
// drop-oldest overflow policy. Appends never block on slow consumers: when
// the buffer is full the oldest event is discarded and Dropped counts it,
// so consumers can detect the gap through sequence numbers.
type subscription struct {
	id     SubscriptionID
	filter Filter

	mu  sync.Mutex
	buf []Event
	max int

	// branch is the branch catch-up replays; the cursor dedupe only
	// applies to its records, since sequences are per branch.
	branch   string
	cursor   Sequence // highest record sequence delivered or buffered on branch
	caughtUp bool

	// Dropped counts events discarded by overflow since creation.
	dropped uint64
}

// push appends an event, applying drop-oldest on overflow. Record events
// at or below the cursor are duplicates of catch-up delivery and are
// ignored.
func (s *subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Kind == EventRecord && ev.Branch == s.branch && s.caughtUp && ev.Sequence <= s.cursor {
		return
	}
	if len(s.buf) >= s.max {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, ev)
	if ev.Kind == EventRecord && ev.Branch == s.branch && ev.Sequence > s.cursor {
		s.cursor = ev.Sequence
	}
}

// poll drains one event in FIFO order; non-blocking.
func (s *subscription) poll() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		return Event{}, false
	}
	ev := s.buf[0]
	s.buf = s.buf[1:]
	return ev, true
}

// finishCatchUp prepends the historical events, discards buffered live
// duplicates up to upTo, and marks replay complete with a CaughtUp marker
// between history and live tail.
func (s *subscription) finishCatchUp(history []Event, upTo Sequence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live []Event
	for _, ev := range s.buf {
		if ev.Kind == EventRecord && ev.Branch == s.branch && ev.Sequence <= upTo {
			continue
		}
		live = append(live, ev)
	}

	merged := make([]Event, 0, len(history)+1+len(live))
	merged = append(merged, history...)
	merged = append(merged, Event{Kind: EventCaughtUp, Sequence: upTo})
	merged = append(merged, live...)

	// Overflow still applies to the merged buffer.
	if len(merged) > s.max {
		s.dropped += uint64(len(merged) - s.max)
		merged = merged[len(merged)-s.max:]
	}
	s.buf = merged
	if upTo > s.cursor {
		s.cursor = upTo
	}
	s.caughtUp = true
}

// subscriptionBus fans out mutation events to subscriptions.
type subscriptionBus struct {
	mu      sync.RWMutex
	subs    map[SubscriptionID]*subscription
	bufSize int
}

func newSubscriptionBus(bufSize int) *subscriptionBus {
	if bufSize <= 0 {
		bufSize = 1000
	}
	return &subscriptionBus{
		subs:    make(map[SubscriptionID]*subscription),
		bufSize: bufSize,
	}
}

// subscribe registers a consumer. branch is the resolved catch-up branch
// (the filter's branch, or the store's current branch at subscribe time).
func (b *subscriptionBus) subscribe(filter Filter, branch string) SubscriptionID {
	sub := &subscription{
		id:     SubscriptionID(uuid.Must(uuid.NewV7()).String()),
		filter: filter,
		max:    b.bufSize,
		branch: branch,
	}
	if filter.FromSequence != nil {
		sub.cursor = *filter.FromSequence
	} else {
		// Live-only subscriptions are caught up from the start.
		sub.caughtUp = true
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

func (b *subscriptionBus) get(id SubscriptionID) (*subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[id]
	if !ok {
		return nil, errSubscriptionNotFound(string(id))
	}
	return sub, nil
}

// unsubscribe releases the buffer and cursor. Idempotent and safe to call
// concurrently with in-flight delivery: late push calls land on an
// unreferenced subscription and are garbage collected with it.
func (b *subscriptionBus) unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// notify fans an event out to every matching subscription. Called on the
// append path after commit; delivery is buffer-push, never blocking.
func (b *subscriptionBus) notify(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter.matches(ev) {
			sub.push(ev)
		}
	}
}

func (b *subscriptionBus) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
