// Package journal records trap events. The ring is preallocated and written
// from trap paths without allocating; a store persists drained events to
// SQLite for later inspection.
package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind uint8

const (
	KindAllocTrap      Kind = iota + 1 // dispatcher entered from a failed inline check
	KindGuardOverflow                  // guard-zone fault serviced as an allocation
	KindStackOverflow                  // stack overflow condition raised or redirected
	KindUnrelated                      // fault escalated to the default disposition
	KindSignalRecorded                 // signal marked pending
	KindSignalDrained                  // pending signal handed to its managed handler
)

var kindNames = [...]string{
	KindAllocTrap:      "alloc-trap",
	KindGuardOverflow:  "guard-overflow",
	KindStackOverflow:  "stack-overflow",
	KindUnrelated:      "unrelated",
	KindSignalRecorded: "signal-recorded",
	KindSignalDrained:  "signal-drained",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s && name != "" {
			return Kind(k), true
		}
	}
	return 0, false
}

// Event is one journal entry.
type Event struct {
	Seq     uint64
	Kind    Kind
	Context uuid.UUID
	PC      uintptr
	Addr    uintptr
	Words   int
	Signal  int
	Time    time.Time
}

// Ring is a fixed-capacity event buffer. When full, the oldest unflushed
// events are overwritten and counted as dropped. A nil *Ring discards
// everything, so callers need not check.
type Ring struct {
	mu      sync.Mutex
	events  []Event
	seq     uint64 // next sequence number
	flushed uint64 // first sequence number not yet taken
	dropped uint64
}

// NewRing creates a ring holding capacity events. A capacity of zero or
// less returns nil.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		return nil
	}
	return &Ring{events: make([]Event, capacity)}
}

// Record appends ev, assigning its sequence number and, when unset, its
// time.
func (r *Ring) Record(ev Event) {
	if r == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.Lock()
	ev.Seq = r.seq
	r.events[r.seq%uint64(len(r.events))] = ev
	r.seq++
	if r.seq-r.flushed > uint64(len(r.events)) {
		r.dropped += r.seq - r.flushed - uint64(len(r.events))
		r.flushed = r.seq - uint64(len(r.events))
	}
	r.mu.Unlock()
}

// Take returns the events recorded since the previous Take, oldest first.
func (r *Ring) Take() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, r.seq-r.flushed)
	for s := r.flushed; s < r.seq; s++ {
		out = append(out, r.events[s%uint64(len(r.events))])
	}
	r.flushed = r.seq
	return out
}

// Count returns the number of events recorded since the ring was created.
func (r *Ring) Count() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Dropped returns how many events were overwritten before being taken.
func (r *Ring) Dropped() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
