package multicast

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rjboer/gochnlzr/internal/proto"
)

// Sink receives every decoded frame. Frames are shared between sinks and must
// not be mutated or retained.
type Sink interface {
	Consume(f proto.SampleFrame)
}

// SinkSet is a copy-on-write registry: writers serialize on mu and publish a
// fresh slice, readers take a lock-free snapshot. Sinks are compared by
// identity; Add refuses sinks whose dynamic type is not comparable.
type SinkSet struct {
	mu    sync.Mutex
	sinks atomic.Pointer[[]Sink]
}

// Add registers s at the end of the dispatch order. It reports false if s was
// already registered, is nil or cannot be compared.
func (ss *SinkSet) Add(s Sink) bool {
	if !Comparable(s) {
		return false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	cur := ss.Snapshot()
	for _, have := range cur {
		if have == s {
			return false
		}
	}
	next := make([]Sink, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	ss.sinks.Store(&next)
	return true
}

// Remove unregisters s, reporting whether it was present.
func (ss *SinkSet) Remove(s Sink) bool {
	if !Comparable(s) {
		return false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	cur := ss.Snapshot()
	for i, have := range cur {
		if have != s {
			continue
		}
		next := make([]Sink, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		ss.sinks.Store(&next)
		return true
	}
	return false
}

// Snapshot returns the current sinks in registration order. The slice is
// never modified after publication.
func (ss *SinkSet) Snapshot() []Sink {
	if p := ss.sinks.Load(); p != nil {
		return *p
	}
	return nil
}

func (ss *SinkSet) Len() int { return len(ss.Snapshot()) }

// Comparable reports whether s can be registered: non-nil, with a dynamic type
// that supports ==.
func Comparable(s Sink) bool {
	return s != nil && reflect.TypeOf(s).Comparable()
}
