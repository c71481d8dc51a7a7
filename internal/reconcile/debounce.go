package reconcile

import (
	"sync"
	"time"
)

// Debouncer is a trailing debounce keyed by K. Calls for the same key within
// the quiet window collapse into one invocation of fn carrying the last value.
// Keys do not affect each other.
type Debouncer[K comparable, V any] struct {
	wait time.Duration
	fn   func(K, V)

	mu      sync.Mutex
	seq     uint64 // shared by all slots so a replaced slot never reuses a gen
	slots   map[K]*slot[V]
	stopped bool
}

type slot[V any] struct {
	gen   uint64
	value V
	timer *time.Timer
}

// NewDebouncer returns a debouncer that calls fn wait after the last Call for a key.
func NewDebouncer[K comparable, V any](wait time.Duration, fn func(K, V)) *Debouncer[K, V] {
	return &Debouncer[K, V]{
		wait:  wait,
		fn:    fn,
		slots: make(map[K]*slot[V]),
	}
}

// Call schedules fn(key, value), replacing any pending value for key.
func (d *Debouncer[K, V]) Call(key K, value V) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.schedule(key, value)
}

// schedule arms the slot for key. d.mu must be held.
func (d *Debouncer[K, V]) schedule(key K, value V) {
	s, ok := d.slots[key]
	if !ok {
		s = &slot[V]{}
		d.slots[key] = s
	} else if s.timer != nil {
		s.timer.Stop()
	}
	d.seq++
	s.gen = d.seq
	s.value = value
	gen := s.gen
	s.timer = time.AfterFunc(d.wait, func() { d.fire(key, gen) })
}

func (d *Debouncer[K, V]) fire(key K, gen uint64) {
	d.mu.Lock()
	s, ok := d.slots[key]
	if !ok || s.gen != gen {
		// Superseded by a later Call, or cancelled.
		d.mu.Unlock()
		return
	}
	delete(d.slots, key)
	v := s.value
	d.mu.Unlock()
	d.fn(key, v)
}

// Pending reports how many keys have a scheduled invocation.
func (d *Debouncer[K, V]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// Flush runs every pending invocation now, in the calling goroutine.
func (d *Debouncer[K, V]) Flush() {
	d.mu.Lock()
	pending := d.slots
	d.slots = make(map[K]*slot[V])
	d.mu.Unlock()

	for k, s := range pending {
		s.timer.Stop()
		d.fn(k, s.value)
	}
}

// Cancel drops every pending invocation.
func (d *Debouncer[K, V]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.slots {
		s.timer.Stop()
	}
	d.slots = make(map[K]*slot[V])
}

// Stop cancels pending invocations and ignores later calls.
func (d *Debouncer[K, V]) Stop() {
	d.Cancel()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}
