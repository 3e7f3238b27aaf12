// Package keylock serializes work per key without a global lock. Each key gets
// its own mutex, created on first use and reclaimed explicitly once the owner
// decides the key is idle.
package keylock

import (
	"sync"
)

type slot struct {
	mu   sync.Mutex
	dead bool
}

// Locker holds one mutex per key. The zero value is not usable; call New.
type Locker struct {
	slots sync.Map // string -> *slot
}

func New() *Locker {
	return &Locker{}
}

// Lock blocks until the key's mutex is held and returns the matching unlock.
func (l *Locker) Lock(key string) func() {
	for {
		v, _ := l.slots.LoadOrStore(key, &slot{})
		s := v.(*slot)
		s.mu.Lock()
		if !s.dead {
			return s.mu.Unlock
		}
		// Reclaimed between load and lock; retry with a fresh slot.
		s.mu.Unlock()
	}
}

// Reclaim drops the key's slot if nobody holds or waits on it right now.
// It reports whether the slot was removed.
func (l *Locker) Reclaim(key string) bool {
	v, ok := l.slots.Load(key)
	if !ok {
		return false
	}
	s := v.(*slot)
	if !s.mu.TryLock() {
		return false
	}
	s.dead = true
	removed := l.slots.CompareAndDelete(key, s)
	s.mu.Unlock()
	return removed
}

// Len returns the number of live slots.
func (l *Locker) Len() int {
	n := 0
	l.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
