// Package ringlog provides a fixed-capacity, overwrite-oldest log used for
// the in-memory failure and telemetry histories.
package ringlog

import "sync"

// Log is a thread-safe circular buffer of T. Once full, each Append evicts
// the oldest entry. Head and tail are monotonically increasing positions;
// the slot index is position modulo capacity.
type Log[T any] struct {
	mu         sync.RWMutex
	buf        []T
	head, tail int64
}

// New returns a Log holding at most capacity entries. A capacity below one
// is treated as one.
func New[T any](capacity int) *Log[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Log[T]{buf: make([]T, capacity)}
}

// Append adds v and reports whether an older entry was evicted.
func (l *Log[T]) Append(v T) (evicted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	size := int64(len(l.buf))
	l.buf[l.tail%size] = v
	l.tail++
	if l.tail-l.head > size {
		l.head = l.tail - size
		evicted = true
	}
	return evicted
}

// Len returns the number of stored entries.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int(l.tail - l.head)
}

// Cap returns the capacity.
func (l *Log[T]) Cap() int { return len(l.buf) }

// All returns the stored entries oldest first.
func (l *Log[T]) All() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last(int(l.tail - l.head))
}

// Last returns up to n of the newest entries, oldest first.
func (l *Log[T]) Last(n int) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last(n)
}

func (l *Log[T]) last(n int) []T {
	avail := int(l.tail - l.head)
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return nil
	}
	size := int64(len(l.buf))
	out := make([]T, 0, n)
	for pos := l.tail - int64(n); pos < l.tail; pos++ {
		out = append(out, l.buf[pos%size])
	}
	return out
}

// Update applies fn to the newest entry for which match returns true and
// reports whether one was found. fn runs under the write lock.
func (l *Log[T]) Update(match func(T) bool, fn func(*T)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	size := int64(len(l.buf))
	for pos := l.tail - 1; pos >= l.head; pos-- {
		if match(l.buf[pos%size]) {
			fn(&l.buf[pos%size])
			return true
		}
	}
	return false
}

// Reset drops every entry.
func (l *Log[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buf)
	l.head, l.tail = 0, 0
}
