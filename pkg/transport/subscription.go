package transport

import (
	"maps"
	"slices"
	"sync"
)

// Subscription is the cancellation token of a registered callback.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe is safe to call more than once and on a nil subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type listeners[T any] struct {
	next uint64
	fns  map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) uint64 {
	if l.fns == nil {
		l.fns = map[uint64]func(T){}
	}
	l.next++
	l.fns[l.next] = fn
	return l.next
}

func (l *listeners[T]) remove(id uint64) { delete(l.fns, id) }

func (l *listeners[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(l.fns))
	for _, id := range slices.Sorted(maps.Keys(l.fns)) {
		out = append(out, l.fns[id])
	}
	return out
}

func (l *listeners[T]) clear() { l.fns = nil }
