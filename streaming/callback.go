package streaming

import (
	"slices"
	"sync"
)

// callbackList is a copy-on-write list of callbacks, safe for concurrent
// Add/Remove/Each: Each takes a snapshot so a callback can remove itself
// (or another) without deadlocking or racing the iteration.
type callbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*T
}

// Slot is a handle returned by callbackList.Add. Disconnect removes the
// callback; it is idempotent and safe to call from any goroutine.
type Slot[T any] struct {
	list *callbackList[T]
	ref  *T
}

func (s Slot[T]) Disconnect() {
	if s.list == nil {
		return
	}
	s.list.remove(s.ref)
}

func (l *callbackList[T]) Add(callback T) Slot[T] {
	ref := &callback
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.callbacks = append(slices.Clone(l.callbacks), ref)
	return Slot[T]{list: l, ref: ref}
}

func (l *callbackList[T]) remove(ref *T) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	i := slices.Index(l.callbacks, ref)
	if i < 0 {
		return
	}
	next := slices.Clone(l.callbacks)
	l.callbacks = slices.Delete(next, i, i+1)
}

func (l *callbackList[T]) snapshot() []*T {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.callbacks
}

func (l *callbackList[T]) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.callbacks)
}

// Each invokes fn with every currently-registered callback, in a snapshot
// taken before iteration begins.
func (l *callbackList[T]) Each(fn func(T)) {
	for _, ref := range l.snapshot() {
		fn(*ref)
	}
}

// event0 through event3 are convenience signal types used throughout the
// rest of the package: a callbackList of plain functions, with Emit firing
// every registered slot in the calling goroutine. Handlers for one
// connection and its dependents run on that connection's own dispatch
// goroutine; cross-goroutine emission like LocalSignal.PublishData is
// documented at each call site.

type event0 struct {
	list callbackList[func()]
}

func (e *event0) On(fn func()) Slot[func()] { return e.list.Add(fn) }
func (e *event0) Emit() {
	e.list.Each(func(fn func()) { fn() })
}

type event1[A any] struct {
	list callbackList[func(A)]
}

func (e *event1[A]) On(fn func(A)) Slot[func(A)] { return e.list.Add(fn) }
func (e *event1[A]) Emit(a A) {
	e.list.Each(func(fn func(A)) { fn(a) })
}

type event2[A, B any] struct {
	list callbackList[func(A, B)]
}

func (e *event2[A, B]) On(fn func(A, B)) Slot[func(A, B)] { return e.list.Add(fn) }
func (e *event2[A, B]) Emit(a A, b B) {
	e.list.Each(func(fn func(A, B)) { fn(a, b) })
}

type event3[A, B, C any] struct {
	list callbackList[func(A, B, C)]
}

func (e *event3[A, B, C]) On(fn func(A, B, C)) Slot[func(A, B, C)] { return e.list.Add(fn) }
func (e *event3[A, B, C]) Emit(a A, b B, c C) {
	e.list.Each(func(fn func(A, B, C)) { fn(a, b, c) })
}
