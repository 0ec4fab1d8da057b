package voice

import "sync"

// listeners is an ordered list of callbacks. It is guarded by the runtime
// lock.
type listeners[T any] struct {
	next    int
	entries []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) int {
	l.next++
	l.entries = append(l.entries, listener[T]{id: l.next, fn: fn})
	return l.next
}

func (l *listeners[T]) remove(id int) {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// listen registers fn and returns a func that removes it. The returned func
// takes the runtime lock and must not be called from inside it.
func listen[T any](r *Runtime, l *listeners[T], fn func(T)) func() {
	r.mu.Lock()
	id := l.add(fn)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			l.remove(id)
		})
	}
}

// notify queues a call of every listener currently registered in l. The
// calls run in registration order once the runtime lock is released.
func notify[T any](r *Runtime, l *listeners[T], v T) {
	if len(l.entries) == 0 {
		return
	}
	fns := make([]func(T), len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	r.emit(func() {
		for _, fn := range fns {
			fn(v)
		}
	})
}
