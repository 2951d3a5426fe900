package media

import "sync"

// fanout delivers values to every subscriber without blocking the writer.
// A subscriber that is not keeping up loses values rather than stalling the
// real-time producer.
type fanout[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	closed bool
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: make(map[int]chan T)}
}

func (f *fanout[T]) subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

// publish returns the number of subscribers that received v.
func (f *fanout[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0
	}
	delivered := 0
	for _, ch := range f.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
