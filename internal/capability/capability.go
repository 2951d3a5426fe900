// Package capability models optional, lazily loaded dependencies such as the
// segmentation model. A Capability loads on first Acquire, caches the single
// instance, and hands out reference-counted handles to it.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the load state of a capability.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// ErrInUse is returned by Close while handles are outstanding.
var ErrInUse = errors.New("capability in use")

// Loader creates the capability instance.
type Loader[T any] func(ctx context.Context) (T, error)

// Capability is a lazily loaded shared instance of T.
type Capability[T any] struct {
	name    string
	load    Loader[T]
	release func(T)

	mu      sync.Mutex
	state   State
	value   T
	err     error
	refs    int
	loading chan struct{}
}

// New creates an unloaded capability. release, if set, is called with the
// instance when the capability is closed.
func New[T any](name string, load Loader[T], release func(T)) *Capability[T] {
	return &Capability[T]{name: name, load: load, release: release, state: StateUnloaded}
}

// State returns the current load state.
func (c *Capability[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last load error, if the capability is in the failed state.
func (c *Capability[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFailed {
		return nil
	}
	return c.err
}

// Refs returns the number of outstanding handles.
func (c *Capability[T]) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Acquire returns a handle to the instance, loading it if needed. Concurrent
// callers share a single load. A failed load is retried by the next Acquire.
func (c *Capability[T]) Acquire(ctx context.Context) (*Handle[T], error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateReady:
			c.refs++
			h := &Handle[T]{c: c, value: c.value}
			c.mu.Unlock()
			return h, nil
		case StateLoading:
			wait := c.loading
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			c.state = StateLoading
			c.loading = make(chan struct{})
			c.mu.Unlock()

			value, err := c.load(ctx)

			c.mu.Lock()
			close(c.loading)
			if err != nil {
				c.state = StateFailed
				c.err = fmt.Errorf("load %s: %w", c.name, err)
				err = c.err
				c.mu.Unlock()
				return nil, err
			}
			c.state = StateReady
			c.value = value
			c.err = nil
			c.refs++
			h := &Handle[T]{c: c, value: value}
			c.mu.Unlock()
			return h, nil
		}
	}
}

// Close releases the cached instance and returns the capability to the
// unloaded state.
func (c *Capability[T]) Close() error {
	c.mu.Lock()
	if c.refs > 0 {
		c.mu.Unlock()
		return ErrInUse
	}
	if c.state != StateReady {
		c.state = StateUnloaded
		c.mu.Unlock()
		return nil
	}
	value := c.value
	var zero T
	c.value = zero
	c.state = StateUnloaded
	c.mu.Unlock()

	if c.release != nil {
		c.release(value)
	}
	return nil
}

// Handle is one reference to a loaded capability.
type Handle[T any] struct {
	c     *Capability[T]
	value T
	once  sync.Once
}

// Value returns the shared instance.
func (h *Handle[T]) Value() T { return h.value }

// Release drops the reference. It is idempotent.
func (h *Handle[T]) Release() {
	h.once.Do(func() {
		h.c.mu.Lock()
		h.c.refs--
		h.c.mu.Unlock()
	})
}
