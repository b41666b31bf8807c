// Package sessions tracks live relay connections so graceful shutdown can
// wait for them and cancel stragglers.
package sessions

import (
	"context"
	"sync"
)

// Handle lets the tracker tear down one tracked connection.
type Handle struct {
	Cancel func()
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// Register tracks a connection under id, replacing (and tearing down) any
// previous registration with the same id. The returned func unregisters.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	e := &entry{handle: h}

	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*entry)
	}
	old := t.entries[id]
	t.entries[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, e) }
}

func (t *Tracker) unregister(id string, e *entry) {
	if t == nil || e == nil {
		return
	}
	e.once.Do(func() {
		t.mu.Lock()
		if t.entries != nil && t.entries[id] == e {
			delete(t.entries, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CancelAll invokes every tracked connection's Cancel outside the lock.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, e := range t.entries {
		if e != nil && e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every tracked connection unregisters, or ctx expires.
// Returns false on timeout.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
