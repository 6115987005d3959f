// Package track holds the one-shot completion handles returned by send and
// probe operations. Engines complete them; callers only observe.
package track

import (
	"context"
	"errors"
	"sync"
)

// ErrTimeout fails a handle whose message was not acknowledged in time.
var ErrTimeout = errors.New("track: delivery timed out")

// Handle follows one in-flight message through two stages: accepted (the
// message entered the published outbox) and done (acknowledged or failed).
type Handle struct {
	id string

	acceptOnce sync.Once
	doneOnce   sync.Once
	accepted   chan struct{}
	done       chan struct{}

	mu      sync.Mutex
	err     error
	lastErr error
}

func newHandle(id string) *Handle {
	return &Handle{
		id:       id,
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the message id the handle tracks.
func (h *Handle) ID() string { return h.id }

// Accepted is closed once the message is part of the published outbox.
func (h *Handle) Accepted() <-chan struct{} { return h.accepted }

// Done is closed when the message is acknowledged or has failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the failure once Done is closed; nil means delivered.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// LastError returns the most recent transient error (e.g. a failed store
// write) seen while the message was still queued.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Wait blocks until the handle completes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Accept() {
	h.acceptOnce.Do(func() { close(h.accepted) })
}

func (h *Handle) Resolve() {
	h.finish(nil)
}

func (h *Handle) Fail(err error) {
	if err == nil {
		err = ErrTimeout
	}
	h.finish(err)
}

func (h *Handle) Note(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}

func (h *Handle) finish(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		h.Accept()
		close(h.done)
	})
}
