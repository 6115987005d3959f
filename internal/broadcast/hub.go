package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a Channel that has been closed.
var ErrClosed = errors.New("broadcast: channel closed")

// Channel is a medium every peer publishes to and reads from. A publisher
// may or may not receive its own frames.
type Channel interface {
	Publish(ctx context.Context, data []byte) error
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

const hubQueue = 256

// Hub is an in-process Channel fan-out, used by tests and by several buses
// sharing one process.
type Hub struct {
	mu      sync.RWMutex
	members map[*hubConn]struct{}
}

func NewHub() *Hub {
	return &Hub{members: make(map[*hubConn]struct{})}
}

// Join returns a new member connection.
func (h *Hub) Join() Channel {
	c := &hubConn{
		hub:    h,
		queue:  make(chan []byte, hubQueue),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.members[c] = struct{}{}
	h.mu.Unlock()
	return c
}

type hubConn struct {
	hub   *Hub
	queue chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *hubConn) Publish(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for m := range c.hub.members {
		cp := append([]byte(nil), data...)
		select {
		case m.queue <- cp:
		default:
			log.Warnf("hub member queue full, dropping frame")
		}
	}
	return nil
}

func (c *hubConn) Next(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.queue:
		return b, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *hubConn) Close() error {
	c.closeOnce.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.members, c)
		c.hub.mu.Unlock()
		close(c.closed)
	})
	return nil
}
