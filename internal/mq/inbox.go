package mq

import (
	"sync"

	"github.com/petervdpas/winmesh/internal/proto"
)

// listenerCap is the buffer of every subscriber channel. The backlog held
// while nobody listens has the same bound so a replay always fits.
const listenerCap = 128

// Inbox fans received messages out to subscribers. Messages that arrive
// while there are no subscribers are buffered and replayed to the first one.
type Inbox struct {
	mu        sync.Mutex
	listeners map[chan proto.Message]struct{}
	buffered  []proto.Message
}

func NewInbox() *Inbox {
	return &Inbox{listeners: make(map[chan proto.Message]struct{})}
}

// Deliver hands msg to every subscriber, or to the backlog when there are
// none. It reports false and hands msg to nobody when a subscriber or the
// backlog is full; the caller keeps the message and tries again later.
func (in *Inbox) Deliver(msg proto.Message) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if len(in.listeners) == 0 {
		if len(in.buffered) >= listenerCap {
			return false
		}
		in.buffered = append(in.buffered, msg)
		return true
	}
	// Only Deliver sends, and it holds mu, so free space cannot shrink
	// between the check and the send.
	for ch := range in.listeners {
		if len(ch) == cap(ch) {
			return false
		}
	}
	for ch := range in.listeners {
		ch <- msg
	}
	return true
}

// Subscribe returns a channel of received messages and a cancel function.
// Buffered messages are replayed first.
func (in *Inbox) Subscribe() (<-chan proto.Message, func()) {
	ch := make(chan proto.Message, listenerCap)

	in.mu.Lock()
	in.listeners[ch] = struct{}{}
	for _, msg := range in.buffered {
		ch <- msg
	}
	in.buffered = nil
	in.mu.Unlock()

	cancel := func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		if _, ok := in.listeners[ch]; ok {
			delete(in.listeners, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
