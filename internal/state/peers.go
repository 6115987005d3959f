package state

import (
	"sync"

	"github.com/petervdpas/winmesh/internal/proto"
)

// PeerTable publishes the known-peer list. The list is only ever replaced
// wholesale; subscribers receive the latest list, starting with the current
// one at subscription time.
type PeerTable struct {
	mu        sync.Mutex
	peers     []proto.KnownPeer
	listeners []chan []proto.KnownPeer
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     []proto.KnownPeer{},
		listeners: make([]chan []proto.KnownPeer, 0),
	}
}

// Replace swaps in a new list and notifies every subscriber.
func (t *PeerTable) Replace(peers []proto.KnownPeer) {
	cp := clonePeers(peers)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = cp
	for _, ch := range t.listeners {
		offerLatest(ch, clonePeers(cp))
	}
}

func (t *PeerTable) Snapshot() []proto.KnownPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return clonePeers(t.peers)
}

// Subscribe returns a channel that immediately holds the current list and
// then every replacement. A slow reader only ever misses intermediate lists.
func (t *PeerTable) Subscribe() (<-chan []proto.KnownPeer, func()) {
	ch := make(chan []proto.KnownPeer, 1)

	t.mu.Lock()
	ch <- clonePeers(t.peers)
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, listener := range t.listeners {
			if listener == ch {
				close(listener)
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// offerLatest replaces an unread value so the channel always holds the newest list.
func offerLatest(ch chan []proto.KnownPeer, v []proto.KnownPeer) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func clonePeers(in []proto.KnownPeer) []proto.KnownPeer {
	out := make([]proto.KnownPeer, len(in))
	copy(out, in)
	return out
}
