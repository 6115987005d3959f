package mq

import (
	"sort"

	"github.com/petervdpas/winmesh/internal/proto"
)

type outboxEntry struct {
	env proto.Envelope
	// sent is set once the entry has been published in our record.
	sent bool
}

// Outbox holds the envelopes this peer publishes, keyed by message id.
// ACK entries are keyed by the id of the message they acknowledge.
type Outbox struct {
	entries map[string]*outboxEntry
}

func newOutbox() *Outbox {
	return &Outbox{entries: make(map[string]*outboxEntry)}
}

func (o *Outbox) put(env proto.Envelope, sent bool) {
	o.entries[env.MessageID] = &outboxEntry{env: env, sent: sent}
}

func (o *Outbox) get(id string) (*outboxEntry, bool) {
	e, ok := o.entries[id]
	return e, ok
}

func (o *Outbox) remove(id string) {
	delete(o.entries, id)
}

func (o *Outbox) hasAck(id string) bool {
	e, ok := o.entries[id]
	return ok && e.env.Kind == proto.KindAck
}

func (o *Outbox) len() int { return len(o.entries) }

// ids returns the message ids in a stable order.
func (o *Outbox) ids() []string {
	out := make([]string, 0, len(o.entries))
	for id := range o.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// published returns the envelopes that belong in our record, oldest first.
func (o *Outbox) published() []proto.Envelope {
	out := make([]proto.Envelope, 0, len(o.entries))
	for _, e := range o.entries {
		if e.sent {
			out = append(out, e.env)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SendTime != out[j].SendTime {
			return out[i].SendTime < out[j].SendTime
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// restamp rewrites the sender of every entry after an id change.
func (o *Outbox) restamp(senderID string) {
	for _, e := range o.entries {
		e.env.SenderID = senderID
	}
}
