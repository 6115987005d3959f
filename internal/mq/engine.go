package mq

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petervdpas/winmesh/internal/metrics"
	"github.com/petervdpas/winmesh/internal/proto"
	"github.com/petervdpas/winmesh/internal/storage"
	"github.com/petervdpas/winmesh/internal/track"
)

// Tick runs one heartbeat: read every known peer's record, answer and
// surface messages addressed to us, reconcile the outbox and publish our own
// record. A returned error means our record could not be written; queued
// messages stay queued and are retried on the next tick.
func (m *Manager) Tick() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.clk.Now()
	err := m.tickLocked(start.UnixMilli())
	metrics.RecordTick(m.clk.Since(start), m.outbox.len(), err)
	return err
}

func (m *Manager) tickLocked(now int64) error {
	received := make(map[string]struct{})

	for i := range m.peers {
		m.visitPeer(&m.peers[i], now, received)
	}

	fresh, err := m.reconcileOutbox(now, received)
	if err != nil {
		log.Warnf("outbox: %v", err)
		m.trackers.NoteAll(err)
	}

	rec := proto.PeerRecord{
		ID:        m.self.id,
		Name:      m.self.name,
		Heartbeat: now,
		Messages:  m.outbox.published(),
	}
	raw, err := json.Marshal(rec)
	if err == nil {
		err = m.store.Set(proto.PeerKey(m.cfg.KeyPrefix, m.self.id), raw)
	}
	if err != nil {
		// The stored heartbeat is unchanged, so the last written value must
		// stay as it was or the next tick would see a false collision.
		err = fmt.Errorf("publish record: %w", err)
		m.unsend(fresh)
		m.trackers.NoteAll(err)
		return err
	}
	m.lastWrite = now
	for _, id := range fresh {
		m.trackers.Accept(id)
	}

	first := m.self.heartbeat == proto.NoHeartbeat
	m.self.heartbeat = now
	if first {
		m.scanLocked(now)
	}
	return nil
}

// visitPeer handles one known peer's record.
func (m *Manager) visitPeer(p *proto.KnownPeer, now int64, received map[string]struct{}) {
	rec, err := m.readRecord(proto.PeerKey(m.cfg.KeyPrefix, p.ID))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Debugf("skip %s: %v", short(p.ID), err)
		}
		return
	}

	if rec.ID == m.self.id {
		if m.self.heartbeat != proto.NoHeartbeat && m.self.heartbeat != rec.Heartbeat {
			m.regenerateID()
		}
		return
	}

	if now-rec.Heartbeat > m.cfg.WindowTimeout.Milliseconds() {
		if err := m.store.Remove(proto.PeerKey(m.cfg.KeyPrefix, rec.ID)); err != nil {
			log.Warnf("reap %s: %v", short(rec.ID), err)
		} else {
			metrics.RecordReaped()
			log.Infof("reaped dead window %s (%s)", short(rec.ID), rec.Name)
		}
	}

	p.Name = rec.Name
	p.Heartbeat = rec.Heartbeat

	for _, e := range rec.Messages {
		if e.RecipientID != m.self.id {
			continue
		}
		switch e.Kind {
		case proto.KindAck:
			if m.trackers.Resolve(e.MessageID) {
				metrics.RecordDelivery(TransportStore, true)
				log.Debugf("delivered %s to %s", short(e.MessageID), short(rec.ID))
			}
			m.outbox.remove(e.MessageID)

		case proto.KindData, proto.KindProbe:
			received[e.MessageID] = struct{}{}
			if m.outbox.hasAck(e.MessageID) {
				continue
			}
			if e.Kind == proto.KindData {
				if !m.inbox.Deliver(m.resolve(e, rec.Name)) {
					// No ACK yet, so the sender keeps publishing it.
					log.Debugf("inbox full, %s from %s waits", short(e.MessageID), short(rec.ID))
					continue
				}
				m.dropPayload(e)
				metrics.RecordReceived(TransportStore)
			}
			m.outbox.put(proto.Envelope{
				MessageID:   e.MessageID,
				SenderID:    m.self.id,
				RecipientID: e.SenderID,
				Kind:        proto.KindAck,
				SendTime:    now,
			}, true)
		}
	}
}

// resolve turns a DATA envelope into a Message, fetching its offloaded
// payload.
func (m *Manager) resolve(e proto.Envelope, senderName string) proto.Message {
	msg := proto.Message{
		MessageID:  e.MessageID,
		SenderID:   e.SenderID,
		SenderName: senderName,
		Event:      e.Event,
		Data:       e.Data,
		Payload:    e.Payload,
	}
	if !e.PayloadOffloaded {
		return msg
	}
	raw, err := m.store.Get(proto.PayloadKey(m.cfg.KeyPrefix, e.MessageID))
	if err != nil {
		log.Warnf("payload for %s: %v", short(e.MessageID), err)
		msg.Payload = nil
	} else {
		msg.Payload = raw
	}
	return msg
}

// dropPayload removes a delivered message's offloaded payload.
func (m *Manager) dropPayload(e proto.Envelope) {
	if !e.PayloadOffloaded {
		return
	}
	if err := m.store.Remove(proto.PayloadKey(m.cfg.KeyPrefix, e.MessageID)); err != nil {
		log.Warnf("remove payload %s: %v", short(e.MessageID), err)
	}
}

// reconcileOutbox purges finished ACKs and expired messages and prepares
// new messages for publishing. It returns the ids of the newly prepared
// messages and the first store error; the affected entries stay unsent.
func (m *Manager) reconcileOutbox(now int64, received map[string]struct{}) ([]string, error) {
	var (
		fresh    []string
		firstErr error
	)
	timeout := m.cfg.MessageTimeout.Milliseconds()

	for _, id := range m.outbox.ids() {
		e, ok := m.outbox.get(id)
		if !ok {
			continue
		}
		switch {
		case e.env.Kind == proto.KindAck:
			// The sender dropped the original, so it has seen this ACK. A
			// single missed read purges early; the sender then times out.
			if _, seen := received[id]; !seen {
				m.outbox.remove(id)
			}

		case now-e.env.SendTime >= timeout:
			m.outbox.remove(id)
			if e.env.PayloadOffloaded {
				if err := m.store.Remove(proto.PayloadKey(m.cfg.KeyPrefix, id)); err != nil {
					log.Debugf("remove payload %s: %v", short(id), err)
				}
			}
			err := fmt.Errorf("%w: %s to %s after %s", track.ErrTimeout, short(id), short(e.env.RecipientID), m.cfg.MessageTimeout)
			if m.trackers.Fail(id, err) {
				metrics.RecordDelivery(TransportStore, false)
			}
			log.Infof("message %s to %s timed out", short(id), short(e.env.RecipientID))

		case !e.sent:
			if err := m.offload(&e.env); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			e.sent = true
			fresh = append(fresh, id)
		}
	}
	return fresh, firstErr
}

// unsend withdraws entries whose record write failed so they are prepared
// again next tick.
func (m *Manager) unsend(ids []string) {
	for _, id := range ids {
		if e, ok := m.outbox.get(id); ok {
			e.sent = false
		}
	}
}

// offload moves an oversized payload to its own key.
func (m *Manager) offload(env *proto.Envelope) error {
	if env.Kind != proto.KindData || env.PayloadOffloaded || len(env.Payload) == 0 {
		return nil
	}
	if len(env.Payload) <= m.cfg.InlineLimit {
		return nil
	}
	if err := m.store.Set(proto.PayloadKey(m.cfg.KeyPrefix, env.MessageID), env.Payload); err != nil {
		return fmt.Errorf("offload payload %s: %w", short(env.MessageID), err)
	}
	env.Payload = nil
	env.PayloadOffloaded = true
	metrics.RecordOffload()
	return nil
}
