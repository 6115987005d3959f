package mq

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/petervdpas/winmesh/internal/identity"
	"github.com/petervdpas/winmesh/internal/metrics"
	"github.com/petervdpas/winmesh/internal/proto"
)

// bootstrap picks this peer's identity. A registration key from the locator
// wins, then the strategy slot, then the pointer slot. If the key names an
// existing record the identity is restored from it; otherwise a fresh one is
// minted that has never written a heartbeat.
func (m *Manager) bootstrap(name string) {
	prefix := m.cfg.KeyPrefix

	var candidate string
	if m.locator != nil {
		if id, ok := proto.MatchPeerKey(prefix, m.locator.Locate()); ok {
			candidate = id
		}
	}
	if candidate == "" {
		if id, ok := m.strategy.Recover(m.strategySlot, prefix); ok {
			candidate = id
		}
	}

	var key string
	switch {
	case candidate != "":
		key = proto.PeerKey(prefix, candidate)
	case m.pointerSlot != nil:
		key, _ = m.pointerSlot.Load()
	}

	restored := false
	if proto.IsPeerKey(prefix, key) {
		if rec, err := m.readRecord(key); err == nil && rec.ID != "" {
			m.self = selfState{id: rec.ID, name: rec.Name, heartbeat: rec.Heartbeat}
			restored = true
		}
	}
	if !restored {
		id := candidate
		if id == "" {
			id = identity.NewID()
		}
		m.self = selfState{id: id, name: "Window " + id, heartbeat: proto.NoHeartbeat}
	}
	if name != "" {
		m.self.name = name
	}
	m.storePointer()

	if restored {
		log.Infof("restored window %s from %s", short(m.self.id), key)
	} else {
		log.Infof("new window %s", short(m.self.id))
	}
}

func (m *Manager) storePointer() {
	if m.pointerSlot == nil {
		return
	}
	if err := m.pointerSlot.Store(proto.PeerKey(m.cfg.KeyPrefix, m.self.id)); err != nil {
		log.Warnf("store identity pointer: %v", err)
	}
}

// regenerateID abandons an id that another process also claims.
func (m *Manager) regenerateID() {
	old := m.self.id
	m.self.id = identity.NewID()
	m.self.heartbeat = proto.NoHeartbeat
	m.outbox.restamp(m.self.id)
	m.storePointer()
	metrics.RecordCollision()
	log.Warnf("window id %s is claimed by another process, now %s", short(old), short(m.self.id))
}

func (m *Manager) readRecord(key string) (proto.PeerRecord, error) {
	var rec proto.PeerRecord
	raw, err := m.store.Get(key)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, nil
}

// Scan rebuilds the known-peer list from every record in the store and
// publishes it.
func (m *Manager) Scan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanLocked(m.clk.Now().UnixMilli())
}

// Rescan is Scan rate-limited to once per heartbeat interval. It suits
// callers reacting to store change notifications; calls that arrive within
// OwnWriteEcho of our own record write are taken as that write's echo.
func (m *Manager) Rescan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now().UnixMilli()
	if m.lastScan != proto.NoHeartbeat && now-m.lastScan < m.cfg.Heartbeat.Milliseconds() {
		return
	}
	if m.lastWrite != proto.NoHeartbeat && now-m.lastWrite < m.cfg.OwnWriteEcho.Milliseconds() {
		return
	}
	m.scanLocked(now)
}

func (m *Manager) scanLocked(now int64) {
	prefix := m.cfg.KeyPrefix
	keys, err := m.store.Keys(proto.PeerKeyPrefix(prefix))
	if err != nil {
		log.Warnf("scan: %v", err)
		return
	}

	stallAfter := 2 * m.cfg.Heartbeat.Milliseconds()
	peers := make([]proto.KnownPeer, 0, len(keys))
	for _, key := range keys {
		if !proto.IsPeerKey(prefix, key) {
			continue
		}
		rec, err := m.readRecord(key)
		if err != nil {
			log.Debugf("scan: skip %s: %v", key, err)
			continue
		}
		if rec.ID == "" {
			continue
		}
		peers = append(peers, proto.KnownPeer{
			ID:        rec.ID,
			Name:      rec.Name,
			Heartbeat: rec.Heartbeat,
			Stalled:   now-rec.Heartbeat > stallAfter,
			Self:      rec.ID == m.self.id,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	m.peers = peers
	m.lastScan = now
	m.table.Replace(peers)
	metrics.SetKnownPeers(TransportStore, len(peers))
}
