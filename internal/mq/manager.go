package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/winmesh/internal/identity"
	"github.com/petervdpas/winmesh/internal/metrics"
	"github.com/petervdpas/winmesh/internal/proto"
	"github.com/petervdpas/winmesh/internal/state"
	"github.com/petervdpas/winmesh/internal/storage"
	"github.com/petervdpas/winmesh/internal/track"
)

var log = logging.Logger("mq")

// Options wires a Manager to its surroundings. Store is required.
type Options struct {
	Store storage.Store
	Clock clock.Clock

	// Locator may carry a registration key handed over by a prober.
	Locator identity.Locator

	// Strategy and StrategySlot recover an identity kept in a slot that other
	// code may share. PointerSlot always holds this peer's record key.
	Strategy     identity.Strategy
	StrategySlot identity.Slot
	PointerSlot  identity.Slot

	// Name overrides the default "Window <id>" name.
	Name string
}

type selfState struct {
	id   string
	name string
	// heartbeat is the value we last wrote, or proto.NoHeartbeat.
	heartbeat int64
}

// Manager is the store-polling Bus. A single mutex serialises ticks, scans
// and API calls, so the engine never observes a half-applied mutation.
type Manager struct {
	cfg     Config
	store   storage.Store
	clk     clock.Clock
	locator identity.Locator

	strategy     identity.Strategy
	strategySlot identity.Slot
	pointerSlot  identity.Slot

	mu       sync.Mutex
	self     selfState
	outbox   *Outbox
	peers    []proto.KnownPeer // working copy, refreshed by scans
	lastScan int64
	// lastWrite is when our record was last published, or proto.NoHeartbeat.
	lastWrite int64

	trackers *track.Table
	table    *state.PeerTable
	inbox    *Inbox

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Bus = (*Manager)(nil)

// New bootstraps this peer's identity. No record is written until the first
// tick.
func New(cfg Config, opt Options) (*Manager, error) {
	if opt.Store == nil {
		return nil, errors.New("mq: store required")
	}
	clk := opt.Clock
	if clk == nil {
		clk = clock.New()
	}
	strategy := opt.Strategy
	if strategy == "" {
		strategy = identity.StrategyNone
	}
	m := &Manager{
		cfg:          cfg.withDefaults(),
		store:        opt.Store,
		clk:          clk,
		locator:      opt.Locator,
		strategy:     strategy,
		strategySlot: opt.StrategySlot,
		pointerSlot:  opt.PointerSlot,
		outbox:       newOutbox(),
		trackers:     track.NewTable(),
		table:        state.NewPeerTable(),
		inbox:        NewInbox(),
		lastScan:     proto.NoHeartbeat,
		lastWrite:    proto.NoHeartbeat,
	}
	m.bootstrap(strings.TrimSpace(opt.Name))
	return m, nil
}

func (m *Manager) Transport() string { return TransportStore }

func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self.id
}

func (m *Manager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self.name
}

// SetName changes the published name. Other peers see it after the next tick.
func (m *Manager) SetName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	m.mu.Lock()
	m.self.name = name
	m.mu.Unlock()
	return nil
}

func (m *Manager) Subscribe() (<-chan proto.Message, func()) {
	return m.inbox.Subscribe()
}

func (m *Manager) SubscribePeers() (<-chan []proto.KnownPeer, func()) {
	return m.table.Subscribe()
}

// Peers returns the list published by the last scan.
func (m *Manager) Peers() []proto.KnownPeer {
	return m.table.Snapshot()
}

// Send queues a DATA message. It is published on the next tick.
func (m *Manager) Send(recipientID, event string, data, payload any) (*track.Handle, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, ErrNoRecipient
	}
	dataRaw, err := marshalOptional(data)
	if err != nil {
		return nil, fmt.Errorf("mq: encode data: %w", err)
	}
	payloadRaw, err := marshalOptional(payload)
	if err != nil {
		return nil, fmt.Errorf("mq: encode payload: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if recipientID == m.self.id {
		return nil, ErrSelfSend
	}
	env := proto.Envelope{
		MessageID:   identity.NewID(),
		SenderID:    m.self.id,
		RecipientID: recipientID,
		Kind:        proto.KindData,
		Event:       event,
		Data:        dataRaw,
		Payload:     payloadRaw,
		SendTime:    m.clk.Now().UnixMilli(),
	}
	m.outbox.put(env, false)
	h := m.trackers.Add(env.MessageID)
	metrics.RecordSent(TransportStore, string(proto.KindData))
	log.Debugf("queued %s (event=%s) for %s", short(env.MessageID), event, short(recipientID))
	return h, nil
}

// Probe reserves an id for a window about to be spawned and queues a PROBE
// for it. The new window adopts the id through its locator.
func (m *Manager) Probe() (Probe, error) {
	if m.locator == nil {
		return Probe{}, ErrNoLocator
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	peerID := identity.NewID()
	env := proto.Envelope{
		MessageID:   identity.NewID(),
		SenderID:    m.self.id,
		RecipientID: peerID,
		Kind:        proto.KindProbe,
		SendTime:    m.clk.Now().UnixMilli(),
	}
	m.outbox.put(env, false)
	h := m.trackers.Add(env.MessageID)
	metrics.RecordSent(TransportStore, string(proto.KindProbe))
	return Probe{
		PeerID:          peerID,
		RegistrationKey: proto.PeerKey(m.cfg.KeyPrefix, peerID),
		Handle:          h,
	}, nil
}

// Clear removes this peer's record from the store. A running manager
// republishes it on its next tick.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Remove(proto.PeerKey(m.cfg.KeyPrefix, m.self.id))
}

func (m *Manager) SaveIdentity() error {
	m.mu.Lock()
	key := proto.PeerKey(m.cfg.KeyPrefix, m.self.id)
	m.mu.Unlock()
	return m.strategy.Save(m.strategySlot, key)
}

// Start runs an initial scan and tick, then keeps ticking until ctx ends or
// Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyStarted
	}

	m.Scan()
	if err := m.Tick(); err != nil {
		log.Warnf("initial heartbeat: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)

	log.Infof("window %s (%s) joined via store", short(m.ID()), m.Name())
	return nil
}

// Stop halts the loops. Queued messages stay in the outbox.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	heartbeat := m.clk.Ticker(m.cfg.Heartbeat)
	defer heartbeat.Stop()
	scan := m.clk.Ticker(m.cfg.NewWindowScan)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := m.Tick(); err != nil {
				log.Warnf("heartbeat: %v", err)
			}
		case <-scan.C:
			m.Scan()
		}
	}
}

// marshalOptional encodes v as JSON. nil stays empty and raw JSON passes
// through untouched.
func marshalOptional(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		if !json.Valid(t) {
			return nil, errors.New("invalid raw JSON")
		}
		return t, nil
	}
	return json.Marshal(v)
}
