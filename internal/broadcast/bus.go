// Package broadcast is the push variant of the window bus. Peers announce
// themselves on a shared Channel and publish messages straight to it, so
// there is no heartbeat, no outbox and no payload offload.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/winmesh/internal/identity"
	"github.com/petervdpas/winmesh/internal/metrics"
	"github.com/petervdpas/winmesh/internal/mq"
	"github.com/petervdpas/winmesh/internal/proto"
	"github.com/petervdpas/winmesh/internal/state"
	"github.com/petervdpas/winmesh/internal/track"
)

var log = logging.Logger("broadcast")

const (
	seenFrames     = 1024
	publishTimeout = 5 * time.Second
)

// Options mirrors mq.Options minus the store.
type Options struct {
	Clock   clock.Clock
	Locator identity.Locator

	Strategy     identity.Strategy
	StrategySlot identity.Slot
	PointerSlot  identity.Slot

	Name      string
	KeyPrefix string
	// ProbeTimeout bounds how long a probe waits for the new window.
	ProbeTimeout time.Duration
}

// Bus implements mq.Bus over a Channel.
type Bus struct {
	ch        Channel
	clk       clock.Clock
	locator   identity.Locator
	prefix    string
	probeWait time.Duration

	strategy     identity.Strategy
	strategySlot identity.Slot
	pointerSlot  identity.Slot

	mu        sync.Mutex
	id        string
	name      string
	lastSeen  int64
	peers     map[string]proto.KnownPeer
	listeners map[string]struct{}
	probes    map[string]string // candidate peer id -> handle id

	seen     *lru.Cache[string, struct{}]
	trackers *track.Table
	table    *state.PeerTable
	inbox    *mq.Inbox

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ mq.Bus = (*Bus)(nil)

func New(ch Channel, opt Options) (*Bus, error) {
	if ch == nil {
		return nil, errors.New("broadcast: channel required")
	}
	seen, err := lru.New[string, struct{}](seenFrames)
	if err != nil {
		return nil, err
	}
	clk := opt.Clock
	if clk == nil {
		clk = clock.New()
	}
	prefix := opt.KeyPrefix
	if prefix == "" {
		prefix = proto.DefaultKeyPrefix
	}
	wait := opt.ProbeTimeout
	if wait <= 0 {
		wait = mq.DefaultConfig().MessageTimeout
	}
	strategy := opt.Strategy
	if strategy == "" {
		strategy = identity.StrategyNone
	}

	b := &Bus{
		ch:           ch,
		clk:          clk,
		locator:      opt.Locator,
		prefix:       prefix,
		probeWait:    wait,
		strategy:     strategy,
		strategySlot: opt.StrategySlot,
		pointerSlot:  opt.PointerSlot,
		peers:        make(map[string]proto.KnownPeer),
		listeners:    make(map[string]struct{}),
		probes:       make(map[string]string),
		seen:         seen,
		trackers:     track.NewTable(),
		table:        state.NewPeerTable(),
		inbox:        mq.NewInbox(),
	}
	b.bootstrap(strings.TrimSpace(opt.Name))
	b.publishPeersLocked()
	return b, nil
}

// bootstrap resolves the id the same way the store engine does, except that
// there is no record to restore the name from.
func (b *Bus) bootstrap(name string) {
	var id string
	if b.locator != nil {
		id, _ = proto.MatchPeerKey(b.prefix, b.locator.Locate())
	}
	if id == "" {
		id, _ = b.strategy.Recover(b.strategySlot, b.prefix)
	}
	if id == "" && b.pointerSlot != nil {
		if key, err := b.pointerSlot.Load(); err == nil {
			id, _ = proto.MatchPeerKey(b.prefix, key)
		}
	}
	if id == "" {
		id = identity.NewID()
	}
	b.id = id
	b.name = "Window " + id
	if name != "" {
		b.name = name
	}
	if b.pointerSlot != nil {
		if err := b.pointerSlot.Store(proto.PeerKey(b.prefix, id)); err != nil {
			log.Warnf("store identity pointer: %v", err)
		}
	}
}

func (b *Bus) Transport() string { return mq.TransportPubsub }

func (b *Bus) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

func (b *Bus) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// SetName renames this peer and announces it.
func (b *Bus) SetName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return mq.ErrInvalidName
	}
	b.mu.Lock()
	b.name = name
	b.publishPeersLocked()
	b.mu.Unlock()

	if b.running() {
		return b.announce(proto.FrameUpdate)
	}
	return nil
}

func (b *Bus) Subscribe() (<-chan proto.Message, func()) {
	return b.inbox.Subscribe()
}

func (b *Bus) SubscribePeers() (<-chan []proto.KnownPeer, func()) {
	return b.table.Subscribe()
}

func (b *Bus) Peers() []proto.KnownPeer {
	return b.table.Snapshot()
}

// Listen registers a listener name. Frames addressed to it are delivered to
// this peer's subscribers. The returned func unregisters it.
func (b *Bus) Listen(name string) func() {
	b.mu.Lock()
	b.listeners[name] = struct{}{}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, name)
		b.mu.Unlock()
	}
}

// Listeners returns the registered listener names, sorted.
func (b *Bus) Listeners() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		out = append(out, name)
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

// Send publishes a message for one peer. Push delivery has no ack: unlike
// the store engine, whose handles complete on a later tick, the returned
// handle is already complete with the outcome of the publish. Delivered
// means the channel took the frame, not that the recipient saw it.
func (b *Bus) Send(recipientID, event string, data, payload any) (*track.Handle, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, mq.ErrNoRecipient
	}
	if recipientID == b.ID() {
		return nil, mq.ErrSelfSend
	}
	return b.sendData(proto.FrameSpecificWindow, func(f *proto.Frame) {
		f.RecipientID = recipientID
	}, event, data, payload)
}

// SendToListener publishes a message for every peer listening on listener.
func (b *Bus) SendToListener(listener, event string, data, payload any) (*track.Handle, error) {
	if strings.TrimSpace(listener) == "" {
		return nil, errors.New("broadcast: listener name required")
	}
	return b.sendData(proto.FrameSpecificListener, func(f *proto.Frame) {
		f.Listener = listener
	}, event, data, payload)
}

// Broadcast publishes a message for every other peer.
func (b *Bus) Broadcast(event string, data, payload any) (*track.Handle, error) {
	return b.sendData(proto.FrameAllListeners, nil, event, data, payload)
}

func (b *Bus) sendData(t proto.FrameType, address func(*proto.Frame), event string, data, payload any) (*track.Handle, error) {
	dataRaw, err := encode(data)
	if err != nil {
		return nil, fmt.Errorf("broadcast: encode data: %w", err)
	}
	payloadRaw, err := encode(payload)
	if err != nil {
		return nil, fmt.Errorf("broadcast: encode payload: %w", err)
	}
	f := b.frame(t)
	f.Event = event
	f.Data = dataRaw
	f.Payload = payloadRaw
	if address != nil {
		address(&f)
	}

	h := b.trackers.Add(f.ID)
	metrics.RecordSent(mq.TransportPubsub, string(t))
	if err := b.publish(f); err != nil {
		b.trackers.Fail(f.ID, err)
		metrics.RecordDelivery(mq.TransportPubsub, false)
		return h, nil
	}
	b.trackers.Resolve(f.ID)
	metrics.RecordDelivery(mq.TransportPubsub, true)
	return h, nil
}

// Probe reserves an id for a window about to be spawned. The handle
// resolves when that window announces itself.
func (b *Bus) Probe() (mq.Probe, error) {
	if b.locator == nil {
		return mq.Probe{}, mq.ErrNoLocator
	}
	peerID := identity.NewID()
	handleID := identity.NewID()
	h := b.trackers.Add(handleID)
	h.Accept()

	b.mu.Lock()
	b.probes[peerID] = handleID
	b.mu.Unlock()

	b.clk.AfterFunc(b.probeWait, func() {
		b.mu.Lock()
		_, pending := b.probes[peerID]
		delete(b.probes, peerID)
		b.mu.Unlock()
		if pending && b.trackers.Fail(handleID, fmt.Errorf("%w: window %s did not appear", track.ErrTimeout, peerID)) {
			metrics.RecordDelivery(mq.TransportPubsub, false)
		}
	})
	metrics.RecordSent(mq.TransportPubsub, string(proto.KindProbe))

	return mq.Probe{
		PeerID:          peerID,
		RegistrationKey: proto.PeerKey(b.prefix, peerID),
		Handle:          h,
	}, nil
}

// Start begins reading frames and announces this peer.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return mq.ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.readLoop(ctx, b.done)

	if err := b.announce(proto.FrameCreated); err != nil {
		log.Warnf("announce: %v", err)
	}
	if err := b.announce(proto.FrameRequestAll); err != nil {
		log.Warnf("request peers: %v", err)
	}
	log.Infof("window %s (%s) joined via broadcast", short(b.ID()), b.Name())
	return nil
}

// Stop announces departure and halts the read loop.
func (b *Bus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel == nil {
		return
	}
	if err := b.announce(proto.FrameKilled); err != nil {
		log.Debugf("announce departure: %v", err)
	}
	b.cancel()
	<-b.done
	b.cancel = nil
	b.done = nil
}

// Clear withdraws this peer from every other peer's list.
func (b *Bus) Clear() error {
	return b.announce(proto.FrameKilled)
}

func (b *Bus) SaveIdentity() error {
	return b.strategy.Save(b.strategySlot, proto.PeerKey(b.prefix, b.ID()))
}

func (b *Bus) running() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.cancel != nil
}

func (b *Bus) readLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		raw, err := b.ch.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("read: %v", err)
			}
			return
		}
		f, err := proto.DecodeFrame(raw)
		if err != nil {
			log.Debugf("drop frame: %v", err)
			continue
		}
		b.handle(f)
	}
}

func (b *Bus) handle(f proto.Frame) {
	if b.seen.Contains(f.ID) {
		return
	}
	b.seen.Add(f.ID, struct{}{})

	b.mu.Lock()
	if f.SenderID == b.id {
		b.mu.Unlock()
		return
	}

	var (
		deliver bool
		reply   bool
		probe   string
	)
	switch f.Type {
	case proto.FrameCreated:
		b.upsertLocked(f)
		probe = b.probes[f.SenderID]
		delete(b.probes, f.SenderID)
	case proto.FrameUpdate, proto.FrameReport:
		b.upsertLocked(f)
	case proto.FrameRequestAll:
		b.upsertLocked(f)
		reply = true
	case proto.FrameKilled:
		delete(b.peers, f.SenderID)
	case proto.FrameSpecificWindow:
		b.upsertLocked(f)
		deliver = f.RecipientID == b.id
	case proto.FrameSpecificListener:
		b.upsertLocked(f)
		_, deliver = b.listeners[f.Listener]
	case proto.FrameAllListeners:
		b.upsertLocked(f)
		deliver = true
	}
	b.publishPeersLocked()
	b.mu.Unlock()

	if probe != "" && b.trackers.Resolve(probe) {
		metrics.RecordDelivery(mq.TransportPubsub, true)
		log.Debugf("probed window %s appeared", short(f.SenderID))
	}
	if reply {
		if err := b.announce(proto.FrameReport); err != nil {
			log.Warnf("report: %v", err)
		}
	}
	if deliver {
		ok := b.inbox.Deliver(proto.Message{
			MessageID:  f.ID,
			SenderID:   f.SenderID,
			SenderName: f.SenderName,
			Listener:   f.Listener,
			Event:      f.Event,
			Data:       f.Data,
			Payload:    f.Payload,
		})
		if !ok {
			// push frames are never repeated
			log.Warnf("inbox full, dropping %s from %s", short(f.ID), short(f.SenderID))
			return
		}
		metrics.RecordReceived(mq.TransportPubsub)
	}
}

func (b *Bus) upsertLocked(f proto.Frame) {
	p := b.peers[f.SenderID]
	p.ID = f.SenderID
	if f.SenderName != "" {
		p.Name = f.SenderName
	}
	p.Heartbeat = f.TS
	b.peers[f.SenderID] = p
}

func (b *Bus) publishPeersLocked() {
	list := make([]proto.KnownPeer, 0, len(b.peers)+1)
	for _, p := range b.peers {
		list = append(list, p)
	}
	list = append(list, proto.KnownPeer{ID: b.id, Name: b.name, Heartbeat: b.lastSeen, Self: true})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	b.table.Replace(list)
	metrics.SetKnownPeers(mq.TransportPubsub, len(list))
}

// frame stamps a new frame with this peer's identity.
func (b *Bus) frame(t proto.FrameType) proto.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now().UnixMilli()
	b.lastSeen = now
	return proto.Frame{
		ID:         identity.NewID(),
		Type:       t,
		SenderID:   b.id,
		SenderName: b.name,
		TS:         now,
	}
}

func (b *Bus) announce(t proto.FrameType) error {
	return b.publish(b.frame(t))
}

func (b *Bus) publish(f proto.Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return b.ch.Publish(ctx, raw)
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		return t, nil
	}
	return json.Marshal(v)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
