package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/winmesh/internal/identity"
	"github.com/petervdpas/winmesh/internal/proto"
	"github.com/petervdpas/winmesh/internal/storage"
	"github.com/petervdpas/winmesh/internal/track"
)

const epochMillis = 1_700_000_000_000

type mesh struct {
	t     *testing.T
	store storage.Store
	clk   *clock.Mock
}

func newMesh(t *testing.T) *mesh {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(epochMillis))
	return &mesh{t: t, store: storage.NewMem(), clk: clk}
}

func (ms *mesh) peer(opt Options) *Manager {
	ms.t.Helper()
	if opt.Store == nil {
		opt.Store = ms.store
	}
	opt.Clock = ms.clk
	m, err := New(Config{}, opt)
	if err != nil {
		ms.t.Fatal(err)
	}
	return m
}

func (ms *mesh) record(id string) (proto.PeerRecord, bool) {
	ms.t.Helper()
	var rec proto.PeerRecord
	raw, err := ms.store.Get(proto.PeerKey(proto.DefaultKeyPrefix, id))
	if errors.Is(err, storage.ErrNotFound) {
		return rec, false
	}
	if err != nil {
		ms.t.Fatal(err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		ms.t.Fatal(err)
	}
	return rec, true
}

func mustTick(t *testing.T, ms ...*Manager) {
	t.Helper()
	for _, m := range ms {
		if err := m.Tick(); err != nil {
			t.Fatalf("tick %s: %v", m.ID(), err)
		}
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// pair returns two peers that have seen each other.
func (ms *mesh) pair() (*Manager, *Manager) {
	a := ms.peer(Options{})
	b := ms.peer(Options{})
	mustTick(ms.t, a, b)
	a.Scan()
	b.Scan()
	return a, b
}

func TestNewPeerHasSentinelHeartbeat(t *testing.T) {
	ms := newMesh(t)
	a := ms.peer(Options{})

	if a.Name() != "Window "+a.ID() {
		t.Fatalf("default name = %q", a.Name())
	}
	if _, ok := ms.record(a.ID()); ok {
		t.Fatal("record written before first tick")
	}

	mustTick(t, a)
	rec, ok := ms.record(a.ID())
	if !ok || rec.Heartbeat != epochMillis {
		t.Fatalf("record = %+v, %v", rec, ok)
	}
	// first tick scans, so self is already known
	peers := a.Peers()
	if len(peers) != 1 || !peers[0].Self {
		t.Fatalf("peers after first tick = %+v", peers)
	}
}

func TestSendAckRoundTrip(t *testing.T) {
	ms := newMesh(t)
	a, b := ms.pair()
	msgs, cancel := b.Subscribe()
	defer cancel()

	h, err := a.Send(b.ID(), "greet", "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	if closed(h.Accepted()) || closed(h.Done()) {
		t.Fatal("handle completed synchronously")
	}

	ms.clk.Add(time.Second)
	mustTick(t, a)
	if !closed(h.Accepted()) {
		t.Fatal("handle not accepted after publishing tick")
	}

	mustTick(t, b)
	select {
	case msg := <-msgs:
		if msg.Event != "greet" || string(msg.Data) != `"hi"` || msg.SenderID != a.ID() {
			t.Fatalf("message = %+v", msg)
		}
		if msg.SenderName != a.Name() {
			t.Fatalf("sender name = %q", msg.SenderName)
		}
	default:
		t.Fatal("no message emitted")
	}

	ms.clk.Add(time.Second)
	mustTick(t, a)
	if !closed(h.Done()) || h.Err() != nil {
		t.Fatalf("handle not resolved: %v", h.Err())
	}

	ms.clk.Add(time.Second)
	mustTick(t, b, a)

	for _, id := range []string{a.ID(), b.ID()} {
		rec, _ := ms.record(id)
		if len(rec.Messages) != 0 {
			t.Fatalf("record %s still holds %+v", id, rec.Messages)
		}
	}
}

func TestReceiptIsIdempotent(t *testing.T) {
	ms := newMesh(t)
	a, b := ms.pair()
	msgs, cancel := b.Subscribe()
	defer cancel()

	if _, err := a.Send(b.ID(), "once", nil, nil); err != nil {
		t.Fatal(err)
	}
	mustTick(t, a)

	// a never sees the ACK, so its record keeps the DATA envelope
	for i := 0; i < 4; i++ {
		ms.clk.Add(time.Second)
		mustTick(t, b)
	}
	if n := len(msgs); n != 1 {
		t.Fatalf("emitted %d times, want 1", n)
	}
	rec, _ := ms.record(b.ID())
	if len(rec.Messages) != 1 || rec.Messages[0].Kind != proto.KindAck {
		t.Fatalf("recipient record = %+v", rec.Messages)
	}
}

func TestSendTimesOut(t *testing.T) {
	ms := newMesh(t)
	a := ms.peer(Options{})
	mustTick(t, a)

	start := ms.clk.Now()
	h, err := a.Send("b0000000000000000000000000000000", "greet", "hi", nil)
	if err != nil {
		t.Fatal(err)
	}

	for !closed(h.Done()) {
		ms.clk.Add(time.Second)
		mustTick(t, a)
		if ms.clk.Since(start) > 20*time.Second {
			t.Fatal("handle never failed")
		}
	}
	elapsed := ms.clk.Since(start)
	if elapsed < 10*time.Second || elapsed >= 11*time.Second {
		t.Fatalf("failed after %s, want [10s, 11s)", elapsed)
	}
	if !errors.Is(h.Err(), track.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", h.Err())
	}
	rec, _ := ms.record(a.ID())
	if len(rec.Messages) != 0 {
		t.Fatalf("record still holds %+v", rec.Messages)
	}
}

func TestDeadPeerReaped(t *testing.T) {
	ms := newMesh(t)
	dead := proto.PeerRecord{ID: "dead0001", Name: "Window dead0001", Heartbeat: epochMillis - 20_000}
	raw, _ := json.Marshal(dead)
	if err := ms.store.Set(proto.PeerKey(proto.DefaultKeyPrefix, dead.ID), raw); err != nil {
		t.Fatal(err)
	}

	a := ms.peer(Options{})
	a.Scan()
	found := false
	for _, p := range a.Peers() {
		if p.ID == dead.ID {
			found = true
			if !p.Stalled {
				t.Fatal("old record not marked stalled")
			}
		}
	}
	if !found {
		t.Fatal("dead record not scanned")
	}

	mustTick(t, a)
	if _, ok := ms.record(dead.ID); ok {
		t.Fatal("dead record still in store")
	}
	a.Scan()
	for _, p := range a.Peers() {
		if p.ID == dead.ID {
			t.Fatal("dead peer still listed")
		}
	}
}

func TestCollisionSelfHeals(t *testing.T) {
	ms := newMesh(t)
	loc := identity.StaticLocator("app://window#" + proto.PeerKey(proto.DefaultKeyPrefix, "shared1"))
	slotA := &identity.MemSlot{}
	a := ms.peer(Options{Locator: loc, PointerSlot: slotA})
	b := ms.peer(Options{Locator: loc})
	if a.ID() != "shared1" || b.ID() != "shared1" {
		t.Fatalf("ids = %s, %s", a.ID(), b.ID())
	}

	mustTick(t, a)
	ms.clk.Add(10 * time.Millisecond)
	mustTick(t, b)
	ms.clk.Add(10 * time.Millisecond)
	mustTick(t, a)
	ms.clk.Add(10 * time.Millisecond)
	mustTick(t, b)

	if a.ID() == b.ID() {
		t.Fatal("ids did not diverge")
	}
	if b.ID() != "shared1" {
		t.Fatalf("b changed id to %s", b.ID())
	}
	if key, _ := slotA.Load(); key != proto.PeerKey(proto.DefaultKeyPrefix, a.ID()) {
		t.Fatalf("pointer slot = %q", key)
	}

	// messages for the contested id reach the peer that kept it
	c := ms.peer(Options{})
	bMsgs, cancelB := b.Subscribe()
	defer cancelB()
	aMsgs, cancelA := a.Subscribe()
	defer cancelA()

	h, err := c.Send("shared1", "hello", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	mustTick(t, c)
	a.Scan()
	b.Scan()
	ms.clk.Add(time.Second)
	mustTick(t, a, b)
	if len(bMsgs) != 1 || len(aMsgs) != 0 {
		t.Fatalf("b got %d, a got %d", len(bMsgs), len(aMsgs))
	}
	c.Scan()
	mustTick(t, c)
	if !closed(h.Done()) || h.Err() != nil {
		t.Fatalf("handle = %v", h.Err())
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	ms := newMesh(t)
	a, b := ms.pair()
	msgs, cancel := b.Subscribe()
	defer cancel()

	payload := map[string]any{"rows": []int{1, 2, 3}, "title": "report"}
	h, err := a.Send(b.ID(), "blob", nil, payload)
	if err != nil {
		t.Fatal(err)
	}
	mustTick(t, a)

	payloadKey := proto.PayloadKey(proto.DefaultKeyPrefix, h.ID())
	if _, err := ms.store.Get(payloadKey); err != nil {
		t.Fatalf("payload not offloaded: %v", err)
	}
	rec, _ := ms.record(a.ID())
	if len(rec.Messages) != 1 || !rec.Messages[0].PayloadOffloaded || rec.Messages[0].Payload != nil {
		t.Fatalf("sender record = %+v", rec.Messages)
	}

	mustTick(t, b)
	msg := <-msgs
	var got map[string]any
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatal(err)
	}
	want, _ := json.Marshal(payload)
	gotRaw, _ := json.Marshal(got)
	if string(gotRaw) != string(want) {
		t.Fatalf("payload = %s, want %s", gotRaw, want)
	}
	if _, err := ms.store.Get(payloadKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("payload key still present: %v", err)
	}
}

func TestSmallPayloadStaysInline(t *testing.T) {
	ms := newMesh(t)
	a, err := New(Config{InlineLimit: 1024}, Options{Store: ms.store, Clock: ms.clk})
	if err != nil {
		t.Fatal(err)
	}
	mustTick(t, a)
	h, _ := a.Send("b0000001", "small", nil, "tiny")
	mustTick(t, a)

	if _, err := ms.store.Get(proto.PayloadKey(proto.DefaultKeyPrefix, h.ID())); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("small payload offloaded: %v", err)
	}
	rec, _ := ms.record(a.ID())
	if len(rec.Messages) != 1 || string(rec.Messages[0].Payload) != `"tiny"` {
		t.Fatalf("record = %+v", rec.Messages)
	}
}

func TestSendRejectsSelfAndEmpty(t *testing.T) {
	ms := newMesh(t)
	a := ms.peer(Options{})

	if _, err := a.Send(a.ID(), "x", nil, nil); !errors.Is(err, ErrSelfSend) {
		t.Fatalf("self send err = %v", err)
	}
	if _, err := a.Send(" ", "x", nil, nil); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("empty recipient err = %v", err)
	}
	if a.outbox.len() != 0 {
		t.Fatal("rejected send mutated the outbox")
	}
}

func TestProbe(t *testing.T) {
	ms := newMesh(t)
	noLoc := ms.peer(Options{})
	if _, err := noLoc.Probe(); !errors.Is(err, ErrNoLocator) {
		t.Fatalf("probe without locator err = %v", err)
	}

	a := ms.peer(Options{Locator: identity.StaticLocator("")})
	mustTick(t, a)
	p, err := a.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if p.RegistrationKey != proto.PeerKey(proto.DefaultKeyPrefix, p.PeerID) {
		t.Fatalf("registration key = %q", p.RegistrationKey)
	}
	mustTick(t, a)

	// the spawned window adopts the reserved id
	child := ms.peer(Options{Locator: identity.StaticLocator("winmesh://open#" + p.RegistrationKey)})
	if child.ID() != p.PeerID {
		t.Fatalf("child id = %s, want %s", child.ID(), p.PeerID)
	}
	msgs, cancel := child.Subscribe()
	defer cancel()

	mustTick(t, child, child)
	if len(msgs) != 0 {
		t.Fatal("probe surfaced to subscriber")
	}
	a.Scan()
	mustTick(t, a)
	if !closed(p.Handle.Done()) || p.Handle.Err() != nil {
		t.Fatalf("probe handle = %v", p.Handle.Err())
	}
}

func TestIdentityRestoredFromPointer(t *testing.T) {
	ms := newMesh(t)
	slot := &identity.MemSlot{}
	a := ms.peer(Options{PointerSlot: slot})
	mustTick(t, a)
	if err := a.SetName("Alpha"); err != nil {
		t.Fatal(err)
	}
	ms.clk.Add(time.Second)
	mustTick(t, a)

	again := ms.peer(Options{PointerSlot: slot})
	if again.ID() != a.ID() || again.Name() != "Alpha" {
		t.Fatalf("restored %s/%q, want %s/Alpha", again.ID(), again.Name(), a.ID())
	}
	again.Scan()
	ms.clk.Add(time.Second)
	mustTick(t, again, again)
	if again.ID() != a.ID() {
		t.Fatal("restored identity mistaken for a collision")
	}
}

func TestStrategySlotRecovery(t *testing.T) {
	ms := newMesh(t)
	shared := &identity.MemSlot{}
	_ = shared.Store("owner data")

	a := ms.peer(Options{Strategy: identity.StrategyBackupRestore, StrategySlot: shared})
	mustTick(t, a)
	if err := a.SaveIdentity(); err != nil {
		t.Fatal(err)
	}

	b := ms.peer(Options{Strategy: identity.StrategyBackupRestore, StrategySlot: shared})
	if b.ID() != a.ID() {
		t.Fatalf("recovered %s, want %s", b.ID(), a.ID())
	}
	if v, _ := shared.Load(); v != "owner data" {
		t.Fatalf("slot not restored: %q", v)
	}
}

func TestSetNameRejectsEmpty(t *testing.T) {
	a := newMesh(t).peer(Options{Name: "Main"})
	if a.Name() != "Main" {
		t.Fatalf("name = %q", a.Name())
	}
	if err := a.SetName("  "); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("err = %v", err)
	}
}

type flakyStore struct {
	storage.Store
	failSets atomic.Bool
}

func (f *flakyStore) Set(key string, value []byte) error {
	if f.failSets.Load() {
		return errors.New("quota exceeded")
	}
	return f.Store.Set(key, value)
}

func TestStoreWriteFailureKeepsMessageQueued(t *testing.T) {
	ms := newMesh(t)
	fs := &flakyStore{Store: ms.store}
	a := ms.peer(Options{Store: fs})
	mustTick(t, a)

	h, _ := a.Send("b0000002", "greet", "hi", "payload")
	fs.failSets.Store(true)
	ms.clk.Add(time.Second)
	if err := a.Tick(); err == nil {
		t.Fatal("tick succeeded against a failing store")
	}
	if h.LastError() == nil {
		t.Fatal("write failure not recorded on handle")
	}
	if closed(h.Accepted()) {
		t.Fatal("handle accepted although nothing was published")
	}

	fs.failSets.Store(false)
	ms.clk.Add(time.Second)
	mustTick(t, a)
	if !closed(h.Accepted()) {
		t.Fatal("handle not accepted after recovery")
	}
	rec, _ := ms.record(a.ID())
	if len(rec.Messages) != 1 || rec.Messages[0].MessageID != h.ID() {
		t.Fatalf("record = %+v", rec.Messages)
	}
}

func TestRescanIsRateLimited(t *testing.T) {
	ms := newMesh(t)
	a := ms.peer(Options{})
	mustTick(t, a)

	b := ms.peer(Options{})
	mustTick(t, b)

	a.Rescan()
	if len(a.Peers()) != 1 {
		t.Fatalf("rescan inside one heartbeat refreshed: %+v", a.Peers())
	}
	ms.clk.Add(time.Second)
	a.Rescan()
	if len(a.Peers()) != 2 {
		t.Fatalf("rescan after one heartbeat = %+v", a.Peers())
	}
}

func TestPeersSubscriptionReplaysLatest(t *testing.T) {
	ms := newMesh(t)
	a, b := ms.pair()

	ch, cancel := a.SubscribePeers()
	defer cancel()
	peers := <-ch
	if len(peers) != 2 {
		t.Fatalf("replayed %+v", peers)
	}
	for _, p := range peers {
		if p.Self != (p.ID == a.ID()) {
			t.Fatalf("self flag wrong: %+v", p)
		}
	}
	if err := b.Clear(); err != nil {
		t.Fatal(err)
	}
	a.Scan()
	if peers := <-ch; len(peers) != 1 {
		t.Fatalf("after clear %+v", peers)
	}
}

func TestStartStop(t *testing.T) {
	ms := newMesh(t)
	a := ms.peer(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start err = %v", err)
	}
	if _, ok := ms.record(a.ID()); !ok {
		t.Fatal("start did not publish a record")
	}
	a.Stop()
	a.Stop()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	a.Stop()
}

func TestFullSubscriberDefersAck(t *testing.T) {
	ms := newMesh(t)
	a, b := ms.pair()
	msgs, cancel := b.Subscribe()
	defer cancel()

	total := listenerCap + 5
	handles := make([]*track.Handle, 0, total)
	for i := 0; i < total; i++ {
		h, err := a.Send(b.ID(), "bulk", i, nil)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	countDone := func() int {
		n := 0
		for _, h := range handles {
			if closed(h.Done()) {
				if h.Err() != nil {
					t.Fatalf("handle %s: %v", h.ID(), h.Err())
				}
				n++
			}
		}
		return n
	}

	mustTick(t, a)
	ms.clk.Add(time.Second)
	mustTick(t, b)
	ms.clk.Add(time.Second)
	mustTick(t, a)

	if n := len(msgs); n != listenerCap {
		t.Fatalf("surfaced %d, want %d", n, listenerCap)
	}
	if n := countDone(); n != listenerCap {
		t.Fatalf("resolved %d handles, want %d", n, listenerCap)
	}
	rec, _ := ms.record(a.ID())
	if len(rec.Messages) != 5 {
		t.Fatalf("sender still publishes %d, want 5", len(rec.Messages))
	}

	seen := make(map[string]bool, total)
	for len(msgs) > 0 {
		seen[(<-msgs).MessageID] = true
	}
	ms.clk.Add(time.Second)
	mustTick(t, b)
	ms.clk.Add(time.Second)
	mustTick(t, a)
	for len(msgs) > 0 {
		seen[(<-msgs).MessageID] = true
	}
	if len(seen) != total {
		t.Fatalf("surfaced %d distinct messages, want %d", len(seen), total)
	}
	if n := countDone(); n != total {
		t.Fatalf("resolved %d handles, want %d", n, total)
	}
}

func TestBacklogWithoutSubscriberDefersAck(t *testing.T) {
	ms := newMesh(t)
	a, b := ms.pair()

	for i := 0; i < listenerCap+1; i++ {
		if _, err := a.Send(b.ID(), "bulk", i, nil); err != nil {
			t.Fatal(err)
		}
	}
	mustTick(t, a)
	ms.clk.Add(time.Second)
	mustTick(t, b)
	ms.clk.Add(time.Second)
	mustTick(t, a)

	rec, _ := ms.record(a.ID())
	if len(rec.Messages) != 1 {
		t.Fatalf("sender still publishes %d, want 1", len(rec.Messages))
	}
	msgs, cancel := b.Subscribe()
	defer cancel()
	if n := len(msgs); n != listenerCap {
		t.Fatalf("replayed %d, want %d", n, listenerCap)
	}
}

func TestMalformedRecordsAreAbsent(t *testing.T) {
	ms := newMesh(t)
	a, b := ms.pair()

	if err := ms.store.Set(proto.PeerKey(proto.DefaultKeyPrefix, "garbled"), []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	weird := `{"id":"weird","name":"Weird","heartbeat":` + "1700000000000" +
		`,"messages":[{"messageId":"m1","senderId":"weird","recipientId":"` + a.ID() + `","kind":"SHOUT"}]}`
	if err := ms.store.Set(proto.PeerKey(proto.DefaultKeyPrefix, "weird"), []byte(weird)); err != nil {
		t.Fatal(err)
	}

	a.Scan()
	if n := len(a.Peers()); n != 2 {
		t.Fatalf("peers = %+v", a.Peers())
	}

	t.Run("known peer turns unreadable", func(t *testing.T) {
		msgs, cancel := a.Subscribe()
		defer cancel()
		if _, err := b.Send(a.ID(), "later", nil, nil); err != nil {
			t.Fatal(err)
		}
		mustTick(t, b)
		if err := ms.store.Set(proto.PeerKey(proto.DefaultKeyPrefix, b.ID()), []byte("[")); err != nil {
			t.Fatal(err)
		}
		ms.clk.Add(time.Second)
		mustTick(t, a)
		if len(msgs) != 0 {
			t.Fatal("message surfaced from an unreadable record")
		}

		// b's next heartbeat rewrites a readable record
		mustTick(t, b)
		ms.clk.Add(time.Second)
		mustTick(t, a)
		if len(msgs) != 1 {
			t.Fatalf("surfaced %d after repair, want 1", len(msgs))
		}
	})
}

func TestSaveIdentityAfterCollision(t *testing.T) {
	ms := newMesh(t)
	loc := identity.StaticLocator("app://window#" + proto.PeerKey(proto.DefaultKeyPrefix, "twin"))
	slot := &identity.MemSlot{}
	a := ms.peer(Options{Locator: loc, Strategy: identity.StrategyForceOverwrite, StrategySlot: slot})
	b := ms.peer(Options{Locator: loc})

	mustTick(t, a)
	ms.clk.Add(10 * time.Millisecond)
	mustTick(t, b)
	ms.clk.Add(10 * time.Millisecond)
	mustTick(t, a)
	if a.ID() == "twin" {
		t.Fatal("a kept the contested id")
	}

	if err := a.SaveIdentity(); err != nil {
		t.Fatal(err)
	}
	if key, _ := slot.Load(); key != proto.PeerKey(proto.DefaultKeyPrefix, a.ID()) {
		t.Fatalf("slot = %q, want key for %s", key, a.ID())
	}
}

func TestRescanIgnoresOwnWriteEcho(t *testing.T) {
	ms := newMesh(t)
	a, err := New(Config{OwnWriteEcho: 200 * time.Millisecond}, Options{Store: ms.store, Clock: ms.clk})
	if err != nil {
		t.Fatal(err)
	}
	mustTick(t, a)
	b := ms.peer(Options{})
	mustTick(t, b)

	ms.clk.Add(time.Second)
	mustTick(t, a)
	ms.clk.Add(50 * time.Millisecond)
	a.Rescan()
	if n := len(a.Peers()); n != 1 {
		t.Fatalf("rescan right after own write refreshed: %d peers", n)
	}

	ms.clk.Add(300 * time.Millisecond)
	a.Rescan()
	if n := len(a.Peers()); n != 2 {
		t.Fatalf("rescan after echo window = %d peers", n)
	}
}
