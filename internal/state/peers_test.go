package state

import (
	"testing"

	"github.com/petervdpas/winmesh/internal/proto"
)

func TestSubscribeReplaysLatest(t *testing.T) {
	tbl := NewPeerTable()
	tbl.Replace([]proto.KnownPeer{{ID: "a", Name: "Window a"}})

	ch, cancel := tbl.Subscribe()
	defer cancel()

	got := <-ch
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("replayed list = %+v", got)
	}
}

func TestSlowSubscriberSeesNewest(t *testing.T) {
	tbl := NewPeerTable()
	ch, cancel := tbl.Subscribe()
	defer cancel()

	tbl.Replace([]proto.KnownPeer{{ID: "a"}})
	tbl.Replace([]proto.KnownPeer{{ID: "a"}, {ID: "b"}})
	tbl.Replace([]proto.KnownPeer{{ID: "c"}})

	got := <-ch
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("expected newest list only, got %+v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra value %+v", extra)
	default:
	}
}

func TestReplaceIsolatesCallers(t *testing.T) {
	tbl := NewPeerTable()
	in := []proto.KnownPeer{{ID: "a", Name: "one"}}
	tbl.Replace(in)
	in[0].Name = "mutated"

	snap := tbl.Snapshot()
	if snap[0].Name != "one" {
		t.Fatalf("table aliased caller slice: %+v", snap)
	}
	snap[0].Name = "mutated"
	if again := tbl.Snapshot(); again[0].Name != "one" {
		t.Fatalf("snapshot aliased table: %+v", again)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	tbl := NewPeerTable()
	ch, cancel := tbl.Subscribe()
	<-ch
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	cancel() // idempotent
	tbl.Replace([]proto.KnownPeer{{ID: "x"}})
}
