package util

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestRingBufferKeepsNewest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("snapshot = %v", got)
	}
	if got := r.Tail(2); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Fatalf("tail = %v", got)
	}
	if got := r.Tail(10); len(got) != 3 {
		t.Fatalf("oversized tail = %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestRingBufferZeroCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	if got := r.Snapshot(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.db")
	if got := ResolvePath("peer", abs); got != abs {
		t.Fatalf("absolute = %q", got)
	}
	if got := ResolvePath("peer", "data/x.db"); got != filepath.Join("peer", "data", "x.db") {
		t.Fatalf("relative = %q", got)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.json")
	if err := WriteJSONFile(path, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "{\n  \"n\": 1\n}" {
		t.Fatalf("content = %q", b)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}
