package track

import "sync"

// Table maps message ids to their handles. Completing a handle removes it.
type Table struct {
	mu sync.Mutex
	m  map[string]*Handle
}

func NewTable() *Table {
	return &Table{m: make(map[string]*Handle)}
}

// Add registers a fresh handle for id.
func (t *Table) Add(id string) *Handle {
	h := newHandle(id)
	t.mu.Lock()
	t.m[id] = h
	t.mu.Unlock()
	return h
}

func (t *Table) Get(id string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.m[id]
	return h, ok
}

func (t *Table) Accept(id string) {
	if h, ok := t.Get(id); ok {
		h.Accept()
	}
}

// Resolve completes id successfully. It reports whether a handle existed.
func (t *Table) Resolve(id string) bool {
	h, ok := t.take(id)
	if ok {
		h.Resolve()
	}
	return ok
}

// Fail completes id with err. It reports whether a handle existed.
func (t *Table) Fail(id string, err error) bool {
	h, ok := t.take(id)
	if ok {
		h.Fail(err)
	}
	return ok
}

// NoteAll records a transient error on every pending handle.
func (t *Table) NoteAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.m {
		h.Note(err)
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

func (t *Table) take(id string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	return h, ok
}
