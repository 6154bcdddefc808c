package circuit

import (
	"sync"

	"github.com/ortelay/core/link"
)

// Table is the process-wide circuit index: per-link lookup by the wire
// circuit_id (which is only unique within one link) for the relay-cell
// dispatch path, plus a lookup by Circuit.Handle (stable across the
// circuit's lifetime, independent of any one link) for callers — SOCKS,
// the path-build loop, control-surface callers — that need to find a
// circuit without caring which link or circuit_id it currently uses.
type Table struct {
	mu       sync.Mutex
	byLink   map[*link.Link]map[uint16]*Circuit
	byHandle map[string]*Circuit
}

// NewTable creates an empty circuit table.
func NewTable() *Table {
	return &Table{
		byLink:   make(map[*link.Link]map[uint16]*Circuit),
		byHandle: make(map[string]*Circuit),
	}
}

// Register indexes c under (l, circID) for relay-cell dispatch and under
// its own Handle for lookup by callers that don't track link/circID.
func (t *Table) Register(l *link.Link, circID uint16, c *Circuit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byLink[l] == nil {
		t.byLink[l] = make(map[uint16]*Circuit)
	}
	t.byLink[l][circID] = c
	t.byHandle[c.Handle] = c
}

// Lookup finds the circuit a cell arriving on l with the given circID
// belongs to.
func (t *Table) Lookup(l *link.Link, circID uint16) (*Circuit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byLink[l]
	if !ok {
		return nil, false
	}
	c, ok := m[circID]
	return c, ok
}

// LookupHandle finds a circuit by its stable handle.
func (t *Table) LookupHandle(handle string) (*Circuit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byHandle[handle]
	return c, ok
}

// Remove drops a circuit's (l, circID) entry. The handle entry is dropped
// too only once the circuit has no remaining link-side registrations,
// since an intermediate relay's circuit is registered under two (link,
// circID) pairs — one per side — over its lifetime.
func (t *Table) Remove(l *link.Link, circID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byLink[l][circID]
	if !ok {
		return
	}
	delete(t.byLink[l], circID)
	if len(t.byLink[l]) == 0 {
		delete(t.byLink, l)
	}
	if !t.stillRegisteredLocked(c) {
		delete(t.byHandle, c.Handle)
	}
}

func (t *Table) stillRegisteredLocked(c *Circuit) bool {
	for _, m := range t.byLink {
		for _, other := range m {
			if other == c {
				return true
			}
		}
	}
	return false
}

// Circuits returns a snapshot of every distinct circuit currently indexed,
// for the scheduler's periodic sweep (idle expiry, deliver-window SENDME).
func (t *Table) Circuits() []*Circuit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Circuit, 0, len(t.byHandle))
	for _, c := range t.byHandle {
		out = append(out, c)
	}
	return out
}

// LiveCircuitCount reports how many circuits are currently routed over l,
// for link.Manager.ExpireIdle's liveCircuits callback.
func (t *Table) LiveCircuitCount(l *link.Link) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byLink[l])
}
