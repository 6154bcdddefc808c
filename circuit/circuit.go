// Package circuit implements the per-circuit state machine: create,
// extend, truncate, and destroy a layered tunnel; the layered relay-cell
// engine that rides on top of it lives in relay.go.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ortelay/core/link"
)

// DefaultCircuitWindow is the starting package_window/deliver_window for a
// circuit or a hop.
const DefaultCircuitWindow = 1000

// CircuitWindowIncrement is how much a SENDME grants back, and the
// threshold at which deliver_window triggers one.
const CircuitWindowIncrement = 100

// State is a circuit's lifecycle state, from the perspective of any relay
// on the circuit (origin included).
type State int

const (
	OnionskinPending State = iota
	OrLinkWait
	Building
	Open
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case OnionskinPending:
		return "onionskin_pending"
	case OrLinkWait:
		return "or_link_wait"
	case Building:
		return "building"
	case Open:
		return "open"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Circuit is a layered tunnel. An origin circuit carries Cpath and no
// NextLink (the hop list substitutes for it); an intermediate circuit
// carries PrevLink+NextLink and a single cipher layer; a terminating
// (exit) circuit carries PrevLink only.
type Circuit struct {
	mu sync.Mutex

	Handle string // stable internal handle (uuid), for the global index

	PrevLink   *link.Link
	PrevCircID uint16
	NextLink   *link.Link
	NextCircID uint16

	// GuardLink/GuardCircID are the origin's own wire connection to its
	// first hop — the circuit_id SendRelay addresses cells to and the link
	// the scheduler reads RELAY/DESTROY cells for this circuit from. Unset
	// until the first hop's CREATE/CREATE_FAST handshake completes.
	GuardLink   *link.Link
	GuardCircID uint16

	// Single-layer cipher state, used only when this relay is acting as an
	// intermediate or exit (not the origin).
	ForwardCipher  cipherStream
	BackwardCipher cipherStream
	Df, Db         digestState

	// Cpath is populated only for circuits this relay originated.
	Cpath []*HopState

	PackageWindow int
	DeliverWindow int

	Purpose string
	State   State

	createdAt time.Time
	lastUsed  time.Time

	Streams map[uint16]bool // stream IDs attached, for idle/dirtiness accounting
}

// NewOrigin creates a fresh origin-side circuit record before any hop has
// been built.
func NewOrigin(purpose string) *Circuit {
	return &Circuit{
		Handle:        uuid.NewString(),
		PackageWindow: DefaultCircuitWindow,
		DeliverWindow: DefaultCircuitWindow,
		Purpose:       purpose,
		State:         OrLinkWait,
		createdAt:     time.Now(),
		lastUsed:      time.Now(),
		Streams:       make(map[uint16]bool),
	}
}

// NewRelayed creates a circuit record for a relay acting as an
// intermediate or exit, after a CREATE cell has produced key material.
func NewRelayed(prevLink *link.Link, prevCircID uint16, km *KeyMaterial) (*Circuit, error) {
	fwd, bwd, df, db, err := materializeLayer(km)
	if err != nil {
		return nil, err
	}
	return &Circuit{
		Handle:         uuid.NewString(),
		PrevLink:       prevLink,
		PrevCircID:     prevCircID,
		ForwardCipher:  fwd,
		BackwardCipher: bwd,
		Df:             df,
		Db:             db,
		PackageWindow:  DefaultCircuitWindow,
		DeliverWindow:  DefaultCircuitWindow,
		Purpose:        "general",
		State:          Open,
		createdAt:      time.Now(),
		lastUsed:       time.Now(),
		Streams:        make(map[uint16]bool),
	}, nil
}

// IsOrigin reports whether this relay originated the circuit.
func (c *Circuit) IsOrigin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Cpath) > 0
}

// HasNextLink reports whether this circuit has a downstream hop, i.e.
// whether this relay is an intermediate rather than the exit.
func (c *Circuit) HasNextLink() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.NextLink != nil
}

// SetGuard records the origin's wire connection to its first hop, once the
// CREATE/CREATE_FAST handshake for that hop has completed.
func (c *Circuit) SetGuard(l *link.Link, circID uint16) {
	c.mu.Lock()
	c.GuardLink = l
	c.GuardCircID = circID
	c.mu.Unlock()
}

func (c *Circuit) touch() {
	c.lastUsed = time.Now()
}

// IdleFor reports how long the circuit has gone without activity.
func (c *Circuit) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsed)
}

// StreamCount reports the number of streams currently attached.
func (c *Circuit) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Streams)
}

// AttachStream records a stream ID as attached to this circuit.
func (c *Circuit) AttachStream(id uint16) {
	c.mu.Lock()
	c.Streams[id] = true
	c.mu.Unlock()
}

// DetachStream removes a stream ID from this circuit's attached set.
func (c *Circuit) DetachStream(id uint16) {
	c.mu.Lock()
	delete(c.Streams, id)
	c.mu.Unlock()
}

// SetState transitions the circuit to a new lifecycle state.
func (c *Circuit) SetState(s State) {
	c.mu.Lock()
	c.State = s
	c.mu.Unlock()
}

// GetState reads the circuit's current lifecycle state.
func (c *Circuit) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

// TruncateAt drops every cpath entry from index i onward (origin only),
// per the truncate protocol's effect on the origin's view of the circuit.
func (c *Circuit) TruncateAt(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i > len(c.Cpath) {
		return
	}
	c.Cpath = c.Cpath[:i]
}

// AppendHop adds a newly-completed hop to an origin circuit's cpath.
func (c *Circuit) AppendHop(hs *HopState) {
	c.mu.Lock()
	c.Cpath = append(c.Cpath, hs)
	c.mu.Unlock()
}

// HopCount returns the number of cpath entries (origin circuits only).
func (c *Circuit) HopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Cpath)
}

// ValidateCpath checks the origin-circuit invariant: every hop before
// the last must be Open; the last may be Open or AwaitingKeys; all
// identities pairwise distinct.
func (c *Circuit) ValidateCpath() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[[20]byte]bool, len(c.Cpath))
	for i, hs := range c.Cpath {
		if seen[hs.Identity] {
			return fmt.Errorf("circuit: duplicate identity in cpath at hop %d", i)
		}
		seen[hs.Identity] = true
		if i < len(c.Cpath)-1 && hs.Lifecycle != HopOpen {
			return fmt.Errorf("circuit: non-terminal hop %d not Open", i)
		}
		if i == len(c.Cpath)-1 && hs.Lifecycle != HopOpen && hs.Lifecycle != HopAwaitingKeys {
			return fmt.Errorf("circuit: last hop %d in invalid state %v", i, hs.Lifecycle)
		}
	}
	return nil
}
