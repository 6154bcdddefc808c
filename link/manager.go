package link

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ortelay/core/cell"
)

// DefaultIdleWindow is how long a link with no routed circuits survives,
// counted from its last circuit closing (or from its creation if none has),
// before it's eligible for expiration. Recent cell traffic does not extend
// it.
const DefaultIdleWindow = 3 * time.Minute

// BandwidthLimits configures a link's token bucket.
type BandwidthLimits struct {
	Rate  int // bytes/sec
	Burst int // bytes
}

// entry bundles a Link with its own identity and bucket bookkeeping.
type entry struct {
	link    *Link
	limiter *rate.Limiter
	ownHigh bool // true if our identity compares greater, so we own the high circID half
}

// Manager maintains one logical link per peer identity digest.
type Manager struct {
	mu      sync.Mutex
	byPeer  map[[20]byte]*entry
	ourID   [20]byte
	limits  BandwidthLimits
	logger  *slog.Logger
}

func NewManager(ourIdentity [20]byte, limits BandwidthLimits, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.Rate <= 0 {
		limits.Rate = 1 << 20 // 1 MB/s default
	}
	if limits.Burst <= 0 {
		limits.Burst = limits.Rate
	}
	return &Manager{
		byPeer: make(map[[20]byte]*entry),
		ourID:  ourIdentity,
		limits: limits,
		logger: logger,
	}
}

// GetOrConnect returns the Open link to target's identity, or dials a fresh
// one and registers it.
func (m *Manager) GetOrConnect(target string, expectIdentity [20]byte, haveExpect bool) (*Link, error) {
	if haveExpect {
		m.mu.Lock()
		if e, ok := m.byPeer[expectIdentity]; ok && e.link.State() == Open {
			m.mu.Unlock()
			return e.link, nil
		}
		m.mu.Unlock()
	}

	l, err := Handshake(target, expectIdentity, haveExpect, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byPeer[l.PeerIdentity]; ok && existing.link.State() == Open {
		// Lost the race against a concurrent connect; keep the existing one.
		_ = l.Close()
		return existing.link, nil
	}
	m.byPeer[l.PeerIdentity] = &entry{
		link:    l,
		limiter: rate.NewLimiter(rate.Limit(m.limits.Rate), m.limits.Burst),
		ownHigh: bytes.Compare(m.ourID[:], l.PeerIdentity[:]) > 0,
	}
	return l, nil
}

// Adopt registers a link this process accepted (via Accept) rather than
// dialed, for SendCell/AllocateCircID bookkeeping. An accepted link never
// authenticates its caller (see Accept's doc comment), so it has no
// PeerIdentity to key the table by; Adopt assigns it a random local
// tracking id instead, used only for this process's own bookkeeping and
// never compared against any remote-asserted identity.
func (m *Manager) Adopt(l *Link) error {
	var key [20]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("link: adopt: %w", err)
	}
	l.mu.Lock()
	l.PeerIdentity = key
	l.mu.Unlock()

	m.mu.Lock()
	m.byPeer[key] = &entry{
		link:    l,
		limiter: rate.NewLimiter(rate.Limit(m.limits.Rate), m.limits.Burst),
		ownHigh: bytes.Compare(m.ourID[:], key[:]) > 0,
	}
	m.mu.Unlock()
	return nil
}

// SendCell appends a cell to the link's outbound stream, blocking on the
// link's token bucket until enough bytes are available.
func (m *Manager) SendCell(l *Link, c cell.Cell) error {
	m.mu.Lock()
	e, ok := m.byPeer[l.PeerIdentity]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("link: send_cell: unknown link")
	}
	if err := e.limiter.WaitN(context.Background(), len(c)); err != nil {
		return fmt.Errorf("link: token bucket: %w", err)
	}
	l.mu.Lock()
	l.lastWritten = time.Now()
	l.mu.Unlock()
	return l.Writer.WriteCell(c)
}

// AllocateCircID picks a fresh, unused circuit ID in this link's half of
// the 16-bit space, determined by comparing identity digests
// lexicographically: the numerically greater identity owns the high-bit-set
// half. Retries on collision with a live circuit.
func (m *Manager) AllocateCircID(l *Link) (uint16, error) {
	m.mu.Lock()
	e, ok := m.byPeer[l.PeerIdentity]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("link: allocate_circ_id: unknown link")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for attempt := 0; attempt < 1000; attempt++ {
		var buf [2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("link: allocate_circ_id: %w", err)
		}
		id := binary.BigEndian.Uint16(buf[:])
		if e.ownHigh {
			id |= 0x8000
		} else {
			id &^= 0x8000
		}
		if id == 0 {
			continue
		}
		if l.circIDs[id] {
			continue
		}
		l.circIDs[id] = true
		return id, nil
	}
	return 0, fmt.Errorf("link: allocate_circ_id: could not find free id after 1000 attempts")
}

// ReleaseCircID frees a circuit ID for reuse on this link.
func (m *Manager) ReleaseCircID(l *Link, id uint16) {
	l.mu.Lock()
	delete(l.circIDs, id)
	l.mu.Unlock()
}

// Close marks a link for flush-then-close and removes it from the table.
func (m *Manager) Close(l *Link, reason string) error {
	m.mu.Lock()
	delete(m.byPeer, l.PeerIdentity)
	m.mu.Unlock()
	m.logger.Info("closing link", "peer", fmt.Sprintf("%x", l.PeerIdentity), "reason", reason)
	return l.Close()
}

// ExpireIdle closes every link that has had no routed circuits for longer
// than idleWindow. liveCircuits reports, per peer identity, how many
// circuits are currently routed over that link.
func (m *Manager) ExpireIdle(idleWindow time.Duration, liveCircuits func(peer [20]byte) int) {
	m.mu.Lock()
	var toClose []*Link
	for id, e := range m.byPeer {
		if e.link.IdleExpired(idleWindow, liveCircuits(id)) {
			toClose = append(toClose, e.link)
		}
	}
	m.mu.Unlock()

	for _, l := range toClose {
		_ = m.Close(l, "idle")
	}
}
