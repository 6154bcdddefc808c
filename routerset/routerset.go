// Package routerset holds the in-memory router directory the circuit
// engine routes through. It is fed by an external collaborator via
// UpsertRouter/RemoveRouter — this package never parses consensus
// documents or fetches anything from the network.
package routerset

import (
	"net"
	"sync"
	"time"
)

// ExitRule is one ordered rule of a router's exit policy.
type ExitRule struct {
	Accept   bool
	Net      *net.IPNet
	PortLo   uint16
	PortHi   uint16
}

// Matches reports whether addr:port falls within this rule's range.
func (r ExitRule) Matches(addr net.IP, port uint16) bool {
	if r.Net != nil && !r.Net.Contains(addr) {
		return false
	}
	return port >= r.PortLo && port <= r.PortHi
}

// Flags mirrors the router flags carried by the feed's input records.
type Flags struct {
	Valid   bool
	Running bool
	Fast    bool
	Stable  bool
	Exit    bool
	Guard   bool
	BadExit bool
}

// RouterDescriptor is the identity of a relay the core may route through.
type RouterDescriptor struct {
	Identity    [20]byte
	Nickname    string
	Address     string
	ORPort      uint16
	OnionKeyPub []byte // DER-encoded RSA public key used for the create handshake
	Bandwidth   int64
	Family      [][20]byte
	ExitPolicy  []ExitRule
	Flags       Flags

	lastSeen time.Time
}

// PermitsExit reports whether this router's exit policy allows connecting
// to addr:port. Evaluation is first-match-wins with an implicit trailing
// reject *:*.
func (rd *RouterDescriptor) PermitsExit(addr net.IP, port uint16) bool {
	for _, rule := range rd.ExitPolicy {
		if rule.Matches(addr, port) {
			return rule.Accept
		}
	}
	return false
}

// RetentionWindow is how long a router survives after it stops appearing
// in arrivals before RouterSet considers it gone.
const RetentionWindow = 3 * time.Hour

// RouterSet maps identity digest to RouterDescriptor, with secondary
// indices by nickname and by (address, port). At most one descriptor is
// stored per identity; the (address, port) index may collide harmlessly.
type RouterSet struct {
	mu       sync.RWMutex
	byID     map[[20]byte]*RouterDescriptor
	byNick   map[string][]*RouterDescriptor
	byAddr   map[string][]*RouterDescriptor
}

func New() *RouterSet {
	return &RouterSet{
		byID:   make(map[[20]byte]*RouterDescriptor),
		byNick: make(map[string][]*RouterDescriptor),
		byAddr: make(map[string][]*RouterDescriptor),
	}
}

// UpsertRouter implements the feed interface's upsert_router: the latest
// arrival for an identity wins, replacing any prior descriptor.
func (rs *RouterSet) UpsertRouter(identity [20]byte, rd RouterDescriptor) {
	rd.Identity = identity
	rd.lastSeen = time.Now()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.byID[identity] = &rd
	rs.reindexLocked()
}

// RemoveRouter implements the feed interface's remove_router.
func (rs *RouterSet) RemoveRouter(identity [20]byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.byID, identity)
	rs.reindexLocked()
}

func (rs *RouterSet) reindexLocked() {
	rs.byNick = make(map[string][]*RouterDescriptor)
	rs.byAddr = make(map[string][]*RouterDescriptor)
	for _, rd := range rs.byID {
		rs.byNick[rd.Nickname] = append(rs.byNick[rd.Nickname], rd)
		key := addrKey(rd.Address, rd.ORPort)
		rs.byAddr[key] = append(rs.byAddr[key], rd)
	}
}

func addrKey(addr string, port uint16) string {
	return addr + "|" + portString(port)
}

func portString(port uint16) string {
	const digits = "0123456789"
	if port == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for port > 0 {
		i--
		buf[i] = digits[port%10]
		port /= 10
	}
	return string(buf[i:])
}

// ByIdentity looks up a single router by identity digest.
func (rs *RouterSet) ByIdentity(id [20]byte) (RouterDescriptor, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rd, ok := rs.byID[id]
	if !ok {
		return RouterDescriptor{}, false
	}
	return *rd, true
}

// ByAddr looks up routers by (address, port); the index may collide.
func (rs *RouterSet) ByAddr(addr string, port uint16) []RouterDescriptor {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	list := rs.byAddr[addrKey(addr, port)]
	out := make([]RouterDescriptor, len(list))
	for i, rd := range list {
		out[i] = *rd
	}
	return out
}

// Snapshot implements the feed interface's snapshot: a point-in-time copy
// of every router currently known, stale entries past RetentionWindow
// excluded.
func (rs *RouterSet) Snapshot() []RouterDescriptor {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	now := time.Now()
	out := make([]RouterDescriptor, 0, len(rs.byID))
	for _, rd := range rs.byID {
		if now.Sub(rd.lastSeen) > RetentionWindow {
			continue
		}
		out = append(out, *rd)
	}
	return out
}

// EffectiveFamily reports whether a and b are mutually declared family
// members. An asymmetric declaration (only one side lists the other) is
// treated as no family relationship for either side, per the path
// selection invariant.
func EffectiveFamily(all map[[20]byte]RouterDescriptor, a, b [20]byte) bool {
	ra, ok := all[a]
	if !ok {
		return false
	}
	rb, ok := all[b]
	if !ok {
		return false
	}
	return contains(ra.Family, b) && contains(rb.Family, a)
}

func contains(list [][20]byte, id [20]byte) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}
