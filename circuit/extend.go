package circuit

import (
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/ortelay/core/cell"
	"github.com/ortelay/core/link"
)

// ExtendDeadline bounds how long an origin waits for RELAY_EXTENDED after
// sending RELAY_EXTEND before giving up and tearing the circuit down.
const ExtendDeadline = 30 * time.Second

// BuildExtendPayload encodes a RELAY_EXTEND payload: 4-byte IPv4 address,
// 2-byte port, the hybrid-encrypted CREATE payload for the new hop, and the
// new hop's 20-byte identity digest.
func BuildExtendPayload(addr net.IP, port uint16, createPayload []byte, identity [20]byte) ([]byte, error) {
	ip4 := addr.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("circuit: build_extend: address %s is not IPv4", addr)
	}
	out := make([]byte, 0, 4+2+len(createPayload)+20)
	out = append(out, ip4...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	out = append(out, portBuf[:]...)
	out = append(out, createPayload...)
	out = append(out, identity[:]...)
	return out, nil
}

// ParseExtendPayload is the inverse of BuildExtendPayload.
func ParseExtendPayload(data []byte) (addr net.IP, port uint16, createPayload []byte, identity [20]byte, err error) {
	if len(data) != 4+2+CreatePayloadLen+20 {
		return nil, 0, nil, identity, fmt.Errorf("circuit: parse_extend: wrong length %d", len(data))
	}
	addr = net.IPv4(data[0], data[1], data[2], data[3])
	port = binary.BigEndian.Uint16(data[4:6])
	createPayload = append([]byte(nil), data[6:6+CreatePayloadLen]...)
	copy(identity[:], data[6+CreatePayloadLen:])
	return addr, port, createPayload, identity, nil
}

// BuildExtendedPayload wraps a CREATED payload for return as RELAY_EXTENDED.
func BuildExtendedPayload(created []byte) []byte {
	return append([]byte(nil), created...)
}

// ParseExtendedPayload validates and unwraps a RELAY_EXTENDED payload.
func ParseExtendedPayload(data []byte) ([]byte, error) {
	if len(data) != CreatedPayloadLen {
		return nil, fmt.Errorf("circuit: parse_extended: wrong length %d", len(data))
	}
	return append([]byte(nil), data...), nil
}

// PendingExtend tracks an in-flight RELAY_EXTEND at the origin, between
// sending the EXTEND and receiving the matching EXTENDED.
type PendingExtend struct {
	Handshake *ClientHandshake
	Addr      string
	Port      uint16
	Identity  [20]byte
	Deadline  time.Time
}

// BeginExtend builds the RELAY_EXTEND cell that grows an origin circuit by
// one hop through the current last hop, plus the pending handshake state
// the caller must retain until the matching EXTENDED arrives.
func (c *Circuit) BeginExtend(addr net.IP, port uint16, identity [20]byte, onionPub *rsa.PublicKey) (cell.Cell, *PendingExtend, error) {
	c.mu.Lock()
	lastIdx := len(c.Cpath) - 1
	c.mu.Unlock()
	if lastIdx < 0 {
		return nil, nil, fmt.Errorf("circuit: begin_extend: circuit has no hops yet")
	}

	ch, createPayload, err := BuildCreate(onionPub)
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: begin_extend: %w", err)
	}
	extendPayload, err := BuildExtendPayload(addr, port, createPayload, identity)
	if err != nil {
		return nil, nil, err
	}

	out, err := c.SendRelay(lastIdx, cell.RelayExtend, 0, extendPayload)
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: begin_extend: send: %w", err)
	}
	return out, &PendingExtend{
		Handshake: ch,
		Addr:      addr.String(),
		Port:      port,
		Identity:  identity,
		Deadline:  time.Now().Add(ExtendDeadline),
	}, nil
}

// CompleteExtend finishes a pending extend once RELAY_EXTENDED data has
// arrived from the last hop, deriving the new hop's key material and
// appending it to the circuit's cpath.
func (c *Circuit) CompleteExtend(pending *PendingExtend, extendedData []byte) error {
	if time.Now().After(pending.Deadline) {
		return fmt.Errorf("circuit: complete_extend: deadline exceeded")
	}
	created, err := ParseExtendedPayload(extendedData)
	if err != nil {
		return err
	}
	km, err := pending.Handshake.Complete(created)
	if err != nil {
		return fmt.Errorf("circuit: complete_extend: %w", err)
	}
	hs, err := NewHopState(pending.Addr, pending.Port, pending.Identity, km)
	km.Zero()
	if err != nil {
		return fmt.Errorf("circuit: complete_extend: %w", err)
	}
	c.AppendHop(hs)
	return nil
}

// HandleExtendAtRelay is called by a relay that has just decrypted a
// recognized RELAY_EXTEND cell addressed to it: it opens (or reuses) an
// OR-link to the target, allocates a fresh next-hop circuit ID, and returns
// the CREATE cell to send and the next-hop bookkeeping the caller should
// wire into the circuit once CREATED comes back (see CompleteExtendAtRelay).
func (c *Circuit) HandleExtendAtRelay(mgr *link.Manager, extendData []byte) (createCell cell.Cell, nextLink *link.Link, nextCircID uint16, err error) {
	addr, port, createPayload, identity, err := ParseExtendPayload(extendData)
	if err != nil {
		return nil, nil, 0, err
	}

	target := fmt.Sprintf("%s:%d", addr.String(), port)
	nl, err := mgr.GetOrConnect(target, identity, true)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("circuit: handle_extend: link: %w", err)
	}
	circID, err := mgr.AllocateCircID(nl)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("circuit: handle_extend: circ id: %w", err)
	}

	out := cell.NewFixedCell(circID, cell.CmdCreate)
	copy(out.Payload(), createPayload)
	return out, nl, circID, nil
}

// CompleteExtendAtRelay wraps a CREATED payload received on the new
// next-hop link into the RELAY_EXTENDED cell sent back toward the origin,
// and wires nextLink/nextCircID into the circuit so this relay becomes an
// intermediate on it.
func (c *Circuit) CompleteExtendAtRelay(nextLink *link.Link, nextCircID uint16, createdPayload []byte) (cell.Cell, error) {
	c.mu.Lock()
	c.NextLink = nextLink
	c.NextCircID = nextCircID
	c.mu.Unlock()

	extended := BuildExtendedPayload(createdPayload)
	return c.OriginateInbound(cell.RelayExtended, 0, extended)
}

// Truncate builds a RELAY_TRUNCATE cell directed at hopIndex from the
// origin, to tear down the circuit from that hop onward while keeping the
// hops before it.
func (c *Circuit) Truncate(hopIndex int) (cell.Cell, error) {
	return c.SendRelay(hopIndex, cell.RelayTruncate, 0, nil)
}

// HandleTruncateAtRelay processes a recognized RELAY_TRUNCATE: it must send
// DESTROY down next_link (if any), drop the next-hop wiring, and return the
// RELAY_TRUNCATED reply to send back toward the origin. nextLink is
// returned alongside destroyNextCell since the caller needs to know which
// link to put the DESTROY cell on.
func (c *Circuit) HandleTruncateAtRelay(mgr *link.Manager) (destroyNextCell cell.Cell, nextLink *link.Link, truncatedCell cell.Cell, err error) {
	c.mu.Lock()
	nl := c.NextLink
	nc := c.NextCircID
	c.NextLink = nil
	c.NextCircID = 0
	c.mu.Unlock()

	if nl != nil {
		destroyNextCell = cell.NewFixedCell(nc, cell.CmdDestroy)
		mgr.ReleaseCircID(nl, nc)
	}
	truncatedCell, err = c.OriginateInbound(cell.RelayTruncated, 0, nil)
	return destroyNextCell, nl, truncatedCell, err
}
