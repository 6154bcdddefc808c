package circuit

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/ortelay/core/cell"
)

// Relay cells travel in two directions relative to the origin: outbound
// (origin → exit) and inbound (exit → origin). AES-CTR's XOR is its own
// inverse, so "encrypt" and "decrypt" below are the same primitive
// operation; what differs per direction and per role is which cipher layer
// is applied, whether a digest is freshly computed versus left untouched,
// and whether "recognized" is ever checked.

// computeDigest zeros the digest field, feeds the payload through the
// rolling digest, and returns the first 4 bytes. It always advances the
// digest's running state, match or not; callers needing a trial digest
// snapshot first and restore on a mismatch.
func computeDigest(d digestState, payload cell.RelayPayload) [4]byte {
	payload.ZeroDigest()
	d.Write(payload)
	sum := d.Sum(nil)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

func padRelayPayload(payload cell.RelayPayload, dataLen int) {
	start := cell.RelayDataOff + dataLen
	if start < len(payload) {
		_, _ = rand.Read(payload[start:])
	}
}

// SendRelay builds and layer-encrypts an outbound relay cell addressed to
// cpath[hopIndex], for use by the circuit's origin. Only the target hop's
// digest is computed; the origin then encrypts the built payload with each
// hop's forward cipher, from the target back out to the nearest hop, so
// that only the target's forward cipher layer is ever meant to reveal
// "recognized".
func (c *Circuit) SendRelay(hopIndex int, relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hopIndex < 0 || hopIndex >= len(c.Cpath) {
		return nil, fmt.Errorf("circuit: send_relay: hop index %d out of range", hopIndex)
	}
	if len(data) > cell.MaxRelayData {
		return nil, fmt.Errorf("circuit: send_relay: data too large: %d > %d", len(data), cell.MaxRelayData)
	}

	payload := cell.NewRelayPayload(relayCmd, streamID, data)
	padRelayPayload(payload, len(data))

	target := c.Cpath[hopIndex]
	digest := computeDigest(target.Df, payload)
	payload.SetDigest(digest)

	for i := hopIndex; i >= 0; i-- {
		c.Cpath[i].ForwardCipher.XORKeyStream(payload, payload)
	}

	out := cell.NewFixedCell(c.GuardCircID, cell.CmdRelay)
	copy(out.Payload(), payload)
	c.touch()
	if relayCmd == cell.RelayData {
		decrementWindow(&c.PackageWindow)
	}
	return out, nil
}

// ReceiveRelay decrypts an inbound relay cell at the origin, peeling each
// hop's backward cipher from nearest to farthest and checking "recognized"
// at each layer, since only the true originating hop's Db will produce a
// correct digest.
func (c *Circuit) ReceiveRelay(incoming cell.Cell) (hopIndex int, relayCmd uint8, streamID uint16, data []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.Cpath) == 0 {
		return 0, 0, 0, nil, fmt.Errorf("circuit: receive_relay: not an origin circuit")
	}

	payload := make(cell.RelayPayload, cell.PayloadLen)
	copy(payload, incoming.Payload())

	for i, hop := range c.Cpath {
		hop.BackwardCipher.XORKeyStream(payload, payload)

		if payload.Recognized() != 0 {
			continue
		}

		saved := payload.Digest()
		snap, serr := snapshotDigest(hop.Db)
		if serr != nil {
			return 0, 0, 0, nil, fmt.Errorf("circuit: receive_relay: snapshot: %w", serr)
		}
		computed := computeDigest(hop.Db, payload)

		if subtle.ConstantTimeCompare(saved[:], computed[:]) == 1 {
			if !payload.ValidLength() {
				return 0, 0, 0, nil, fmt.Errorf("circuit: receive_relay: invalid relay length %d", payload.Length())
			}
			relayCmd = payload.RelayCommand()
			streamID = payload.StreamID()
			data = append([]byte(nil), payload.Data()...)
			c.touch()
			if relayCmd == cell.RelayData {
				decrementWindow(&c.DeliverWindow)
			}
			return i, relayCmd, streamID, data, nil
		}

		if rerr := restoreDigest(hop.Db, snap); rerr != nil {
			return 0, 0, 0, nil, fmt.Errorf("circuit: receive_relay: restore: %w", rerr)
		}
	}

	return 0, 0, 0, nil, fmt.Errorf("circuit: receive_relay: not recognized at any hop")
}

// ForwardOutbound is called by a relay acting as an intermediate or exit
// hop when a RELAY/RELAY_EARLY cell arrives over prev_link. It peels this
// relay's own forward-cipher layer; if the cell is now recognized, the
// relay dispatches it locally (return recognized=true); otherwise, if the
// relay has a next hop, the still-layered bytes are forwarded unmodified;
// a relay with no next hop that still doesn't recognize the cell has hit a
// protocol violation.
func (c *Circuit) ForwardOutbound(incoming cell.Cell) (recognized bool, relayCmd uint8, streamID uint16, data []byte, forward cell.Cell, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.Cpath) != 0 {
		return false, 0, 0, nil, nil, fmt.Errorf("circuit: forward_outbound: not a relay-role circuit")
	}

	payload := make(cell.RelayPayload, cell.PayloadLen)
	copy(payload, incoming.Payload())
	c.ForwardCipher.XORKeyStream(payload, payload)

	if payload.Recognized() == 0 {
		saved := payload.Digest()
		computed := computeDigest(c.Df, payload)
		if subtle.ConstantTimeCompare(saved[:], computed[:]) == 1 {
			if !payload.ValidLength() {
				return false, 0, 0, nil, nil, fmt.Errorf("circuit: forward_outbound: invalid relay length %d", payload.Length())
			}
			c.touch()
			return true, payload.RelayCommand(), payload.StreamID(), append([]byte(nil), payload.Data()...), nil, nil
		}
	}

	if c.NextLink == nil {
		return false, 0, 0, nil, nil, fmt.Errorf("circuit: forward_outbound: not recognized and no next hop")
	}
	out := cell.NewFixedCell(c.NextCircID, incoming.Command())
	copy(out.Payload(), payload)
	c.touch()
	return false, 0, 0, nil, out, nil
}

// OriginateInbound is called by the exit hop (no NextLink) to build a fresh
// inbound relay cell bound for the origin: it computes a genuine digest via
// its own Db, then applies its backward cipher once before sending toward
// prev_link.
func (c *Circuit) OriginateInbound(relayCmd uint8, streamID uint16, data []byte) (cell.Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.NextLink != nil {
		return nil, fmt.Errorf("circuit: originate_inbound: not an exit-role circuit")
	}
	if len(data) > cell.MaxRelayData {
		return nil, fmt.Errorf("circuit: originate_inbound: data too large: %d > %d", len(data), cell.MaxRelayData)
	}

	payload := cell.NewRelayPayload(relayCmd, streamID, data)
	padRelayPayload(payload, len(data))
	digest := computeDigest(c.Db, payload)
	payload.SetDigest(digest)

	c.BackwardCipher.XORKeyStream(payload, payload)

	out := cell.NewFixedCell(c.PrevCircID, cell.CmdRelay)
	copy(out.Payload(), payload)
	c.touch()
	if relayCmd == cell.RelayData {
		decrementWindow(&c.DeliverWindow)
	}
	return out, nil
}

// ForwardInbound is called by an intermediate relay when a relay cell
// arrives over next_link, bound for the origin. It is a pure pass-through:
// one XOR with this relay's backward cipher, digest untouched, no
// recognized check (only the true originating endpoint's Db pair performs
// that check).
func (c *Circuit) ForwardInbound(incoming cell.Cell) (cell.Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.Cpath) != 0 {
		return nil, fmt.Errorf("circuit: forward_inbound: not a relay-role circuit")
	}

	payload := make(cell.RelayPayload, cell.PayloadLen)
	copy(payload, incoming.Payload())
	c.BackwardCipher.XORKeyStream(payload, payload)

	out := cell.NewFixedCell(c.PrevCircID, incoming.Command())
	copy(out.Payload(), payload)
	c.touch()
	return out, nil
}

// decrementWindow applies one RELAY_DATA debit; a window that goes negative
// is a protocol violation the caller must treat as fatal to the circuit.
func decrementWindow(w *int) {
	*w--
}

// WindowViolated reports whether either circuit-level window has gone
// negative, which per the flow-control invariant means the circuit must be
// torn down.
func (c *Circuit) WindowViolated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PackageWindow < 0 || c.DeliverWindow < 0
}

// NeedsSendme reports whether the deliver window has dropped to a multiple
// of CircuitWindowIncrement below its starting value, meaning a SENDME is
// due, and if so credits the window immediately (SENDME is generated
// eagerly on the same pass that notices the threshold, matching the
// teacher's cell-dispatch-loop style of acting on state inline rather than
// deferring to a separate scheduler pass).
func (c *Circuit) NeedsSendme() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeliverWindow <= DefaultCircuitWindow-CircuitWindowIncrement && c.DeliverWindow%CircuitWindowIncrement == 0 {
		c.DeliverWindow += CircuitWindowIncrement
		return true
	}
	return false
}

// CreditPackageWindow applies the package-window credit a received SENDME
// grants.
func (c *Circuit) CreditPackageWindow() {
	c.mu.Lock()
	c.PackageWindow += CircuitWindowIncrement
	c.mu.Unlock()
}
