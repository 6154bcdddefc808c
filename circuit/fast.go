package circuit

import (
	"crypto/rand"
	"fmt"
)

// FastHandshakeLen is the wire size of a CREATE_FAST payload: a 20-byte
// client-chosen random value.
const FastHandshakeLen = 20

// FastCreatedLen is the wire size of a CREATED_FAST payload: the server's
// own 20-byte random value plus a 20-byte key-confirmation tag.
const FastCreatedLen = FastHandshakeLen + 20

// ClientFastHandshake holds the origin's half of an in-flight CREATE_FAST
// exchange: the textbook non-DH Tor fast-create handshake, used for a
// circuit's first hop when that link is already otherwise authenticated
// and the extra DH exchange buys nothing (§4.B budgets CREATE_FAST/
// CREATED_FAST into the cell command taxonomy without describing the
// handshake it carries; this is that handshake).
type ClientFastHandshake struct {
	x [FastHandshakeLen]byte
}

// BuildCreateFast generates the client's random value and returns it as the
// CREATE_FAST payload.
func BuildCreateFast() (*ClientFastHandshake, []byte, error) {
	var x [FastHandshakeLen]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, nil, fmt.Errorf("circuit: create_fast: %w", err)
	}
	return &ClientFastHandshake{x: x}, append([]byte(nil), x[:]...), nil
}

// Complete processes a CREATED_FAST payload (Y ‖ H(K)): it verifies the
// key-confirmation tag and derives the same 72 bytes of circuit key
// material the TAP handshake does, reusing deriveWithTag/deriveAndVerify —
// only the shared secret construction differs, here simply the
// concatenation of both sides' random values rather than a DH result.
func (ch *ClientFastHandshake) Complete(created []byte) (*KeyMaterial, error) {
	if len(created) != FastCreatedLen {
		return nil, fmt.Errorf("circuit: CREATED_FAST payload wrong length: %d", len(created))
	}
	y := created[:FastHandshakeLen]
	tag := created[FastHandshakeLen:]

	shared := make([]byte, 0, 2*FastHandshakeLen)
	shared = append(shared, ch.x[:]...)
	shared = append(shared, y...)
	return deriveAndVerify(shared, tag)
}

// ServerHandshakeFast processes an incoming CREATE_FAST payload and returns
// the CREATED_FAST payload plus the derived key material.
func ServerHandshakeFast(createFastPayload []byte) ([]byte, *KeyMaterial, error) {
	if len(createFastPayload) != FastHandshakeLen {
		return nil, nil, fmt.Errorf("circuit: create_fast: wrong length %d", len(createFastPayload))
	}
	var y [FastHandshakeLen]byte
	if _, err := rand.Read(y[:]); err != nil {
		return nil, nil, fmt.Errorf("circuit: create_fast: %w", err)
	}

	shared := make([]byte, 0, 2*FastHandshakeLen)
	shared = append(shared, createFastPayload...)
	shared = append(shared, y[:]...)

	km, tag, err := deriveWithTag(shared)
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, 0, FastCreatedLen)
	out = append(out, y[:]...)
	out = append(out, tag...)
	return out, km, nil
}
