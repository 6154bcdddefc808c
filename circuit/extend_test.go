package circuit

import (
	"bytes"
	"net"
	"testing"

	"github.com/ortelay/core/cryptoprim"
)

func TestExtendPayloadRoundTrip(t *testing.T) {
	priv, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate onion key: %v", err)
	}
	_, createPayload, err := BuildCreate(&priv.PublicKey)
	if err != nil {
		t.Fatalf("build create: %v", err)
	}
	identity := [20]byte{9, 9, 9}
	addr := net.ParseIP("203.0.113.5")

	encoded, err := BuildExtendPayload(addr, 9001, createPayload, identity)
	if err != nil {
		t.Fatalf("build extend: %v", err)
	}

	gotAddr, gotPort, gotCreate, gotIdentity, err := ParseExtendPayload(encoded)
	if err != nil {
		t.Fatalf("parse extend: %v", err)
	}
	if !gotAddr.Equal(addr) {
		t.Fatalf("addr = %v, want %v", gotAddr, addr)
	}
	if gotPort != 9001 {
		t.Fatalf("port = %d, want 9001", gotPort)
	}
	if !bytes.Equal(gotCreate, createPayload) {
		t.Fatal("create payload mismatch after round trip")
	}
	if gotIdentity != identity {
		t.Fatal("identity mismatch after round trip")
	}
}

func TestBeginCompleteExtend(t *testing.T) {
	origin := NewOrigin("general")
	km := testKeyMaterial(t)
	hs, err := NewHopState("198.51.100.1", 9001, [20]byte{1}, km)
	if err != nil {
		t.Fatalf("first hop: %v", err)
	}
	origin.AppendHop(hs)

	priv, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate onion key: %v", err)
	}
	newIdentity := [20]byte{2}
	addr := net.ParseIP("203.0.113.9")

	extendCell, pending, err := origin.BeginExtend(addr, 9002, newIdentity, &priv.PublicKey)
	if err != nil {
		t.Fatalf("begin extend: %v", err)
	}
	if extendCell == nil {
		t.Fatal("expected non-nil extend cell")
	}

	_, _, createPayload, _, err := ParseExtendPayload(mustExtractExtendPayload(t, extendCell, hs))
	if err != nil {
		t.Fatalf("parse extend payload from cell: %v", err)
	}
	createdPayload, _, err := ServerHandshake(priv, createPayload)
	if err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	extendedPayload := BuildExtendedPayload(createdPayload)

	if err := origin.CompleteExtend(pending, extendedPayload); err != nil {
		t.Fatalf("complete extend: %v", err)
	}
	if n := origin.HopCount(); n != 2 {
		t.Fatalf("HopCount() = %d, want 2", n)
	}
}

// mustExtractExtendPayload decrypts the single forward-cipher layer the
// origin applied when addressing the RELAY_EXTEND to its sole existing hop,
// to recover the plaintext relay payload for inspection in the test.
func mustExtractExtendPayload(t *testing.T, c interface{ Payload() []byte }, hop *HopState) []byte {
	t.Helper()
	payload := append([]byte(nil), c.Payload()...)
	hop.ForwardCipher.SetCounter(0)
	hop.ForwardCipher.XORKeyStream(payload, payload)
	const relayDataOff = 11
	return payload[relayDataOff : relayDataOff+4+2+CreatePayloadLen+20]
}
