package circuit

import (
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // key-confirmation tag mandated by the legacy wire format
	"fmt"

	"github.com/ortelay/core/cryptoprim"
)

func sha1Sum20(b []byte) []byte {
	h := sha1.Sum(b)
	return h[:]
}

// CreatePayloadLen is the wire size of a CREATE payload: hybrid RSA-OAEP
// encryption of a 128-byte DH public value under a 1024-bit onion key.
// Working the hybrid split arithmetic (128-byte modulus, 42-byte OAEP
// overhead, 16-byte AES key, 128-byte plaintext) gives a 128-byte RSA part
// plus a 58-byte AES part, i.e. 186 bytes — matching the size real TAP
// onionskins actually use. See the design notes for why 186 is used here
// instead of the rounder figure sometimes quoted for this payload.
const CreatePayloadLen = 186

// CreatedPayloadLen is the wire size of a CREATED payload: g^y (128) ‖
// H(K) (20).
const CreatedPayloadLen = cryptoprim.DHPublicLen + 20

// ClientHandshake holds the origin's ephemeral DH state for one hop's TAP
// create handshake, from CREATE send to CREATED receipt.
type ClientHandshake struct {
	dh *cryptoprim.DH
}

// BuildCreate generates a fresh DH keypair and returns the 186-byte CREATE
// payload: hybrid_encrypt(server_onion_pubkey, g^x, padding=OAEP).
func BuildCreate(onionPub *rsa.PublicKey) (*ClientHandshake, []byte, error) {
	dh, err := cryptoprim.NewDH()
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: create handshake: %w", err)
	}
	gx := dh.Public()
	payload, err := cryptoprim.HybridEncrypt(onionPub, gx[:], cryptoprim.PaddingOAEP, false)
	if err != nil {
		dh.Zero()
		return nil, nil, fmt.Errorf("circuit: create handshake: encrypt: %w", err)
	}
	return &ClientHandshake{dh: dh}, payload, nil
}

// Complete processes a CREATED payload (g^y ‖ H(K)), verifies the
// key-confirmation tag and derives the 72 bytes of circuit key material.
func (ch *ClientHandshake) Complete(created []byte) (*KeyMaterial, error) {
	defer ch.dh.Zero()
	if len(created) != CreatedPayloadLen {
		return nil, fmt.Errorf("circuit: CREATED payload wrong length: %d", len(created))
	}
	var gy [cryptoprim.DHPublicLen]byte
	copy(gy[:], created[:cryptoprim.DHPublicLen])
	tag := created[cryptoprim.DHPublicLen:]

	shared := ch.dh.Compute(gy)
	return deriveAndVerify(shared[:], tag)
}

// ServerHandshake processes an incoming CREATE payload under the relay's
// own onion keypair and returns the 148-byte CREATED payload plus the
// derived key material.
func ServerHandshake(onionPriv *rsa.PrivateKey, createPayload []byte) ([]byte, *KeyMaterial, error) {
	gxBytes, err := cryptoprim.HybridDecrypt(onionPriv, createPayload, cryptoprim.PaddingOAEP, true)
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: server handshake: decrypt: %w", err)
	}
	if len(gxBytes) != cryptoprim.DHPublicLen {
		return nil, nil, fmt.Errorf("circuit: server handshake: unexpected g^x length %d", len(gxBytes))
	}
	var gx [cryptoprim.DHPublicLen]byte
	copy(gx[:], gxBytes)

	dh, err := cryptoprim.NewDH()
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: server handshake: %w", err)
	}
	defer dh.Zero()
	gy := dh.Public()
	shared := dh.Compute(gx)

	km, tag, err := deriveWithTag(shared[:])
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, 0, CreatedPayloadLen)
	out = append(out, gy[:]...)
	out = append(out, tag...)
	return out, km, nil
}

// deriveAndVerify derives key material from a shared secret and checks the
// client-side key-confirmation tag.
func deriveAndVerify(shared []byte, tag []byte) (*KeyMaterial, error) {
	km, expectedTag, err := deriveWithTag(shared)
	if err != nil {
		return nil, err
	}
	if !constantTimeEqual(expectedTag, tag) {
		km.Zero()
		return nil, fmt.Errorf("circuit: CREATED key-confirmation tag mismatch")
	}
	return km, nil
}

// deriveWithTag runs the KDF over the shared secret and splits the output
// into the 72-byte key material plus the 20-byte H(K) confirmation tag,
// where H(K) = SHA1(kdf_output[0..20]).
func deriveWithTag(shared []byte) (*KeyMaterial, []byte, error) {
	kdfOut, err := cryptoprim.KDF(shared, 72)
	if err != nil {
		return nil, nil, fmt.Errorf("circuit: kdf: %w", err)
	}

	km := &KeyMaterial{}
	copy(km.Kf[:], kdfOut[0:16])
	copy(km.Kb[:], kdfOut[16:32])
	copy(km.Df[:], kdfOut[32:52])
	copy(km.Db[:], kdfOut[52:72])

	tag := sha1Sum20(kdfOut[0:20])
	return km, tag, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
