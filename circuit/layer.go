package circuit

import (
	"crypto/sha1" //nolint:gosec // legacy per-hop rolling digest, mandated by the wire format
	"encoding"
	"hash"

	"github.com/ortelay/core/cryptoprim"
)

// cipherStream is the subset of cryptoprim.SeekableCTR the relay-cell
// engine needs; an interface here keeps relay.go and circuit.go testable
// against fakes without dragging in the concrete type everywhere.
type cipherStream interface {
	XORKeyStream(dst, src []byte)
}

// digestState is a rolling SHA-1 digest that can be snapshotted and
// restored, needed by the origin's iterative recognized-layer search
// during inbound relay-cell decryption.
type digestState interface {
	hash.Hash
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// materializeLayer builds the single forward/backward cipher and digest
// pair a relay uses when it is acting as an intermediate or exit on a
// circuit (as opposed to the origin, which keeps one such pair per hop in
// HopState).
func materializeLayer(km *KeyMaterial) (fwd, bwd cipherStream, df, db digestState, err error) {
	fwdCTR, err := cryptoprim.NewSeekableCTR(km.Kf[:])
	if err != nil {
		return nil, nil, nil, nil, err
	}
	bwdCTR, err := cryptoprim.NewSeekableCTR(km.Kb[:])
	if err != nil {
		return nil, nil, nil, nil, err
	}

	dfHash := sha1.New().(digestState)
	dfHash.Write(km.Df[:])
	dbHash := sha1.New().(digestState)
	dbHash.Write(km.Db[:])

	return fwdCTR, bwdCTR, dfHash, dbHash, nil
}

// snapshotDigest returns a copy of h's internal state so the caller can try
// writing to it and roll back on a mismatch.
func snapshotDigest(h digestState) ([]byte, error) {
	return h.MarshalBinary()
}

// restoreDigest resets h to a previously captured snapshot.
func restoreDigest(h digestState, snap []byte) error {
	return h.UnmarshalBinary(snap)
}
