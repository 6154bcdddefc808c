package circuit

import (
	"crypto/sha1" //nolint:gosec // legacy per-hop rolling digest

	"github.com/ortelay/core/cryptoprim"
)

// HopLifecycle is a HopState's own lifecycle, distinct from the owning
// Circuit's lifecycle.
type HopLifecycle int

const (
	HopClosed HopLifecycle = iota
	HopAwaitingKeys
	HopOpen
)

// HopState is an origin circuit's record of one remote hop: its identity,
// the in-flight DH state during handshake, and the derived cipher/digest
// state once the handshake completes.
type HopState struct {
	RemoteAddr string
	RemoteORPort uint16
	Identity   [20]byte

	dh *cryptoprim.DH // non-nil only while AwaitingKeys

	ForwardCipher  *cryptoprim.SeekableCTR // client→relay (Kf)
	BackwardCipher *cryptoprim.SeekableCTR // relay→client (Kb)
	Df             digestState             // rolling forward digest, seeded with Df
	Db             digestState             // rolling backward digest, seeded with Db

	PackageWindow int
	DeliverWindow int

	Lifecycle HopLifecycle
}

// KeyMaterial is the 72 bytes of derived key material from a completed TAP
// handshake: 2 × (16-byte AES key + 20-byte digest seed).
type KeyMaterial struct {
	Kf [16]byte
	Kb [16]byte
	Df [20]byte
	Db [20]byte
}

// Zero clears the derived key material.
func (km *KeyMaterial) Zero() {
	clear(km.Kf[:])
	clear(km.Kb[:])
	clear(km.Df[:])
	clear(km.Db[:])
}

// NewHopState derives a hop's cipher/digest pair from completed handshake
// key material. Exported so the scheduler can build the origin's first hop
// directly from a CREATE/CREATE_FAST reply, not only via CompleteExtend.
func NewHopState(addr string, port uint16, identity [20]byte, km *KeyMaterial) (*HopState, error) {
	fwd, err := cryptoprim.NewSeekableCTR(km.Kf[:])
	if err != nil {
		return nil, err
	}
	bwd, err := cryptoprim.NewSeekableCTR(km.Kb[:])
	if err != nil {
		return nil, err
	}
	df := sha1.New().(digestState)
	df.Write(km.Df[:])
	db := sha1.New().(digestState)
	db.Write(km.Db[:])

	return &HopState{
		RemoteAddr:     addr,
		RemoteORPort:   port,
		Identity:       identity,
		ForwardCipher:  fwd,
		BackwardCipher: bwd,
		Df:             df,
		Db:             db,
		PackageWindow:  DefaultCircuitWindow,
		DeliverWindow:  DefaultCircuitWindow,
		Lifecycle:      HopOpen,
	}, nil
}
