// Package cryptoprim wraps the small set of cryptographic primitives the
// circuit engine needs: RSA-1024 keys and hybrid public-key encryption, a
// fixed-group Diffie-Hellman exchange, a SHA-1 KDF, and a seekable AES-CTR
// stream cipher. It intentionally mirrors the original (pre-ntor) Tor
// handshake rather than any elliptic-curve scheme.
package cryptoprim

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// dhPrimeHex is the 1024-bit MODP group from RFC 2409 §6.2 ("Second Oakley
// Group"). Generator is 2.
const dhPrimeHex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC7" +
	"4020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14" +
	"374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B" +
	"7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFF" +
	"FFFF"

var (
	dhPrime = mustPrime()
	dhGen   = big.NewInt(2)
)

// DHPublicLen is the fixed byte width of a DH public value, left-padded to
// the modulus size.
const DHPublicLen = 128

func mustPrime() *big.Int {
	p, ok := new(big.Int).SetString(dhPrimeHex, 16)
	if !ok {
		panic("cryptoprim: invalid DH prime constant")
	}
	return p
}

// DH holds one side's ephemeral Diffie-Hellman state.
type DH struct {
	priv *big.Int
}

// NewDH generates a fresh ephemeral private exponent in [2, p-2].
func NewDH() (*DH, error) {
	// RFC 2409's group has no subgroup order published for Tor's use, so a
	// full-width secret is drawn directly, as the historical implementation
	// does.
	max := new(big.Int).Sub(dhPrime, big.NewInt(3))
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("dh: generate exponent: %w", err)
	}
	x.Add(x, big.NewInt(2))
	return &DH{priv: x}, nil
}

// Public returns g^x mod p, left-padded to DHPublicLen bytes.
func (d *DH) Public() [DHPublicLen]byte {
	pub := new(big.Int).Exp(dhGen, d.priv, dhPrime)
	var out [DHPublicLen]byte
	pub.FillBytes(out[:])
	return out
}

// Compute derives the shared secret g^(xy) mod p given the peer's public
// value, left-padded to DHPublicLen bytes.
func (d *DH) Compute(peerPublic [DHPublicLen]byte) [DHPublicLen]byte {
	y := new(big.Int).SetBytes(peerPublic[:])
	shared := new(big.Int).Exp(y, d.priv, dhPrime)
	var out [DHPublicLen]byte
	shared.FillBytes(out[:])
	return out
}

// Zero clears the ephemeral private exponent.
func (d *DH) Zero() {
	if d.priv != nil {
		d.priv.SetInt64(0)
	}
}
