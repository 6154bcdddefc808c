package cryptoprim

import (
	"crypto/rsa"
	"fmt"
	"math/big"
)

// rsaNoPaddingEncrypt performs raw RSA encryption (m^e mod n) with no
// padding, left-padded to the modulus width. Used only for the "none"
// padding variant of pk_hybrid_encrypt.
func rsaNoPaddingEncrypt(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	modLen := (pub.N.BitLen() + 7) / 8
	if len(data) > modLen {
		return nil, fmt.Errorf("cryptoprim: no-padding plaintext longer than modulus")
	}
	m := new(big.Int).SetBytes(data)
	if m.Cmp(pub.N) >= 0 {
		return nil, fmt.Errorf("cryptoprim: no-padding plaintext not less than modulus")
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	out := make([]byte, modLen)
	c.FillBytes(out)
	return out, nil
}

// rsaNoPaddingDecrypt performs raw RSA decryption (c^d mod n), returning the
// modulus-width plaintext unchanged — callers that know the embedded
// structure (e.g. hybrid key ‖ prefix) slice it themselves.
func rsaNoPaddingDecrypt(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	modLen := (priv.N.BitLen() + 7) / 8
	c := new(big.Int).SetBytes(data)
	m := new(big.Int).Exp(c, priv.D, priv.N)
	out := make([]byte, modLen)
	m.FillBytes(out)
	return out, nil
}
