package cryptoprim

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // OAEP label hash mandated by the legacy wire format
	"fmt"
)

// Padding selects the RSA padding scheme pk_hybrid_encrypt uses when the
// plaintext is encrypted directly.
type Padding int

const (
	PaddingOAEP Padding = iota
	PaddingPKCS1v15
	PaddingNone
)

const (
	oaepOverhead   = 42
	pkcs1Overhead  = 11
	hybridKeyLen   = 16
	identityBits   = 1024
	identityModLen = identityBits / 8 // 128
)

// GenerateIdentityKeyPair produces a 1024-bit RSA keypair with public
// exponent 65537, used both as relay identity keys and onion (create-
// handshake) keys.
func GenerateIdentityKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, identityBits)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: generate identity key: %w", err)
	}
	return key, nil
}

func overheadFor(pad Padding) int {
	switch pad {
	case PaddingOAEP:
		return oaepOverhead
	case PaddingPKCS1v15:
		return pkcs1Overhead
	default:
		return 0
	}
}

// HybridEncrypt implements pk_hybrid_encrypt: direct RSA encryption when the
// plaintext fits the modulus minus padding overhead, otherwise a hybrid
// scheme that RSA-encrypts a fresh 16-byte AES key alongside a prefix of the
// plaintext and AES-CTR-encrypts the remainder. force always takes the
// hybrid path regardless of whether the plaintext would fit directly,
// resolving the source's force-argument ambiguity per the spec.
func HybridEncrypt(pub *rsa.PublicKey, plaintext []byte, pad Padding, force bool) ([]byte, error) {
	modLen := (pub.N.BitLen() + 7) / 8
	overhead := overheadFor(pad)

	if !force && len(plaintext)+overhead <= modLen {
		return rsaEncryptDirect(pub, plaintext, pad)
	}

	// Hybrid: K (16 bytes) ‖ plaintext[:modLen-overhead-16] RSA-encrypted,
	// plaintext[modLen-overhead-16:] AES-CTR-encrypted under K.
	split := modLen - overhead - hybridKeyLen
	if split < 0 {
		split = 0
	}
	if split > len(plaintext) {
		split = len(plaintext)
	}

	var key [hybridKeyLen]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("cryptoprim: hybrid key: %w", err)
	}
	if pad == PaddingNone {
		// Keep key‖prefix strictly below the modulus.
		key[0] &^= 0x80
	}

	rsaInput := make([]byte, 0, hybridKeyLen+split)
	rsaInput = append(rsaInput, key[:]...)
	rsaInput = append(rsaInput, plaintext[:split]...)

	rsaPart, err := rsaEncryptDirect(pub, rsaInput, pad)
	if err != nil {
		return nil, err
	}

	rest := plaintext[split:]
	aesPart := make([]byte, len(rest))
	if len(rest) > 0 {
		stream, err := newCTRFromKey(key[:])
		if err != nil {
			return nil, err
		}
		stream.XORKeyStream(aesPart, rest)
	}

	out := make([]byte, 0, len(rsaPart)+len(aesPart))
	out = append(out, rsaPart...)
	out = append(out, aesPart...)
	return out, nil
}

// HybridDecrypt is the inverse of HybridEncrypt for a given modulus size and
// padding. Since the ciphertext carries no framing indicating which branch
// was used, callers must know the expected plaintext length class (the
// circuit engine always knows: CREATE payloads are always hybrid-encoded
// 128-byte DH public values, which never fit directly under OAEP at the
// 1024-bit modulus size used here). Raw RSA with PaddingNone carries no
// length, so a directly encrypted plaintext comes back with its leading
// zero bytes stripped.
func HybridDecrypt(priv *rsa.PrivateKey, ciphertext []byte, pad Padding, hybrid bool) ([]byte, error) {
	modLen := (priv.N.BitLen() + 7) / 8
	if !hybrid {
		plain, err := rsaDecryptDirect(priv, ciphertext, pad)
		if err != nil || pad != PaddingNone {
			return plain, err
		}
		return bytes.TrimLeft(plain, "\x00"), nil
	}
	if len(ciphertext) < modLen {
		return nil, fmt.Errorf("cryptoprim: hybrid ciphertext shorter than modulus")
	}
	rsaPart := ciphertext[:modLen]
	aesPart := ciphertext[modLen:]

	plain, err := rsaDecryptDirect(priv, rsaPart, pad)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: hybrid rsa part: %w", err)
	}
	if len(plain) < hybridKeyLen {
		return nil, fmt.Errorf("cryptoprim: hybrid rsa part too short")
	}
	key := plain[:hybridKeyLen]
	prefix := plain[hybridKeyLen:]

	rest := make([]byte, len(aesPart))
	if len(aesPart) > 0 {
		stream, err := newCTRFromKey(key)
		if err != nil {
			return nil, err
		}
		stream.XORKeyStream(rest, aesPart)
	}

	out := make([]byte, 0, len(prefix)+len(rest))
	out = append(out, prefix...)
	out = append(out, rest...)
	return out, nil
}

func rsaEncryptDirect(pub *rsa.PublicKey, data []byte, pad Padding) ([]byte, error) {
	switch pad {
	case PaddingOAEP:
		return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, data, nil)
	case PaddingPKCS1v15:
		return rsa.EncryptPKCS1v15(rand.Reader, pub, data)
	default:
		return rsaNoPaddingEncrypt(pub, data)
	}
}

func rsaDecryptDirect(priv *rsa.PrivateKey, data []byte, pad Padding) ([]byte, error) {
	switch pad {
	case PaddingOAEP:
		return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, data, nil)
	case PaddingPKCS1v15:
		return rsa.DecryptPKCS1v15(rand.Reader, priv, data)
	default:
		return rsaNoPaddingDecrypt(priv, data)
	}
}

func newCTRFromKey(key []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: aes key: %w", err)
	}
	var iv [aes.BlockSize]byte
	return cipher.NewCTR(block, iv[:]), nil
}
