package cryptoprim

import (
	"bytes"
	"testing"
)

func TestDHRoundTrip(t *testing.T) {
	a, err := NewDH()
	if err != nil {
		t.Fatalf("NewDH: %v", err)
	}
	b, err := NewDH()
	if err != nil {
		t.Fatalf("NewDH: %v", err)
	}
	sharedA := a.Compute(b.Public())
	sharedB := b.Compute(a.Public())
	if sharedA != sharedB {
		t.Fatal("shared secrets disagree")
	}
}

func TestKDFPrefixStable(t *testing.T) {
	secret := []byte("shared secret material")
	short, err := KDF(secret, 20)
	if err != nil {
		t.Fatalf("KDF: %v", err)
	}
	long, err := KDF(secret, 72)
	if err != nil {
		t.Fatalf("KDF: %v", err)
	}
	if !bytes.Equal(short, long[:20]) {
		t.Fatal("kdf output is not prefix-stable")
	}
}

func TestKDFTooLong(t *testing.T) {
	if _, err := KDF([]byte("x"), 255*20+1); err == nil {
		t.Fatal("expected error for oversized KDF request")
	}
}

func TestHybridEncryptRoundTrip(t *testing.T) {
	key, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}

	cases := []struct {
		name  string
		pad   Padding
		force bool
		msg   []byte
	}{
		{"oaep-direct", PaddingOAEP, false, bytes.Repeat([]byte{0xAB}, 40)},
		{"pkcs1-direct", PaddingPKCS1v15, false, bytes.Repeat([]byte{0xCD}, 60)},
		{"none-direct", PaddingNone, false, bytes.Repeat([]byte{0x11}, 100)},
		{"oaep-hybrid-forced", PaddingOAEP, true, bytes.Repeat([]byte{0x42}, 128)},
		{"oaep-hybrid-large", PaddingOAEP, false, bytes.Repeat([]byte{0x99}, 1000)},
		{"none-hybrid-large", PaddingNone, false, bytes.Repeat([]byte{0x77}, 500)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ct, err := HybridEncrypt(&key.PublicKey, tc.msg, tc.pad, tc.force)
			if err != nil {
				t.Fatalf("HybridEncrypt: %v", err)
			}
			modLen := (key.PublicKey.N.BitLen() + 7) / 8
			hybrid := tc.force || len(tc.msg)+overheadFor(tc.pad) > modLen
			pt, err := HybridDecrypt(key, ct, tc.pad, hybrid)
			if err != nil {
				t.Fatalf("HybridDecrypt: %v", err)
			}
			if !bytes.Equal(pt, tc.msg) {
				t.Fatalf("round trip mismatch: got %x want %x", pt, tc.msg)
			}
		})
	}
}

func TestSeekableCTRForwardBackward(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 16)
	enc, err := NewSeekableCTR(key)
	if err != nil {
		t.Fatalf("NewSeekableCTR: %v", err)
	}
	plaintext := bytes.Repeat([]byte{0xAA}, 64)
	ciphertext := make([]byte, len(plaintext))
	enc.XORKeyStream(ciphertext, plaintext)

	dec, err := NewSeekableCTR(key)
	if err != nil {
		t.Fatalf("NewSeekableCTR: %v", err)
	}
	got := make([]byte, len(ciphertext))
	dec.XORKeyStream(got, ciphertext)
	if !bytes.Equal(got, plaintext) {
		t.Fatal("ctr round trip mismatch")
	}

	// Seek back to the start and re-decrypt the first block.
	dec.SetCounter(0)
	again := make([]byte, 16)
	dec.XORKeyStream(again, ciphertext[:16])
	if !bytes.Equal(again, plaintext[:16]) {
		t.Fatal("seek-to-zero re-decrypt mismatch")
	}
}
