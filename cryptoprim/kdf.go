package cryptoprim

import (
	"crypto/sha1" //nolint:gosec // mandated by the spec's legacy wire format
	"fmt"
)

const kdfMaxBytes = 255 * sha1.Size

// KDF implements the legacy Tor key derivation function:
// SHA1(secret‖0x00) ‖ SHA1(secret‖0x01) ‖ … truncated to want bytes.
func KDF(secret []byte, want int) ([]byte, error) {
	if want > kdfMaxBytes {
		return nil, fmt.Errorf("cryptoprim: kdf: want %d bytes exceeds max %d", want, kdfMaxBytes)
	}
	out := make([]byte, 0, want+sha1.Size)
	buf := make([]byte, len(secret)+1)
	copy(buf, secret)
	for i := 0; len(out) < want; i++ {
		buf[len(secret)] = byte(i)
		h := sha1.Sum(buf)
		out = append(out, h[:]...)
	}
	return out[:want], nil
}
