package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// SeekableCTR wraps AES-CTR with an explicit, adjustable 64-bit block
// counter, so a receiver can re-synchronize a keyed stream after a
// back-pressure stall instead of only ever advancing it. The standard
// library's cipher.Stream has no way to read or rewind its internal
// counter, so this type keeps the counter itself and rebuilds the
// underlying stream whenever it's set or adjusted.
type SeekableCTR struct {
	block   cipher.Block
	counter uint64
	stream  cipher.Stream
}

// NewSeekableCTR creates a counter-mode stream keyed by key, starting at
// counter 0 (the all-zero IV).
func NewSeekableCTR(key []byte) (*SeekableCTR, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprim: seekable ctr: %w", err)
	}
	s := &SeekableCTR{block: block}
	s.rebuild()
	return s, nil
}

func (s *SeekableCTR) rebuild() {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[8:], s.counter)
	s.stream = cipher.NewCTR(s.block, iv[:])
}

// Counter returns the current block counter.
func (s *SeekableCTR) Counter() uint64 { return s.counter }

// SetCounter moves the stream to an absolute block counter.
func (s *SeekableCTR) SetCounter(c uint64) {
	s.counter = c
	s.rebuild()
}

// Adjust moves the stream counter forward or backward by delta blocks.
func (s *SeekableCTR) Adjust(delta int64) {
	s.counter = uint64(int64(s.counter) + delta)
	s.rebuild()
}

// XORKeyStream encrypts/decrypts src into dst and advances the counter by
// the number of blocks src spans, a trailing partial block counting as a
// whole one.
func (s *SeekableCTR) XORKeyStream(dst, src []byte) {
	s.stream.XORKeyStream(dst, src)
	s.counter += uint64(len(src)) / aes.BlockSize
	if len(src)%aes.BlockSize != 0 {
		s.counter++
	}
}
