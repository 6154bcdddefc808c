package cell

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader reads cells from a buffered byte stream, distinguishing the fixed
// 512-byte frame from the VERSIONS variable-length exception.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r}
}

// ReadCell reads one cell. It reads the 3-byte header first and checks its
// 3rd byte (the command) before deciding which framing applies to the rest,
// per the detection rule in §4.B.
func (cr *Reader) ReadCell() (Cell, error) {
	hdr := make([]byte, 3)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read cell header: %w", err)
	}
	cmd := hdr[2]

	if IsVariableLength(cmd) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read varlen length: %w", err)
		}
		pLen := binary.BigEndian.Uint16(lenBuf[:])
		if int(pLen) > MaxVarPayloadLen {
			return nil, fmt.Errorf("variable-length cell payload too large: %d bytes (max %d)", pLen, MaxVarPayloadLen)
		}
		c := make(Cell, 5+int(pLen))
		copy(c[0:3], hdr)
		copy(c[3:5], lenBuf[:])
		if pLen > 0 {
			if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
				return nil, fmt.Errorf("read varlen payload: %w", err)
			}
		}
		return c, nil
	}

	c := make(Cell, FixedCellLen)
	copy(c[0:3], hdr)
	if _, err := io.ReadFull(cr.r, c[3:]); err != nil {
		return nil, fmt.Errorf("read fixed payload: %w", err)
	}
	return c, nil
}

// ParseVersions extracts version numbers from a VERSIONS cell's payload.
func ParseVersions(c Cell) []uint16 {
	payload := c[5:]
	n := len(payload) / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return versions
}

// Writer writes cells to a byte stream.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (cw *Writer) WriteCell(c Cell) error {
	_, err := cw.w.Write(c)
	return err
}
