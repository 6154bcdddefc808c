// Package cell implements the fixed-size framing unit exchanged over an
// OR-to-OR link, plus the relay sub-frame carried inside RELAY cells.
package cell

import "encoding/binary"

// Command constants for the 1-byte cell command field.
const (
	CmdPadding     uint8 = 0
	CmdCreate      uint8 = 1
	CmdCreated     uint8 = 2
	CmdRelay       uint8 = 3
	CmdDestroy     uint8 = 4
	CmdCreateFast  uint8 = 5
	CmdCreatedFast uint8 = 6
	CmdVersions    uint8 = 7
	CmdNetInfo     uint8 = 8
	CmdRelayEarly  uint8 = 9
)

const (
	// CircIDLen is the width of the circuit_id field on every cell.
	CircIDLen = 2
	// PayloadLen is the payload carried by a fixed-size cell.
	PayloadLen = 509
	// FixedCellLen is the total wire size of a fixed-size cell:
	// 2-byte circuit_id + 1-byte command + 509-byte payload.
	FixedCellLen = CircIDLen + 1 + PayloadLen
	// MaxVarPayloadLen bounds the VERSIONS exception cell's payload.
	MaxVarPayloadLen = 10000
)

// IsVariableLength reports whether cmd uses the VERSIONS-style
// circuit_id(2) ∥ command(1) ∥ length(2) ∥ payload framing instead of the
// fixed 512-byte frame. VERSIONS is the only variable-length command this
// core speaks; later link-protocol negotiation cells are out of scope.
func IsVariableLength(cmd uint8) bool {
	return cmd == CmdVersions
}

// Cell is a wire-format cell backed by a byte slice. Fixed cells are always
// exactly FixedCellLen bytes; VERSIONS cells are 5+len(payload) bytes.
type Cell []byte

// NewFixedCell allocates a zeroed 512-byte cell with the given circuit_id
// and command. The caller fills in the payload.
func NewFixedCell(circID uint16, cmd uint8) Cell {
	c := make(Cell, FixedCellLen)
	binary.BigEndian.PutUint16(c[0:2], circID)
	c[2] = cmd
	return c
}

// NewVersionsCell builds the VERSIONS exception cell, which always carries
// circuit_id=0 regardless of any circuit-ID half-space allocation.
func NewVersionsCell(versions []uint16) Cell {
	payload := make([]byte, 2*len(versions))
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
	c := make(Cell, 5+len(payload))
	c[0], c[1] = 0, 0
	c[2] = CmdVersions
	binary.BigEndian.PutUint16(c[3:5], uint16(len(payload)))
	copy(c[5:], payload)
	return c
}

// CircID returns the 2-byte circuit_id. Not valid on a VERSIONS cell.
func (c Cell) CircID() uint16 {
	return binary.BigEndian.Uint16(c[0:2])
}

// Command returns the 1-byte command field.
func (c Cell) Command() uint8 {
	return c[2]
}

// Payload returns the 509-byte payload of a fixed-size cell.
func (c Cell) Payload() []byte {
	return c[3:FixedCellLen]
}

// relay payload sub-frame offsets:
// relay_command(1) recognized(2) stream_id(2) digest(4) length(2) data(498).
const (
	RelayCmdOff    = 0
	RecognizedOff  = 1
	StreamIDOff    = 3
	DigestOff      = 5
	RelayLenOff    = 9
	RelayDataOff   = 11
	RelayHeaderLen = RelayDataOff
	MaxRelayData   = PayloadLen - RelayHeaderLen // 498
)

// Relay command taxonomy carried in a RELAY/RELAY_EARLY cell's payload.
const (
	RelayBegin     uint8 = 1
	RelayData      uint8 = 2
	RelayEnd       uint8 = 3
	RelayConnected uint8 = 4
	RelaySendme    uint8 = 5
	RelayExtend    uint8 = 6
	RelayExtended  uint8 = 7
	RelayTruncate  uint8 = 8
	RelayTruncated uint8 = 9
	RelayDrop      uint8 = 10
	RelayResolve   uint8 = 11
	RelayResolved  uint8 = 12
	RelayBeginDir  uint8 = 13
)

// RelayPayload is a relay sub-frame view over a cell's whole 509-byte
// payload: an 11-byte header followed by up to 498 bytes of data.
type RelayPayload []byte

// NewRelayPayload allocates a zeroed 509-byte relay payload with the given
// relay command, stream id and data. The digest field is left zero; callers
// fill it in once the rolling digest is known (see the circuit package).
func NewRelayPayload(relayCmd uint8, streamID uint16, data []byte) RelayPayload {
	if len(data) > MaxRelayData {
		panic("cell: relay data exceeds 498 bytes")
	}
	p := make(RelayPayload, PayloadLen)
	p[RelayCmdOff] = relayCmd
	binary.BigEndian.PutUint16(p[StreamIDOff:], streamID)
	binary.BigEndian.PutUint16(p[RelayLenOff:], uint16(len(data)))
	copy(p[RelayDataOff:], data)
	return p
}

func (p RelayPayload) RelayCommand() uint8 { return p[RelayCmdOff] }

func (p RelayPayload) Recognized() uint16 {
	return binary.BigEndian.Uint16(p[RecognizedOff:])
}

func (p RelayPayload) StreamID() uint16 {
	return binary.BigEndian.Uint16(p[StreamIDOff:])
}

func (p RelayPayload) Digest() [4]byte {
	var d [4]byte
	copy(d[:], p[DigestOff:DigestOff+4])
	return d
}

func (p RelayPayload) SetDigest(d [4]byte) {
	copy(p[DigestOff:DigestOff+4], d[:])
}

// ZeroDigest clears the digest field in place, as required before hashing.
func (p RelayPayload) ZeroDigest() {
	for i := DigestOff; i < DigestOff+4; i++ {
		p[i] = 0
	}
}

func (p RelayPayload) Length() uint16 {
	return binary.BigEndian.Uint16(p[RelayLenOff:])
}

// Data returns the length-prefixed data, not the zero-padded tail.
func (p RelayPayload) Data() []byte {
	n := p.Length()
	if int(n) > MaxRelayData {
		n = MaxRelayData
	}
	return p[RelayDataOff : RelayDataOff+int(n)]
}

// ValidLength reports whether the declared length fits the 498-byte budget.
// A length of 0 is legal (used by DROP keepalives); a length of 499 or more
// is a protocol violation.
func (p RelayPayload) ValidLength() bool {
	return int(p.Length()) <= MaxRelayData
}
