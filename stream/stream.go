// Package stream multiplexes per-circuit byte streams (the net.Conn-like
// surface SOCKS serves out of) on top of the circuit package's relay-cell
// engine, wired in as a scheduler.RelayDispatcher so cells decrypted and
// recognized at a circuit's terminus land on the right Stream.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ortelay/core/cell"
	"github.com/ortelay/core/circuit"
	"github.com/ortelay/core/link"
	"github.com/ortelay/core/scheduler"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

// nextStreamID is a global atomic counter for stream ID allocation.
var nextStreamID atomic.Uint32

func init() {
	nextStreamID.Store(1)
}

// BeginTimeout bounds how long Begin waits for RELAY_CONNECTED/RELAY_END.
const BeginTimeout = 30 * time.Second

// RejectedError reports a RELAY_END that answered a RELAY_BEGIN before any
// data flowed, carrying the reason byte the exit attached so a caller (the
// socks package, in particular) can translate it into its own failure code.
type RejectedError struct {
	Reason uint8
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("stream: rejected: RELAY_END reason=%d", e.Reason)
}

type streamKey struct {
	circ *circuit.Circuit
	id   uint16
}

type pendingBegin struct {
	replies chan beginReply
}

type beginReply struct {
	connected bool
	reason    uint8
}

// Muxer is the scheduler.RelayDispatcher that routes relay cells recognized
// at a circuit's origin (or exit, for an inbound RELAY_BEGIN) to the
// per-stream state that knows what to do with them.
type Muxer struct {
	sched *scheduler.Scheduler

	mu       sync.Mutex
	streams  map[streamKey]*Stream
	pendings map[streamKey]*pendingBegin

	// Accept, when set, is called for a RELAY_BEGIN cell recognized at an
	// exit circuit this process owns; a pure client leaves it nil, since a
	// client never plays an exit role.
	Accept func(circ *circuit.Circuit, streamID uint16, target string) (connected bool, reason uint8)
}

// NewMuxer creates a stream multiplexer bound to sched. Register the
// returned Muxer as sched.Dispatch before any circuit carries traffic.
func NewMuxer(sched *scheduler.Scheduler) *Muxer {
	return &Muxer{
		sched:    sched,
		streams:  make(map[streamKey]*Stream),
		pendings: make(map[streamKey]*pendingBegin),
	}
}

// HandleRelay implements scheduler.RelayDispatcher.
func (m *Muxer) HandleRelay(c *circuit.Circuit, hopIndex int, relayCmd uint8, streamID uint16, data []byte) {
	key := streamKey{circ: c, id: streamID}

	switch relayCmd {
	case cell.RelayConnected:
		m.deliverBegin(key, beginReply{connected: true})
	case cell.RelayEnd:
		reason := uint8(0)
		if len(data) > 0 {
			reason = data[0]
		}
		if m.deliverBegin(key, beginReply{reason: reason}) {
			return
		}
		m.mu.Lock()
		s, ok := m.streams[key]
		m.mu.Unlock()
		if ok {
			s.markEOF()
		}
	case cell.RelayBegin:
		m.handleIncomingBegin(c, streamID, data)
	case cell.RelayData:
		m.mu.Lock()
		s, ok := m.streams[key]
		m.mu.Unlock()
		if !ok {
			return
		}
		s.deliverData(data)
	case cell.RelaySendme:
		m.mu.Lock()
		s, ok := m.streams[key]
		m.mu.Unlock()
		if ok {
			s.creditSend()
		}
	default:
	}
}

func (m *Muxer) deliverBegin(key streamKey, reply beginReply) bool {
	m.mu.Lock()
	pb, ok := m.pendings[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	pb.replies <- reply
	return true
}

func (m *Muxer) handleIncomingBegin(c *circuit.Circuit, streamID uint16, data []byte) {
	if m.Accept == nil {
		_, _ = c.OriginateInbound(cell.RelayEnd, streamID, []byte{ReasonDone})
		return
	}
	target := parseBeginTarget(data)
	connected, reason := m.Accept(c, streamID, target)
	if !connected {
		out, err := c.OriginateInbound(cell.RelayEnd, streamID, []byte{reason})
		if err == nil {
			_ = m.sched.Manager.SendCell(c.PrevLink, out)
		}
		return
	}
	out, err := c.OriginateInbound(cell.RelayConnected, streamID, nil)
	if err == nil {
		_ = m.sched.Manager.SendCell(c.PrevLink, out)
	}
}

func parseBeginTarget(payload []byte) string {
	for i, b := range payload {
		if b == 0 {
			return string(payload[:i])
		}
	}
	return string(payload)
}

// Begin opens a new stream to target (host:port) through circ, addressed
// at hopIndex (ordinarily the last hop, the exit). It sends RELAY_BEGIN and
// blocks for RELAY_CONNECTED or RELAY_END.
func (m *Muxer) Begin(ctx context.Context, circ *circuit.Circuit, guardLink *link.Link, hopIndex int, target string) (*Stream, error) {
	id := allocateStreamID()

	payload := make([]byte, len(target)+1+4)
	copy(payload, target)

	out, err := circ.SendRelay(hopIndex, cell.RelayBegin, id, payload)
	if err != nil {
		return nil, fmt.Errorf("stream: begin: %w", err)
	}

	key := streamKey{circ: circ, id: id}
	pb := &pendingBegin{replies: make(chan beginReply, 1)}
	m.mu.Lock()
	m.pendings[key] = pb
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pendings, key)
		m.mu.Unlock()
	}()

	if err := m.sched.Manager.SendCell(guardLink, out); err != nil {
		return nil, fmt.Errorf("stream: begin: send: %w", err)
	}

	select {
	case reply := <-pb.replies:
		if !reply.connected {
			return nil, &RejectedError{Reason: reply.reason}
		}
		s := &Stream{
			id:           id,
			circ:         circ,
			hopIndex:     hopIndex,
			guardLink:    guardLink,
			mux:          m,
			incoming:     make(chan []byte, 16),
			streamWindow: initStreamWindow,
		}
		m.mu.Lock()
		m.streams[key] = s
		m.mu.Unlock()
		circ.AttachStream(id)
		return s, nil
	case <-time.After(BeginTimeout):
		return nil, fmt.Errorf("stream: begin: timed out waiting for CONNECTED")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accepted wraps an exit-side stream already answered by the Muxer's
// Accept callback, for local read/write against the freshly-dialed
// destination connection. Unlike Begin, no RELAY_BEGIN is sent since this
// stream answers one.
func (m *Muxer) Accepted(circ *circuit.Circuit, streamID uint16) *Stream {
	key := streamKey{circ: circ, id: streamID}
	s := &Stream{
		id:           streamID,
		circ:         circ,
		mux:          m,
		incoming:     make(chan []byte, 16),
		streamWindow: initStreamWindow,
		exitRole:     true,
	}
	m.mu.Lock()
	m.streams[key] = s
	m.mu.Unlock()
	circ.AttachStream(streamID)
	return s
}

func allocateStreamID() uint16 {
	for {
		raw := nextStreamID.Add(1) - 1
		id := uint16(raw)
		if id != 0 {
			return id
		}
	}
}

// Stream is one Tor stream multiplexed over a circuit: an
// io.ReadWriteCloser backed by RELAY_DATA cells instead of a socket.
type Stream struct {
	id        uint16
	circ      *circuit.Circuit
	hopIndex  int
	guardLink *link.Link
	mux       *Muxer
	exitRole  bool // true if this stream answers a RELAY_BEGIN rather than originating one

	incoming chan []byte
	buf      []byte

	mu           sync.Mutex
	closed       bool
	streamWindow int
	dataReceived int
}

// ID returns the stream's circuit-local identifier.
func (s *Stream) ID() uint16 { return s.id }

func (s *Stream) markEOF() {
	close(s.incoming)
}

func (s *Stream) deliverData(data []byte) {
	s.incoming <- append([]byte(nil), data...)
}

func (s *Stream) creditSend() {
	s.mu.Lock()
	s.streamWindow += streamSendmeWindow
	s.mu.Unlock()
}

func (s *Stream) sendLink() *link.Link {
	if s.exitRole {
		return s.circ.PrevLink
	}
	return s.guardLink
}

// buildRelay builds one relay cell addressed to this stream: an origin
// stream layers it through SendRelay at hopIndex, while an exit-role
// stream (no cpath to layer through) originates it directly with
// OriginateInbound.
func (s *Stream) buildRelay(relayCmd uint8, data []byte) (cell.Cell, error) {
	if s.exitRole {
		return s.circ.OriginateInbound(relayCmd, s.id, data)
	}
	return s.circ.SendRelay(s.hopIndex, relayCmd, s.id, data)
}

// Write sends data as RELAY_DATA cells, chunked to the 498-byte relay
// payload budget and gated by the stream-level send window.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("stream: closed")
	}
	s.mu.Unlock()

	total := 0
	for len(p) > 0 {
		s.mu.Lock()
		for s.streamWindow <= 0 && !s.closed {
			s.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			s.mu.Lock()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return total, fmt.Errorf("stream: closed")
		}

		chunk := p
		if len(chunk) > cell.MaxRelayData {
			chunk = p[:cell.MaxRelayData]
		}

		out, err := s.buildRelay(cell.RelayData, chunk)
		if err != nil {
			return total, fmt.Errorf("stream: send relay_data: %w", err)
		}
		if err := s.mux.sched.Manager.SendCell(s.sendLink(), out); err != nil {
			return total, fmt.Errorf("stream: send cell: %w", err)
		}

		s.mu.Lock()
		s.streamWindow--
		s.mu.Unlock()
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read returns buffered RELAY_DATA payloads, blocking until some arrive or
// the stream reaches EOF (a RELAY_END from the peer). Close does not
// unblock a Read that is already waiting.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	data, ok := <-s.incoming
	if !ok {
		return 0, io.EOF
	}
	s.accountDataReceived()

	n := copy(p, data)
	if n < len(data) {
		s.buf = append(s.buf, data[n:]...)
	}
	return n, nil
}

func (s *Stream) accountDataReceived() {
	s.mu.Lock()
	s.dataReceived++
	due := s.dataReceived >= streamSendmeWindow
	if due {
		s.dataReceived = 0
	}
	s.mu.Unlock()
	if due {
		s.sendStreamSendme()
	}
}

func (s *Stream) sendStreamSendme() {
	out, err := s.buildRelay(cell.RelaySendme, nil)
	if err != nil {
		return
	}
	_ = s.mux.sched.Manager.SendCell(s.sendLink(), out)
}

// Close sends RELAY_END and detaches the stream from its circuit.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.circ.DetachStream(s.id)
	out, err := s.buildRelay(cell.RelayEnd, []byte{ReasonDone})
	if err != nil {
		return fmt.Errorf("stream: close: %w", err)
	}
	return s.mux.sched.Manager.SendCell(s.sendLink(), out)
}
