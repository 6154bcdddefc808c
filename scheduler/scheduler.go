// Package scheduler is the event-loop glue between the link and circuit
// packages: one reader goroutine per OR-link dispatches incoming cells by
// circuit role, bridges the otherwise-blocking circuit-build calls
// (BeginExtend/CompleteExtend, first-hop CREATE) across that asynchronous
// read path, and runs the periodic sweep (idle-link expiry, deliver-window
// SENDME) that keeps a long-lived process healthy without a caller driving
// it by hand.
package scheduler

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ortelay/core/cell"
	"github.com/ortelay/core/circuit"
	"github.com/ortelay/core/link"
	"github.com/ortelay/core/relayerr"
)

// SweepInterval is how often the periodic task loop checks for idle links
// and circuits owed a SENDME.
const SweepInterval = 10 * time.Second

// RelayDispatcher receives relay cells the scheduler has decrypted and
// recognized at their final destination: RELAY_DATA and the stream-control
// commands (BEGIN/END/CONNECTED/...) at an origin circuit's cpath, or at an
// exit circuit's local termination. The stream package implements this to
// multiplex per-circuit byte streams on top of the circuit engine.
type RelayDispatcher interface {
	HandleRelay(c *circuit.Circuit, hopIndex int, relayCmd uint8, streamID uint16, data []byte)
}

type extendReply struct {
	data []byte
	err  error
}

// pendingExtend is how BeginFirstHop/ExtendCircuit hand a reply, received
// asynchronously on a link's reader goroutine, back to the blocked builder
// call that is waiting on it.
type pendingExtend struct {
	replies chan extendReply
}

type pendingKey struct {
	l      *link.Link
	circID uint16
}

// Scheduler owns the process-wide link manager and circuit table and
// drives every cell that arrives on any link this process has open.
type Scheduler struct {
	Manager  *link.Manager
	Table    *circuit.Table
	Logger   *slog.Logger
	Dispatch RelayDispatcher

	// OnionPriv, when non-nil, lets this process answer CREATE/CREATE_FAST
	// cells as a relay (guard/middle/exit role). A pure client leaves this
	// nil and only ever originates circuits.
	OnionPriv *rsa.PrivateKey

	mu        sync.Mutex
	serving   map[*link.Link]bool
	pending   map[pendingKey]*pendingExtend
	firstHops map[pendingKey]*pendingExtend
}

// New creates a Scheduler over an already-constructed manager and table.
// dispatch may be nil until the stream layer is wired in, in which case
// relay cells recognized at a circuit's terminus are silently dropped.
func New(mgr *link.Manager, table *circuit.Table, onionPriv *rsa.PrivateKey, dispatch RelayDispatcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Manager:   mgr,
		Table:     table,
		Logger:    logger,
		Dispatch:  dispatch,
		OnionPriv: onionPriv,
		serving:   make(map[*link.Link]bool),
		pending:   make(map[pendingKey]*pendingExtend),
		firstHops: make(map[pendingKey]*pendingExtend),
	}
}

// ensureServing starts Serve(l) exactly once per link, so callers (dialing
// code and the accept loop alike) never have to track which links already
// have a reader running.
func (s *Scheduler) ensureServing(ctx context.Context, l *link.Link) {
	s.mu.Lock()
	if s.serving[l] {
		s.mu.Unlock()
		return
	}
	s.serving[l] = true
	s.mu.Unlock()

	go func() {
		if err := s.Serve(ctx, l); err != nil {
			s.Logger.Warn("link serve loop exited", "peer", fmt.Sprintf("%x", l.PeerIdentity), "err", err)
		}
		s.mu.Lock()
		delete(s.serving, l)
		s.mu.Unlock()
	}()
}

// Serve is the sole reader of l: every cell arriving on this link passes
// through here before anything else touches it. It runs until the link
// closes or ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context, l *link.Link) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c, err := l.Reader.ReadCell()
		if err != nil {
			s.teardownLink(l)
			return fmt.Errorf("scheduler: read cell: %w", err)
		}
		s.dispatchCell(ctx, l, c)
	}
}

func (s *Scheduler) dispatchCell(ctx context.Context, l *link.Link, c cell.Cell) {
	switch c.Command() {
	case cell.CmdCreate, cell.CmdCreateFast:
		s.handleIncomingCreate(l, c)
	case cell.CmdRelay, cell.CmdRelayEarly:
		s.handleRelayCell(ctx, l, c)
	case cell.CmdDestroy:
		s.handleDestroy(l, c)
	case cell.CmdCreated, cell.CmdCreatedFast:
		s.deliverFirstHopReply(l, c)
	default:
		s.Logger.Debug("dropping unexpected cell", "cmd", c.Command())
	}
}

// handleIncomingCreate answers a CREATE/CREATE_FAST cell addressed to this
// process acting as a relay: it derives key material, registers a fresh
// relay-role circuit, and replies with CREATED/CREATED_FAST on the same
// link and circuit_id.
func (s *Scheduler) handleIncomingCreate(l *link.Link, c cell.Cell) {
	if s.OnionPriv == nil {
		s.Logger.Debug("CREATE received but this process has no onion key; dropping")
		return
	}
	circID := c.CircID()

	var createdPayload []byte
	var km *circuit.KeyMaterial
	var err error
	var replyCmd uint8
	if c.Command() == cell.CmdCreate {
		createdPayload, km, err = circuit.ServerHandshake(s.OnionPriv, c.Payload()[:circuit.CreatePayloadLen])
		replyCmd = cell.CmdCreated
	} else {
		createdPayload, km, err = circuit.ServerHandshakeFast(c.Payload()[:circuit.FastHandshakeLen])
		replyCmd = cell.CmdCreatedFast
	}
	if err != nil {
		s.Logger.Warn("create handshake failed", "err", err)
		_ = s.Manager.SendCell(l, cell.NewFixedCell(circID, cell.CmdDestroy))
		return
	}

	circ, err := circuit.NewRelayed(l, circID, km)
	km.Zero()
	if err != nil {
		s.Logger.Warn("relay circuit init failed", "err", err)
		return
	}
	s.Table.Register(l, circID, circ)

	out := cell.NewFixedCell(circID, replyCmd)
	copy(out.Payload(), createdPayload)
	if err := s.Manager.SendCell(l, out); err != nil {
		s.Logger.Warn("send created failed", "err", err)
	}
}

// handleRelayCell routes an incoming RELAY/RELAY_EARLY cell by which role
// this process plays on the circuit it addresses, and by which side of
// that circuit the link it arrived on is.
func (s *Scheduler) handleRelayCell(ctx context.Context, l *link.Link, c cell.Cell) {
	circID := c.CircID()
	circ, ok := s.Table.Lookup(l, circID)
	if !ok {
		s.Logger.Debug("relay cell for unknown circuit", "circ_id", circID)
		return
	}

	if circ.IsOrigin() {
		s.handleRelayAtOrigin(circ, c)
		return
	}
	if circ.HasNextLink() {
		s.handleRelayAtIntermediate(ctx, l, circ, c)
		return
	}
	s.handleRelayAtExit(circ, c)
}

func (s *Scheduler) handleRelayAtOrigin(circ *circuit.Circuit, c cell.Cell) {
	hopIndex, relayCmd, streamID, data, err := circ.ReceiveRelay(c)
	if err != nil {
		s.Logger.Debug("receive_relay failed", "err", err)
		return
	}

	switch {
	case relayCmd == cell.RelayExtended:
		s.resolvePending(circ, hopIndex, data, nil)
	case relayCmd == cell.RelayTruncated:
		circ.TruncateAt(hopIndex)
		s.resolvePending(circ, hopIndex, data, nil)
	case relayCmd == cell.RelaySendme && streamID == 0:
		// Circuit-level SENDME; a per-stream SENDME (streamID != 0) is the
		// stream layer's concern, not the circuit's, so it falls through to
		// Dispatch like any other stream-addressed cell.
		circ.CreditPackageWindow()
	default:
		if s.Dispatch != nil {
			s.Dispatch.HandleRelay(circ, hopIndex, relayCmd, streamID, data)
		}
	}

	if circ.NeedsSendme() {
		s.sendSendme(circ, hopIndex)
	}
}

func (s *Scheduler) sendSendme(circ *circuit.Circuit, hopIndex int) {
	out, err := circ.SendRelay(hopIndex, cell.RelaySendme, 0, nil)
	if err != nil {
		s.Logger.Warn("build sendme failed", "err", err)
		return
	}
	if err := s.Manager.SendCell(circ.GuardLink, out); err != nil {
		s.Logger.Warn("send sendme failed", "err", err)
	}
}

// handleRelayAtIntermediate peels this relay's own layer (cell arrived
// over PrevLink, bound outward) or adds its backward layer to a reply (cell
// arrived over NextLink, bound for the origin); RELAY_EXTEND/TRUNCATE at
// this relay's own layer are the two cases that need real handling rather
// than pure forwarding.
func (s *Scheduler) handleRelayAtIntermediate(ctx context.Context, arrivedOn *link.Link, circ *circuit.Circuit, c cell.Cell) {
	if arrivedOn == circ.NextLink {
		out, err := circ.ForwardInbound(c)
		if err != nil {
			s.Logger.Debug("forward_inbound failed", "err", err)
			return
		}
		_ = s.Manager.SendCell(circ.PrevLink, out)
		return
	}

	recognized, relayCmd, _, data, forward, err := circ.ForwardOutbound(c)
	if err != nil {
		s.Logger.Debug("forward_outbound failed", "err", err)
		return
	}
	if !recognized {
		_ = s.Manager.SendCell(circ.NextLink, forward)
		return
	}

	switch relayCmd {
	case cell.RelayExtend:
		go s.handleExtendAtRelay(ctx, circ, data)
	case cell.RelayTruncate:
		go s.handleTruncateAtRelay(circ)
	default:
		s.Logger.Debug("unexpected recognized relay command at intermediate hop", "cmd", relayCmd)
	}
}

// handleRelayAtExit is reached when this process is the circuit's final
// hop: every cell arrives over PrevLink, and a recognized cell is this
// circuit's entire traffic since there is no next layer to peel.
func (s *Scheduler) handleRelayAtExit(circ *circuit.Circuit, c cell.Cell) {
	recognized, relayCmd, streamID, data, forward, err := circ.ForwardOutbound(c)
	if err != nil {
		s.Logger.Debug("exit forward_outbound failed", "err", err)
		return
	}
	if !recognized {
		s.Logger.Debug("exit circuit cell not recognized and no next hop")
		return
	}
	_ = forward // always nil for an exit circuit; ForwardOutbound only builds it when NextLink is set

	if relayCmd == cell.RelayTruncate {
		go s.handleTruncateAtRelay(circ)
		return
	}
	if s.Dispatch != nil {
		s.Dispatch.HandleRelay(circ, 0, relayCmd, streamID, data)
	}
}

func (s *Scheduler) handleExtendAtRelay(ctx context.Context, circ *circuit.Circuit, extendData []byte) {
	createCell, nextLink, nextCircID, err := circ.HandleExtendAtRelay(s.Manager, extendData)
	if err != nil {
		s.Logger.Warn("handle_extend_at_relay failed", "err", err)
		return
	}
	s.ensureServing(ctx, nextLink)

	pe := &pendingExtend{replies: make(chan extendReply, 1)}
	key := pendingKey{l: nextLink, circID: nextCircID}
	s.mu.Lock()
	s.firstHops[key] = pe
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.firstHops, key)
		s.mu.Unlock()
	}()

	if err := s.Manager.SendCell(nextLink, createCell); err != nil {
		s.Logger.Warn("send create to next hop failed", "err", err)
		return
	}

	select {
	case reply := <-pe.replies:
		if reply.err != nil {
			s.Logger.Warn("next hop create failed", "err", reply.err)
			return
		}
		out, err := circ.CompleteExtendAtRelay(nextLink, nextCircID, reply.data)
		if err != nil {
			s.Logger.Warn("complete_extend_at_relay failed", "err", err)
			return
		}
		_ = s.Manager.SendCell(circ.PrevLink, out)
	case <-time.After(circuit.ExtendDeadline):
		s.Logger.Warn("extend at relay timed out")
	}
}

func (s *Scheduler) handleTruncateAtRelay(circ *circuit.Circuit) {
	destroyNext, nextLink, truncated, err := circ.HandleTruncateAtRelay(s.Manager)
	if err != nil {
		s.Logger.Warn("handle_truncate_at_relay failed", "err", err)
		return
	}
	if destroyNext != nil && nextLink != nil {
		_ = s.Manager.SendCell(nextLink, destroyNext)
	}
	_ = s.Manager.SendCell(circ.PrevLink, truncated)
}

func (s *Scheduler) handleDestroy(l *link.Link, c cell.Cell) {
	circ, ok := s.Table.Lookup(l, c.CircID())
	if !ok {
		return
	}
	circ.SetState(circuit.Closed)
	s.Table.Remove(l, c.CircID())
	l.MarkCircuitClosed()
}

// deliverFirstHopReply routes a CREATED/CREATED_FAST cell to whichever
// pending extend (first-hop build or relay-role extend) is waiting on this
// (link, circID) pair.
func (s *Scheduler) deliverFirstHopReply(l *link.Link, c cell.Cell) {
	key := pendingKey{l: l, circID: c.CircID()}
	s.mu.Lock()
	pe, ok := s.firstHops[key]
	s.mu.Unlock()
	if !ok {
		s.Logger.Debug("unsolicited CREATED cell", "circ_id", c.CircID())
		return
	}
	pe.replies <- extendReply{data: append([]byte(nil), c.Payload()...)}
}

// resolvePending delivers a RELAY_EXTENDED/RELAY_TRUNCATED payload to the
// BeginExtend/ExtendCircuit call blocked on this circuit's guard link and
// hop index.
func (s *Scheduler) resolvePending(circ *circuit.Circuit, hopIndex int, data []byte, err error) {
	key := pendingKey{l: circ.GuardLink, circID: uint16(hopIndex)}
	s.mu.Lock()
	pe, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	pe.replies <- extendReply{data: data, err: err}
}

// BeginFirstHop creates a fresh origin circuit's first hop over guardLink,
// blocking until CREATED/CREATED_FAST arrives or ctx is cancelled. fast
// selects CREATE_FAST over the full TAP handshake.
func (s *Scheduler) BeginFirstHop(ctx context.Context, guardLink *link.Link, identity [20]byte, onionPub *rsa.PublicKey, fast bool) (*circuit.Circuit, error) {
	s.ensureServing(ctx, guardLink)

	circID, err := s.Manager.AllocateCircID(guardLink)
	if err != nil {
		return nil, relayerr.New(relayerr.ResourceExhausted, relayerr.ReasonResourceLimit, err)
	}

	var createPayload []byte
	var fastHandshake *circuit.ClientFastHandshake
	var tapHandshake *circuit.ClientHandshake
	var createCmd uint8
	if fast {
		fastHandshake, createPayload, err = circuit.BuildCreateFast()
		createCmd = cell.CmdCreateFast
	} else {
		tapHandshake, createPayload, err = circuit.BuildCreate(onionPub)
		createCmd = cell.CmdCreate
	}
	if err != nil {
		s.Manager.ReleaseCircID(guardLink, circID)
		return nil, err
	}

	out := cell.NewFixedCell(circID, createCmd)
	copy(out.Payload(), createPayload)

	key := pendingKey{l: guardLink, circID: circID}
	pe := &pendingExtend{replies: make(chan extendReply, 1)}
	s.mu.Lock()
	s.firstHops[key] = pe
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.firstHops, key)
		s.mu.Unlock()
	}()

	if err := s.Manager.SendCell(guardLink, out); err != nil {
		s.Manager.ReleaseCircID(guardLink, circID)
		return nil, err
	}

	select {
	case reply := <-pe.replies:
		if reply.err != nil {
			return nil, reply.err
		}
		var km *circuit.KeyMaterial
		if fast {
			km, err = fastHandshake.Complete(reply.data)
		} else {
			km, err = tapHandshake.Complete(reply.data)
		}
		if err != nil {
			return nil, err
		}
		hs, err := circuit.NewHopState(guardLink.PeerAddr, 0, identity, km)
		km.Zero()
		if err != nil {
			return nil, err
		}
		circ := circuit.NewOrigin("general")
		circ.AppendHop(hs)
		circ.SetGuard(guardLink, circID)
		circ.SetState(circuit.Open)
		s.Table.Register(guardLink, circID, circ)
		return circ, nil
	case <-time.After(circuit.ExtendDeadline):
		s.Manager.ReleaseCircID(guardLink, circID)
		return nil, relayerr.New(relayerr.Timeout, relayerr.ReasonTimeout, fmt.Errorf("scheduler: first hop create timed out"))
	case <-ctx.Done():
		s.Manager.ReleaseCircID(guardLink, circID)
		return nil, ctx.Err()
	}
}

// ExtendCircuit grows circ by one hop through its current last hop,
// blocking until RELAY_EXTENDED arrives or the extend deadline passes.
func (s *Scheduler) ExtendCircuit(ctx context.Context, circ *circuit.Circuit, addr net.IP, port uint16, identity [20]byte, onionPub *rsa.PublicKey) error {
	out, pending, err := circ.BeginExtend(addr, port, identity, onionPub)
	if err != nil {
		return err
	}
	hopIndex := circ.HopCount() - 1

	key := pendingKey{l: circ.GuardLink, circID: uint16(hopIndex)}
	pe := &pendingExtend{replies: make(chan extendReply, 1)}
	s.mu.Lock()
	s.pending[key] = pe
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	if err := s.Manager.SendCell(circ.GuardLink, out); err != nil {
		return err
	}

	select {
	case reply := <-pe.replies:
		if reply.err != nil {
			return reply.err
		}
		return circ.CompleteExtend(pending, reply.data)
	case <-time.After(circuit.ExtendDeadline):
		return relayerr.New(relayerr.Timeout, relayerr.ReasonTimeout, fmt.Errorf("scheduler: extend timed out"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardownLink marks every circuit routed over a now-dead link Failed and
// drops it from the table; the link's own entries under every circuit ID
// it owned are removed one by one since Table indexes by (link, circID).
func (s *Scheduler) teardownLink(l *link.Link) {
	type victim struct {
		circ   *circuit.Circuit
		circID uint16
	}
	var victims []victim
	for _, circ := range s.Table.Circuits() {
		switch l {
		case circ.GuardLink:
			victims = append(victims, victim{circ, circ.GuardCircID})
		case circ.PrevLink:
			victims = append(victims, victim{circ, circ.PrevCircID})
		case circ.NextLink:
			victims = append(victims, victim{circ, circ.NextCircID})
		default:
			continue
		}
		circ.SetState(circuit.Failed)
	}
	for _, v := range victims {
		s.Table.Remove(l, v.circID)
	}
}

// Run starts the periodic sweep (idle-link expiry, deliver-window SENDME
// for circuits this process originated) and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				s.sweep()
			}
		}
	})
	return g.Wait()
}

func (s *Scheduler) sweep() {
	s.mu.Lock()
	byIdentity := make(map[[20]byte]*link.Link, len(s.serving))
	for l := range s.serving {
		byIdentity[l.PeerIdentity] = l
	}
	s.mu.Unlock()

	s.Manager.ExpireIdle(link.DefaultIdleWindow, func(peer [20]byte) int {
		l, ok := byIdentity[peer]
		if !ok {
			return 0
		}
		return s.Table.LiveCircuitCount(l)
	})

	for _, circ := range s.Table.Circuits() {
		if circ.IsOrigin() && circ.NeedsSendme() {
			s.sendSendme(circ, circ.HopCount()-1)
		}
	}
}
