package scheduler

import (
	"context"
	"crypto/sha1" //nolint:gosec // wire identity digest, not a security boundary here
	"crypto/x509"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ortelay/core/cell"
	"github.com/ortelay/core/circuit"
	"github.com/ortelay/core/cryptoprim"
	"github.com/ortelay/core/link"
)

// captureDispatch records every relay cell handed to it, for assertions.
type captureDispatch struct {
	mu   sync.Mutex
	seen []string
}

func (d *captureDispatch) HandleRelay(c *circuit.Circuit, hopIndex int, relayCmd uint8, streamID uint16, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, string(data))
}

func (d *captureDispatch) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seen...)
}

// startRelay spins up a one-shot TCP+TLS acceptor acting as a relay under
// its own scheduler, returning its listen address and identity digest.
func startRelay(t *testing.T, dispatch RelayDispatcher) (addr string, identity [20]byte, sched *Scheduler) {
	t.Helper()

	onionPriv, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate onion key: %v", err)
	}
	cert, err := link.GenerateSelfSignedCert(onionPriv)
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		t.Fatalf("marshal pubkey: %v", err)
	}
	identity = sha1.Sum(pubDER)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	mgr := link.NewManager([20]byte{}, link.BandwidthLimits{}, nil)
	table := circuit.NewTable()
	sched = New(mgr, table, onionPriv, dispatch, nil)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		l, err := link.Accept(conn, cert, nil)
		if err != nil {
			return
		}
		if err := mgr.Adopt(l); err != nil {
			return
		}
		sched.ensureServing(context.Background(), l)
	}()

	return ln.Addr().String(), identity, sched
}

func TestSchedulerFirstHopCreateFastAndRelayData(t *testing.T) {
	dispatch := &captureDispatch{}
	addr, identity, _ := startRelay(t, dispatch)

	clientMgr := link.NewManager([20]byte{}, link.BandwidthLimits{}, nil)
	clientTable := circuit.NewTable()
	clientSched := New(clientMgr, clientTable, nil, nil, nil)

	guardLink, err := clientMgr.GetOrConnect(addr, identity, true)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	circ, err := clientSched.BeginFirstHop(ctx, guardLink, identity, nil, true)
	if err != nil {
		t.Fatalf("begin first hop: %v", err)
	}
	if circ.HopCount() != 1 {
		t.Fatalf("hop count = %d, want 1", circ.HopCount())
	}
	if circ.GuardLink != guardLink {
		t.Fatal("circuit guard link not set to the dialed link")
	}

	relayCell, err := circ.SendRelay(0, cell.RelayData, 1, []byte("hello relay"))
	if err != nil {
		t.Fatalf("send relay: %v", err)
	}
	if err := clientMgr.SendCell(guardLink, relayCell); err != nil {
		t.Fatalf("send cell: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(dispatch.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := dispatch.snapshot()
	if len(got) != 1 || got[0] != "hello relay" {
		t.Fatalf("dispatch saw %v, want [\"hello relay\"]", got)
	}
}
