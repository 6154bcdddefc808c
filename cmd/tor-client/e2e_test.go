package main

import (
	"bufio"
	"context"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // wire identity digest, not a security boundary here
	"crypto/x509"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ortelay/core/circuit"
	"github.com/ortelay/core/cryptoprim"
	"github.com/ortelay/core/link"
	"github.com/ortelay/core/scheduler"
	"github.com/ortelay/core/socks"
	"github.com/ortelay/core/stream"
)

// testRelay is one in-process hop: its own link manager, circuit table, and
// scheduler, listening on a loopback TCP+TLS socket exactly like a real OR
// port. Three of these chained together (guard/middle/exit) exercise the
// full origin-to-exit cell path without any real network dependency.
type testRelay struct {
	addr     string
	identity [20]byte
	pub      *rsa.PublicKey
	sched    *scheduler.Scheduler
}

func startTestRelay(t *testing.T, dispatch scheduler.RelayDispatcher) *testRelay {
	t.Helper()

	onionPriv, err := cryptoprim.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate onion key: %v", err)
	}
	cert, err := link.GenerateSelfSignedCert(onionPriv)
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&onionPriv.PublicKey)
	if err != nil {
		t.Fatalf("marshal pubkey: %v", err)
	}
	identity := sha1.Sum(pubDER)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	mgr := link.NewManager(identity, link.BandwidthLimits{}, nil)
	table := circuit.NewTable()
	sched := scheduler.New(mgr, table, onionPriv, dispatch, nil)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			l, err := link.Accept(conn, cert, nil)
			if err != nil {
				continue
			}
			if err := mgr.Adopt(l); err != nil {
				continue
			}
			go func() { _ = sched.Serve(context.Background(), l) }()
		}
	}()

	return &testRelay{addr: ln.Addr().String(), identity: identity, pub: &onionPriv.PublicKey, sched: sched}
}

// startEchoServer is the plaintext destination the exit relay connects
// outbound to on behalf of the client's stream.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// TestOriginToExitRoundTrip builds a 3-hop circuit across three in-process
// relays, opens a stream through the exit to a local echo server via the
// SOCKS5 front door, and confirms data written on the client side comes
// back unchanged.
func TestOriginToExitRoundTrip(t *testing.T) {
	echoAddr := startEchoServer(t)

	exitRelay := startTestRelay(t, nil)
	exitMuxer := stream.NewMuxer(exitRelay.sched)
	exitRelay.sched.Dispatch = exitMuxer
	exitMuxer.Accept = func(circ *circuit.Circuit, streamID uint16, target string) (bool, uint8) {
		conn, err := net.Dial("tcp", target)
		if err != nil {
			return false, stream.ReasonConnectRefused
		}
		s := exitMuxer.Accepted(circ, streamID)
		go func() {
			defer func() { _ = conn.Close() }()
			_, _ = io.Copy(conn, s)
		}()
		go func() {
			defer func() { _ = s.Close() }()
			_, _ = io.Copy(s, conn)
		}()
		return true, 0
	}

	middleRelay := startTestRelay(t, nil)
	guardRelay := startTestRelay(t, nil)

	clientMgr := link.NewManager([20]byte{}, link.BandwidthLimits{}, nil)
	clientTable := circuit.NewTable()
	clientSched := scheduler.New(clientMgr, clientTable, nil, nil, nil)
	clientMuxer := stream.NewMuxer(clientSched)
	clientSched.Dispatch = clientMuxer

	guardLink, err := clientMgr.GetOrConnect(guardRelay.addr, guardRelay.identity, true)
	if err != nil {
		t.Fatalf("dial guard: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	circ, err := clientSched.BeginFirstHop(ctx, guardLink, guardRelay.identity, guardRelay.pub, true)
	if err != nil {
		t.Fatalf("begin first hop: %v", err)
	}

	middleIP, middlePort := splitHostPortT(t, middleRelay.addr)
	if err := clientSched.ExtendCircuit(ctx, circ, middleIP, middlePort, middleRelay.identity, middleRelay.pub); err != nil {
		t.Fatalf("extend to middle: %v", err)
	}

	exitIP, exitPort := splitHostPortT(t, exitRelay.addr)
	if err := clientSched.ExtendCircuit(ctx, circ, exitIP, exitPort, exitRelay.identity, exitRelay.pub); err != nil {
		t.Fatalf("extend to exit: %v", err)
	}

	if circ.HopCount() != 3 {
		t.Fatalf("hop count = %d, want 3", circ.HopCount())
	}
	hopIndex := circ.HopCount() - 1

	socksLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen socks: %v", err)
	}
	srv := &socks.Server{
		Muxer: clientMuxer,
		GetCirc: func(req socks.ConnectRequest) (*circuit.Circuit, *link.Link, int, error) {
			return circ, guardLink, hopIndex, nil
		},
	}
	go func() { _ = srv.Serve(socksLn) }()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := net.Dial("tcp", socksLn.Addr().String())
	if err != nil {
		t.Fatalf("dial socks: %v", err)
	}
	defer func() { _ = conn.Close() }()

	br := driveSocks5Connect(t, conn, echoAddr)

	payload := []byte("hello through three hops")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("echo = %q, want %q", got, payload)
	}
}

func splitHostPortT(t *testing.T, addr string) (net.IP, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	ip, err := resolveHost(host)
	if err != nil {
		t.Fatalf("resolve %s: %v", host, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return ip, uint16(port)
}

// driveSocks5Connect performs the client half of a SOCKS5 no-auth CONNECT
// handshake for dest ("host:port"), failing the test on any protocol error,
// and returns the buffered reader the caller must keep reading replies from
// (a fresh reader could swallow bytes already buffered past the reply).
func driveSocks5Connect(t *testing.T, conn net.Conn, dest string) *bufio.Reader {
	t.Helper()
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	br := bufio.NewReader(conn)
	method := make([]byte, 2)
	if _, err := io.ReadFull(br, method); err != nil {
		t.Fatalf("read method select: %v", err)
	}
	if method[1] != 0x00 {
		t.Fatalf("server rejected no-auth: %x", method)
	}

	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		t.Fatalf("split dest: %v", err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatalf("parse dest port: %v", err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, []byte(host)...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(br, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("connect rejected: reply code 0x%02x", reply[1])
	}
	return br
}
