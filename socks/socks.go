// Package socks implements the client-facing ingestion half of the stream
// multiplexer: a SOCKS4/4a/5 proxy that hands each accepted connection off
// to a stream opened over a Tor circuit.
package socks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ortelay/core/circuit"
	"github.com/ortelay/core/link"
	"github.com/ortelay/core/stream"
)

const maxConns = 256

// Generic reply codes passed to a version-specific reply closure, using the
// SOCKS5 REP byte values; handleSocks4's closure maps them down to SOCKS4's
// granted/rejected pair since SOCKS4 has no finer-grained failure codes.
const (
	replySuccess         = 0x00
	replyGeneralFailure  = 0x01
	replyNotAllowed      = 0x02
	replyNetUnreachable  = 0x03
	replyHostUnreachable = 0x04
	replyConnRefused     = 0x05
	replyTTLExpired      = 0x06
	replyCmdNotSupported = 0x07
	replyAddrNotSupported = 0x08
)

// ConnectRequest describes a parsed client request, independent of which
// SOCKS version carried it.
type ConnectRequest struct {
	Host string
	Port uint16
	// ExitNickname is set when the requested hostname (SOCKS4a or SOCKS5)
	// carries the ".exit" suffix convention. A SOCKS4 userid is read and
	// discarded; it is not searched for the suffix.
	ExitNickname string
}

// OnionHandler is called when a .onion address is requested. It should
// establish the full onion service connection and return a ReadWriteCloser
// for bidirectional data relay.
type OnionHandler func(onionAddr string, port uint16) (io.ReadWriteCloser, error)

// CircuitPicker returns the circuit (and the wire link/hop index to address
// its exit-bound relay cells to) that a stream for req should ride.
type CircuitPicker func(req ConnectRequest) (circ *circuit.Circuit, guardLink *link.Link, hopIndex int, err error)

// Server is a SOCKS4/4a/5 proxy server that routes traffic through Tor
// circuits.
type Server struct {
	Addr         string
	Muxer        *stream.Muxer
	GetCirc      CircuitPicker
	OnionHandler OnionHandler // Optional handler for .onion addresses
	Logger       *slog.Logger
	ln           net.Listener
	sem          chan struct{}
}

// ListenAndServe starts the SOCKS server.
func (s *Server) ListenAndServe() error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("SOCKS server must bind to loopback address, got %s", host)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on the given listener. Unlike ListenAndServe,
// this allows the caller to create the listener first and know the exact
// address before serving begins.
func (s *Server) Serve(ln net.Listener) error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok && !tcpAddr.IP.IsLoopback() {
		return fmt.Errorf("SOCKS server must bind to loopback address, got %s", tcpAddr.IP)
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("SOCKS server listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Close stops the SOCKS server.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(2 * time.Minute))

	br := bufio.NewReader(conn)
	version, err := br.Peek(1)
	if err != nil {
		s.Logger.Debug("read version byte failed", "error", err)
		return
	}

	var req ConnectRequest
	var reply func(code byte)

	switch version[0] {
	case 0x04:
		req, reply, err = s.handleSocks4(br, conn)
	case 0x05:
		req, reply, err = s.handleSocks5(br, conn)
	default:
		s.Logger.Debug("unsupported SOCKS version", "version", version[0])
		return
	}
	if err != nil {
		s.Logger.Debug("request parse failed", "error", err)
		return
	}

	s.Logger.Info("SOCKS CONNECT", "host", req.Host, "port", req.Port)

	if strings.HasSuffix(strings.ToLower(req.Host), ".onion") && s.OnionHandler != nil {
		s.handleOnion(conn, reply, req.Host, req.Port)
		return
	}

	if s.GetCirc == nil {
		reply(replyGeneralFailure)
		return
	}
	circ, guardLink, hopIndex, err := s.GetCirc(req)
	if err != nil {
		s.Logger.Error("get circuit failed", "error", err)
		reply(replyGeneralFailure)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stream.BeginTimeout)
	defer cancel()

	target := net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))
	torStream, err := s.Muxer.Begin(ctx, circ, guardLink, hopIndex, target)
	if err != nil {
		s.Logger.Error("stream begin failed", "error", err)
		reply(reasonToReplyCode(err))
		return
	}
	defer func() { _ = torStream.Close() }()

	reply(replySuccess)

	_ = conn.SetDeadline(time.Time{})
	relay(conn, torStream)
}

func (s *Server) handleOnion(conn net.Conn, reply func(byte), onionAddr string, port uint16) {
	s.Logger.Info("SOCKS .onion CONNECT")

	rwc, err := s.OnionHandler(onionAddr, port)
	if err != nil {
		s.Logger.Error("onion connect failed", "error", err)
		reply(replyHostUnreachable)
		return
	}
	defer func() { _ = rwc.Close() }()

	reply(replySuccess)
	_ = conn.SetDeadline(time.Time{})
	relay(conn, rwc)
}

func relay(conn net.Conn, rwc io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(rwc, conn)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, rwc)
	}()
	wg.Wait()
}

// parseExitTarget splits the ".exit"-suffixed hostname convention
// (host.nickname.exit) into the plain host and the requested exit
// nickname, leaving host unchanged if the suffix isn't present.
func parseExitTarget(host string) (plainHost, nickname string) {
	if !strings.HasSuffix(strings.ToLower(host), ".exit") {
		return host, ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host, ""
	}
	nickname = labels[len(labels)-2]
	plainHost = strings.Join(labels[:len(labels)-2], ".")
	if plainHost == "" {
		plainHost = nickname
		nickname = ""
	}
	return plainHost, nickname
}

func reasonToReplyCode(err error) byte {
	var rej *stream.RejectedError
	if !asRejected(err, &rej) {
		return replyGeneralFailure
	}
	switch rej.Reason {
	case stream.ReasonResolveFailed:
		return replyHostUnreachable
	case stream.ReasonConnectRefused:
		return replyConnRefused
	case stream.ReasonExitPolicy:
		return replyNotAllowed
	case stream.ReasonNoRoute:
		return replyNetUnreachable
	case stream.ReasonTimeout:
		return replyTTLExpired
	default:
		return replyGeneralFailure
	}
}

func asRejected(err error, target **stream.RejectedError) bool {
	rej, ok := err.(*stream.RejectedError)
	if !ok {
		return false
	}
	*target = rej
	return true
}
