// Package link implements the OR-to-OR link: one TLS connection per peer
// relay, cell framing, and simple RSA-identity pinning (the peer's
// certified public key's SHA-1 digest is its identity — proof of key
// control, not membership in any trust anchor set).
package link

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // legacy wire identity digest
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/ortelay/core/cell"
)

// State is an OrLink's connection lifecycle state.
type State int

const (
	Connecting State = iota
	Handshaking
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Link is a TLS-protected duplex byte stream to one peer relay.
type Link struct {
	mu sync.Mutex

	conn    *tls.Conn
	Reader  *cell.Reader
	Writer  *cell.Writer
	Version uint16

	PeerIdentity [20]byte
	PeerAddr     string

	state          State
	createdAt      time.Time
	lastRead       time.Time
	lastWritten    time.Time
	lastCircClosed time.Time

	circIDs map[uint16]bool
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Handshake dials target, completes the TLS handshake, and pins the peer's
// identity. If haveExpect is set, a mismatch with expectIdentity is a fatal
// link error.
func Handshake(target string, expectIdentity [20]byte, haveExpect bool, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting", "addr", target)
	tcpConn, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("link: tcp dial: %w", err)
	}

	tlsConfig := &tls.Config{
		// Tor relays present self-signed certificates; identity is proven
		// by possession of the certified key, not by chain-of-trust.
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	}

	tlsConn := tls.Client(tcpConn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("link: tls handshake: %w", err)
	}

	identity, err := peerIdentity(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: %w", err)
	}
	if haveExpect && identity != expectIdentity {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: peer identity mismatch: got %x want %x", identity, expectIdentity)
	}
	logger.Debug("peer identity pinned", "identity", fmt.Sprintf("%x", identity))

	br := bufio.NewReader(tlsConn)
	cr := cell.NewReader(br)
	cw := cell.NewWriter(tlsConn)

	versionsCell := cell.NewVersionsCell([]uint16{1})
	if err := cw.WriteCell(versionsCell); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: send VERSIONS: %w", err)
	}
	peerVersions, err := cr.ReadCell()
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: read VERSIONS: %w", err)
	}
	versions := cell.ParseVersions(peerVersions)
	if !containsVersion(versions, 1) {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: no common link protocol version (peer offered %v)", versions)
	}

	if err := exchangeNetInfo(cr, cw, target); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: %w", err)
	}

	_ = tlsConn.SetDeadline(time.Time{})
	logger.Info("link established", "addr", target, "identity", fmt.Sprintf("%x", identity))

	now := time.Now()
	return &Link{
		conn:         tlsConn,
		Reader:       cr,
		Writer:       cw,
		Version:      1,
		PeerIdentity: identity,
		PeerAddr:     target,
		state:        Open,
		createdAt:    now,
		lastRead:     now,
		lastWritten:  now,
		circIDs:      make(map[uint16]bool),
	}, nil
}

// GenerateSelfSignedCert builds a minimal self-signed TLS certificate over
// identityKey, whose SHA-1 digest (per peerIdentity) becomes this relay's
// wire identity to anyone dialing in. Real Tor authenticates both link
// directions via CERTS cells; this core only needs the initiator to pin the
// responder (the CREATE payload is already encrypted under the target's
// known onion key from the router feed), so the accept side presents a
// certificate but never asks its caller for one.
func GenerateSelfSignedCert(identityKey *rsa.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("link: self-signed cert: serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &identityKey.PublicKey, identityKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("link: self-signed cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: identityKey}, nil
}

// Accept completes the responder side of the OR-link handshake over an
// already-accepted TCP connection: TLS server handshake under cert, then
// the same VERSIONS/NETINFO exchange Handshake performs, mirrored.
func Accept(conn net.Conn, cert tls.Certificate, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig := &tls.Config{
		Certificates:           []tls.Certificate{cert},
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	}
	tlsConn := tls.Server(conn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: accept: tls handshake: %w", err)
	}

	br := bufio.NewReader(tlsConn)
	cr := cell.NewReader(br)
	cw := cell.NewWriter(tlsConn)

	versionsCell := cell.NewVersionsCell([]uint16{1})
	if err := cw.WriteCell(versionsCell); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: accept: send VERSIONS: %w", err)
	}
	peerVersionsCell, err := cr.ReadCell()
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: accept: read VERSIONS: %w", err)
	}
	versions := cell.ParseVersions(peerVersionsCell)
	if !containsVersion(versions, 1) {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: accept: no common link protocol version (peer offered %v)", versions)
	}

	if err := sendNetInfoFirst(cr, cw); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("link: accept: %w", err)
	}

	_ = tlsConn.SetDeadline(time.Time{})
	logger.Info("link accepted", "addr", conn.RemoteAddr().String())

	now := time.Now()
	return &Link{
		conn:        tlsConn,
		Reader:      cr,
		Writer:      cw,
		Version:     1,
		PeerAddr:    conn.RemoteAddr().String(),
		state:       Open,
		createdAt:   now,
		lastRead:    now,
		lastWritten: now,
		circIDs:     make(map[uint16]bool),
	}, nil
}

// sendNetInfoFirst is the accepting side's half of the NETINFO exchange: it
// sends its own NETINFO immediately rather than waiting, the mirror image of
// exchangeNetInfo, so the two sides never both block reading. The accept
// side has no address to report for the still-anonymous remote end of a
// freshly-accepted net.Conn, so its NETINFO carries a zero address.
func sendNetInfoFirst(cr *cell.Reader, cw *cell.Writer) error {
	ours := cell.NewFixedCell(0, cell.CmdNetInfo)
	p := ours.Payload()
	p[4] = 0x04 // ATYPE IPv4
	p[5] = 0x04 // ALEN
	if err := cw.WriteCell(ours); err != nil {
		return fmt.Errorf("write NETINFO: %w", err)
	}

	peerCell, err := cr.ReadCell()
	if err != nil {
		return fmt.Errorf("read NETINFO: %w", err)
	}
	if peerCell.Command() != cell.CmdNetInfo {
		return fmt.Errorf("expected NETINFO, got command %d", peerCell.Command())
	}
	return nil
}

func containsVersion(versions []uint16, want uint16) bool {
	for _, v := range versions {
		if v == want {
			return true
		}
	}
	return false
}

// peerIdentity extracts the peer's certified public key from the TLS
// handshake and returns its SHA-1 digest.
func peerIdentity(conn *tls.Conn) ([20]byte, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return [20]byte{}, fmt.Errorf("no peer certificate presented")
	}
	pubKeyDER, err := x509.MarshalPKIXPublicKey(state.PeerCertificates[0].PublicKey)
	if err != nil {
		return [20]byte{}, fmt.Errorf("marshal peer public key: %w", err)
	}
	return sha1.Sum(pubKeyDER), nil
}

func exchangeNetInfo(cr *cell.Reader, cw *cell.Writer, peerAddr string) error {
	peerCell, err := cr.ReadCell()
	if err != nil {
		return fmt.Errorf("read NETINFO: %w", err)
	}
	if peerCell.Command() != cell.CmdNetInfo {
		return fmt.Errorf("expected NETINFO, got command %d", peerCell.Command())
	}

	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		return fmt.Errorf("parse peer addr: %w", err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return fmt.Errorf("peer address not IPv4: %s", host)
	}

	ours := cell.NewFixedCell(0, cell.CmdNetInfo)
	p := ours.Payload()
	// Timestamp left as zero to avoid clock-skew fingerprinting. The peer's
	// own NETINFO timestamp is not read; no skew estimate is made.
	p[4] = 0x04 // ATYPE IPv4
	p[5] = 0x04 // ALEN
	copy(p[6:10], ip)
	return cw.WriteCell(ours)
}

// SetDeadline sets an I/O deadline on the underlying TLS connection.
func (l *Link) SetDeadline(t time.Time) error {
	return l.conn.SetDeadline(t)
}

// Close closes the underlying TLS connection and marks the link Closing.
func (l *Link) Close() error {
	l.setState(Closing)
	return l.conn.Close()
}

// MarkCircuitClosed records the moment a circuit over this link closed, for
// idle-expiry accounting.
func (l *Link) MarkCircuitClosed() {
	l.mu.Lock()
	l.lastCircClosed = time.Now()
	l.mu.Unlock()
}

// IdleExpired reports whether the link has had no circuits for at least
// idleWindow and currently routes none.
func (l *Link) IdleExpired(idleWindow time.Duration, liveCircuits int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if liveCircuits > 0 {
		return false
	}
	if l.lastCircClosed.IsZero() {
		return time.Since(l.createdAt) > idleWindow
	}
	return time.Since(l.lastCircClosed) > idleWindow
}
