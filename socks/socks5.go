package socks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
)

// handleSocks5 runs the version/method negotiation then parses the CONNECT
// request. BIND and UDP-ASSOCIATE are parsed enough to reply
// replyCmdNotSupported without touching any circuit or stream.
func (s *Server) handleSocks5(br *bufio.Reader, conn net.Conn) (ConnectRequest, func(byte), error) {
	reply := func(code byte) { sendReply5(conn, code) }

	if err := doHandshake5(br, conn); err != nil {
		return ConnectRequest{}, reply, err
	}

	req, err := readConnect5(br, conn)
	if err != nil {
		return ConnectRequest{}, reply, err
	}
	return req, reply, nil
}

func doHandshake5(br *bufio.Reader, conn net.Conn) error {
	var hdr [2]byte
	if _, err := fullRead(br, hdr[:]); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if hdr[0] != 0x05 {
		return fmt.Errorf("unsupported SOCKS version: %d", hdr[0])
	}
	nMethods := int(hdr[1])
	if nMethods == 0 {
		return fmt.Errorf("no methods offered")
	}
	methods := make([]byte, nMethods)
	if _, err := fullRead(br, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	found := false
	for _, m := range methods {
		if m == 0x00 {
			found = true
			break
		}
	}
	if !found {
		_, _ = conn.Write([]byte{0x05, 0xFF})
		return fmt.Errorf("client does not offer no-auth method")
	}

	_, err := conn.Write([]byte{0x05, 0x00})
	return err
}

func readConnect5(br *bufio.Reader, conn net.Conn) (ConnectRequest, error) {
	var hdr [4]byte
	if _, err := fullRead(br, hdr[:]); err != nil {
		return ConnectRequest{}, fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != 0x05 {
		return ConnectRequest{}, fmt.Errorf("bad version: %d", hdr[0])
	}

	var host string
	switch hdr[3] {
	case 0x01: // IPv4
		var addr [4]byte
		if _, err := fullRead(br, addr[:]); err != nil {
			return ConnectRequest{}, err
		}
		host = net.IP(addr[:]).String()
	case 0x03: // Domain name
		var lenBuf [1]byte
		if _, err := fullRead(br, lenBuf[:]); err != nil {
			return ConnectRequest{}, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := fullRead(br, domain); err != nil {
			return ConnectRequest{}, err
		}
		if len(domain) == 0 {
			return ConnectRequest{}, fmt.Errorf("empty domain name")
		}
		host = string(domain)
	case 0x04: // IPv6
		var addr [16]byte
		_, _ = fullRead(br, addr[:])
		var portBuf [2]byte
		_, _ = fullRead(br, portBuf[:])
		sendReply5(conn, replyAddrNotSupported)
		return ConnectRequest{}, fmt.Errorf("IPv6 not supported")
	default:
		return ConnectRequest{}, fmt.Errorf("unknown address type: %d", hdr[3])
	}

	var portBuf [2]byte
	if _, err := fullRead(br, portBuf[:]); err != nil {
		return ConnectRequest{}, err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	if hdr[1] != 0x01 { // not CONNECT
		sendReply5(conn, replyCmdNotSupported)
		return ConnectRequest{}, fmt.Errorf("unsupported command: %d", hdr[1])
	}

	plainHost, nickname := parseExitTarget(host)
	return ConnectRequest{Host: plainHost, Port: port, ExitNickname: nickname}, nil
}

func sendReply5(conn net.Conn, rep byte) {
	// VER(1) REP(1) RSV(1) ATYP(1) BND.ADDR(4) BND.PORT(2)
	reply := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(reply)
}
