package socks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
)

// SOCKS4 reply codes (VN byte is always 0).
const (
	socks4Granted  = 0x5A
	socks4Rejected = 0x5B
)

// handleSocks4 parses a SOCKS4/4a CONNECT request. SOCKS4a is detected by
// the "invalid" DSTIP convention (0.0.0.x, x != 0): the real destination
// host follows the null-terminated userid as a second null-terminated
// string. BIND (CD=2) is parsed but always rejected, since this proxy only
// ever originates outbound streams.
func (s *Server) handleSocks4(br *bufio.Reader, conn net.Conn) (ConnectRequest, func(byte), error) {
	reply := func(code byte) {
		out := byte(socks4Rejected)
		if code == replySuccess {
			out = socks4Granted
		}
		sendReply4(conn, out, 0, [4]byte{})
	}

	var hdr [8]byte
	if _, err := fullRead(br, hdr[:]); err != nil {
		return ConnectRequest{}, reply, fmt.Errorf("read socks4 header: %w", err)
	}
	cmd := hdr[1]
	port := binary.BigEndian.Uint16(hdr[2:4])
	dstIP := hdr[4:8]

	if _, err := readNullTerminated(br); err != nil { // USERID, discarded
		return ConnectRequest{}, reply, fmt.Errorf("read socks4 userid: %w", err)
	}

	var host string
	if dstIP[0] == 0 && dstIP[1] == 0 && dstIP[2] == 0 && dstIP[3] != 0 {
		domain, err := readNullTerminated(br)
		if err != nil {
			return ConnectRequest{}, reply, fmt.Errorf("read socks4a domain: %w", err)
		}
		if len(domain) == 0 {
			return ConnectRequest{}, reply, fmt.Errorf("empty socks4a domain")
		}
		host = string(domain)
	} else {
		host = net.IP(dstIP).String()
	}

	if cmd != 0x01 {
		reply(socks4Rejected)
		return ConnectRequest{}, reply, fmt.Errorf("unsupported socks4 command: %d", cmd)
	}

	plainHost, nickname := parseExitTarget(host)
	return ConnectRequest{Host: plainHost, Port: port, ExitNickname: nickname}, reply, nil
}

func sendReply4(conn net.Conn, code byte, port uint16, addr [4]byte) {
	reply := make([]byte, 8)
	reply[0] = 0x00
	reply[1] = code
	binary.BigEndian.PutUint16(reply[2:4], port)
	copy(reply[4:8], addr[:])
	_, _ = conn.Write(reply)
}

func readNullTerminated(br *bufio.Reader) ([]byte, error) {
	s, err := br.ReadBytes(0x00)
	if err != nil {
		return nil, err
	}
	return s[:len(s)-1], nil
}

func fullRead(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := br.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
