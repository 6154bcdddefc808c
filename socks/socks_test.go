package socks

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
)

func TestDoHandshake5Valid(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- doHandshake5(bufio.NewReader(server), server)
	}()

	client.Write([]byte{0x05, 0x01, 0x00})

	buf := make([]byte, 2)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if buf[0] != 0x05 || buf[1] != 0x00 {
		t.Fatalf("unexpected response: %x", buf)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
}

func TestDoHandshake5NoAuthNotOffered(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- doHandshake5(bufio.NewReader(server), server)
	}()

	client.Write([]byte{0x05, 0x01, 0x02})

	buf := make([]byte, 2)
	io.ReadFull(client, buf)
	if buf[1] != 0xFF {
		t.Fatalf("expected 0xFF rejection, got %x", buf[1])
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected error for missing no-auth method")
	}
}

func TestReadConnect5Domain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		req ConnectRequest
		err error
	}
	ch := make(chan result, 1)
	go func() {
		req, err := readConnect5(bufio.NewReader(server), server)
		ch <- result{req, err}
	}()

	domain := []byte("example.com")
	msg := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	msg = append(msg, domain...)
	msg = append(msg, 0x00, 0x50) // port 80
	client.Write(msg)

	r := <-ch
	if r.err != nil {
		t.Fatalf("readConnect5 failed: %v", r.err)
	}
	if r.req.Host != "example.com" || r.req.Port != 80 {
		t.Fatalf("got %+v, want example.com:80", r.req)
	}
}

func TestReadConnect5IPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		req ConnectRequest
		err error
	}
	ch := make(chan result, 1)
	go func() {
		req, err := readConnect5(bufio.NewReader(server), server)
		ch <- result{req, err}
	}()

	msg := []byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x01, 0xBB}
	client.Write(msg)

	r := <-ch
	if r.err != nil {
		t.Fatalf("readConnect5 failed: %v", r.err)
	}
	if r.req.Host != "1.2.3.4" || r.req.Port != 443 {
		t.Fatalf("got %+v, want 1.2.3.4:443", r.req)
	}
}

func TestReadConnect5IPv6Rejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		req ConnectRequest
		err error
	}
	ch := make(chan result, 1)
	go func() {
		req, err := readConnect5(bufio.NewReader(server), server)
		ch <- result{req, err}
	}()

	go func() {
		msg := []byte{0x05, 0x01, 0x00, 0x04}
		msg = append(msg, make([]byte, 18)...) // 16 addr + 2 port
		client.Write(msg)
	}()

	buf := make([]byte, 10)
	io.ReadFull(client, buf)
	if buf[1] != 0x08 {
		t.Fatalf("expected reply 0x08, got %x", buf[1])
	}

	r := <-ch
	if r.err == nil {
		t.Fatal("expected error for IPv6")
	}
}

func TestReadConnect5UnsupportedCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		req ConnectRequest
		err error
	}
	ch := make(chan result, 1)
	go func() {
		req, err := readConnect5(bufio.NewReader(server), server)
		ch <- result{req, err}
	}()

	go func() {
		msg := []byte{0x05, 0x02, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50} // BIND
		client.Write(msg)
	}()

	buf := make([]byte, 10)
	io.ReadFull(client, buf)
	if buf[1] != 0x07 {
		t.Fatalf("expected reply 0x07, got %x", buf[1])
	}

	r := <-ch
	if r.err == nil {
		t.Fatal("expected error for BIND command")
	}
}

func TestReadConnect5EmptyDomain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ch := make(chan error, 1)
	go func() {
		_, err := readConnect5(bufio.NewReader(server), server)
		ch <- err
	}()

	go func() {
		msg := []byte{0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50}
		client.Write(msg)
	}()

	if err := <-ch; err == nil {
		t.Fatal("expected error for empty domain")
	}
}

func TestSendReply5(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go sendReply5(server, 0x00)

	buf := make([]byte, 10)
	n, _ := io.ReadFull(client, buf)
	if n != 10 {
		t.Fatalf("expected 10 bytes, got %d", n)
	}
	expected := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf, expected) {
		t.Fatalf("got %x, want %x", buf, expected)
	}
}

func TestSocks4Connect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &Server{}
	type result struct {
		req ConnectRequest
		err error
	}
	ch := make(chan result, 1)
	go func() {
		req, _, err := s.handleSocks4(bufio.NewReader(server), server)
		ch <- result{req, err}
	}()

	msg := []byte{0x04, 0x01, 0x01, 0xBB, 1, 2, 3, 4, 'r', 'o', 'o', 't', 0x00}
	client.Write(msg)

	r := <-ch
	if r.err != nil {
		t.Fatalf("handleSocks4 failed: %v", r.err)
	}
	if r.req.Host != "1.2.3.4" || r.req.Port != 443 {
		t.Fatalf("got %+v, want 1.2.3.4:443", r.req)
	}
}

func TestSocks4aConnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &Server{}
	type result struct {
		req ConnectRequest
		err error
	}
	ch := make(chan result, 1)
	go func() {
		req, _, err := s.handleSocks4(bufio.NewReader(server), server)
		ch <- result{req, err}
	}()

	msg := []byte{0x04, 0x01, 0x00, 0x50, 0, 0, 0, 1, 'u', 's', 'e', 'r', 0x00}
	msg = append(msg, []byte("example.com")...)
	msg = append(msg, 0x00)
	client.Write(msg)

	r := <-ch
	if r.err != nil {
		t.Fatalf("handleSocks4 (4a) failed: %v", r.err)
	}
	if r.req.Host != "example.com" || r.req.Port != 80 {
		t.Fatalf("got %+v, want example.com:80", r.req)
	}
}

func TestSocks4BindRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := &Server{}
	ch := make(chan error, 1)
	go func() {
		_, reply, err := s.handleSocks4(bufio.NewReader(server), server)
		if err != nil {
			_ = reply
		}
		ch <- err
	}()

	msg := []byte{0x04, 0x02, 0x01, 0xBB, 1, 2, 3, 4, 0x00}
	client.Write(msg)

	buf := make([]byte, 8)
	io.ReadFull(client, buf)
	if buf[1] != socks4Rejected {
		t.Fatalf("expected rejected reply, got %x", buf[1])
	}
	if err := <-ch; err == nil {
		t.Fatal("expected error for unsupported socks4 command")
	}
}

func TestParseExitTarget(t *testing.T) {
	tests := []struct {
		in, wantHost, wantNick string
	}{
		{"example.com", "example.com", ""},
		{"example.com.relaynick.exit", "example.com", "relaynick"},
		{"abc.onion", "abc.onion", ""},
	}
	for _, tt := range tests {
		host, nick := parseExitTarget(tt.in)
		if host != tt.wantHost || nick != tt.wantNick {
			t.Errorf("parseExitTarget(%q) = (%q, %q), want (%q, %q)", tt.in, host, nick, tt.wantHost, tt.wantNick)
		}
	}
}

func TestListenNonLoopbackRejected(t *testing.T) {
	s := &Server{Addr: "0.0.0.0:9050"}
	err := s.ListenAndServe()
	if err == nil {
		s.Close()
		t.Fatal("expected error for non-loopback address")
	}
}

func TestHandleConnNoCircuitPicker(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := &Server{Logger: slog.Default()}

	done := make(chan struct{})
	go func() {
		s.handleConn(server)
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	buf := make([]byte, 2)
	io.ReadFull(client, buf)

	domain := []byte("example.com")
	msg := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	msg = append(msg, domain...)
	msg = append(msg, 0x00, 0x50)
	client.Write(msg)

	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	if reply[1] != replyGeneralFailure {
		t.Fatalf("expected reply 0x01 (general failure), got 0x%02x", reply[1])
	}

	<-done
}

func TestServerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{ln: ln}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.Close() // second close should not panic
}

func TestHandleOnionRouting(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	onionClient, onionServer := net.Pipe()
	defer onionClient.Close()

	s := &Server{
		OnionHandler: func(addr string, port uint16) (io.ReadWriteCloser, error) {
			if addr != "test.onion" {
				t.Errorf("unexpected addr: %s", addr)
			}
			if port != 80 {
				t.Errorf("unexpected port: %d", port)
			}
			return onionServer, nil
		},
		Logger: slog.Default(),
	}

	done := make(chan struct{})
	go func() {
		s.handleConn(server)
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	buf := make([]byte, 2)
	io.ReadFull(client, buf)

	domain := []byte("test.onion")
	msg := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	msg = append(msg, domain...)
	msg = append(msg, 0x00, 0x50)
	client.Write(msg)

	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	if reply[1] != 0x00 {
		t.Fatalf("expected success reply, got 0x%02x", reply[1])
	}

	go func() {
		onionClient.Write([]byte("hello from onion"))
		onionClient.Close()
	}()

	data := make([]byte, 100)
	n, _ := client.Read(data)
	if string(data[:n]) != "hello from onion" {
		t.Fatalf("got %q, want %q", data[:n], "hello from onion")
	}

	client.Close()
	<-done
}
