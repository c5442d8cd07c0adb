package client

import (
	"bufio"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/htun/htun/config"
	"github.com/htun/htun/queue"
)

// fakeConn is a minimal net.Conn whose Write always fails with a fixed
// error, used to exercise sendFrames' error classification without a real
// socket. Only Write is ever called on it by the code under test.
type fakeConn struct {
	net.Conn
	writeErr error
	writes   [][]byte
}

func (f *fakeConn) Write(b []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	cp := append([]byte(nil), b...)
	f.writes = append(f.writes, cp)
	return len(b), nil
}

func newTestClient() *Client {
	return New(Config{ClientConfig: config.DefaultClientConfig()}, nil)
}

func TestWriteRequestLineKeepAlive(t *testing.T) {
	c := newTestClient()
	c.cfg.ServerHost = "example.org"

	server, client := net.Pipe()
	defer client.Close()

	go func() {
		c.writeRequestLine(server, 80, "S", 5, true)
		server.Close()
	}()

	out, err := io.ReadAll(client)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	got := string(out)
	want := "POST http://example.org:80/S HTTP/1.0\r\nConnection: Keep-Alive\r\nContent-Length: 5\r\n\r\n"
	if got != want {
		t.Fatalf("unexpected request line:\ngot  %q\nwant %q", got, want)
	}
}

func TestWriteRequestLineProxyAuth(t *testing.T) {
	c := newTestClient()
	c.cfg.ServerHost = "example.org"
	c.cfg.ProxyUser = "alice"
	c.cfg.ProxyPass = "secret"

	server, client := net.Pipe()
	defer client.Close()

	go func() {
		c.writeRequestLine(server, 80, "F", 2, false)
		server.Close()
	}()

	out, err := io.ReadAll(client)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	want := "POST http://example.org:80/F HTTP/1.0\r\n" +
		"Proxy-Authorization: Basic YWxpY2U6c2VjcmV0\r\n" +
		"Connection: Close\r\nContent-Length: 2\r\n\r\n"
	if string(out) != want {
		t.Fatalf("unexpected request line:\ngot  %q\nwant %q", string(out), want)
	}
}

func TestSendFramesDrainsQueueInOrder(t *testing.T) {
	q := queue.New(0)
	q.Add(nil, []byte("aa"), false, false)
	q.Add(nil, []byte("bbb"), false, false)

	server, client := net.Pipe()
	defer client.Close()

	go func() {
		sendFrames(server, q)
		server.Close()
	}()

	out, err := io.ReadAll(client)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if string(out) != "aabbb" {
		t.Fatalf("expected frames sent in FIFO order, got %q", string(out))
	}
	if nodes, _ := q.Len(); nodes != 0 {
		t.Fatalf("expected queue drained, %d nodes remain", nodes)
	}
}

func TestSendFramesPushesBackAndAbortsOnPeerReset(t *testing.T) {
	q := queue.New(0)
	q.Add(nil, []byte("aa"), false, false)
	q.Add(nil, []byte("bbb"), false, false)

	fc := &fakeConn{writeErr: syscall.ECONNRESET}
	err := sendFrames(fc, q)
	if err == nil {
		t.Fatal("expected error on peer reset")
	}
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected ECONNRESET, got %v", err)
	}
	nodes, bytes := q.Len()
	if nodes != 2 || bytes != 5 {
		t.Fatalf("expected the in-flight packet pushed back ahead of the unsent one, got %d nodes %d bytes", nodes, bytes)
	}
	pkt, ok := q.Remove(false, 0)
	if !ok || string(pkt) != "aa" {
		t.Fatalf("expected pushed-back packet to be the one in flight, got %q ok=%v", pkt, ok)
	}
}

func TestSendFramesDropsPacketOnOtherErrors(t *testing.T) {
	q := queue.New(0)
	q.Add(nil, []byte("aa"), false, false)
	q.Add(nil, []byte("bbb"), false, false)

	fc := &fakeConn{writeErr: errors.New("some transient write error")}
	if err := sendFrames(fc, q); err != nil {
		t.Fatalf("expected non-reset write errors to be swallowed, got %v", err)
	}
	if nodes, bytes := q.Len(); nodes != 0 || bytes != 0 {
		t.Fatalf("expected both packets dropped (not pushed back), got %d nodes %d bytes", nodes, bytes)
	}
}

func TestRecvFramesNoContentIsNoop(t *testing.T) {
	q := queue.New(0)
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		io.WriteString(client, "HTTP/1.0 204 No Content\r\n\r\n")
		client.Close()
	}()

	r := bufio.NewReader(server)
	if err := recvFrames(r, q); err != nil {
		t.Fatal(err)
	}
	if nodes, _ := q.Len(); nodes != 0 {
		t.Fatalf("expected nothing queued on 204, got %d nodes", nodes)
	}
}

func TestRecvFramesEnqueuesBodyFrames(t *testing.T) {
	q := queue.New(0)
	frame := fakeIPv4Frame(24)
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		io.WriteString(client, "HTTP/1.0 200 OK\r\nContent-Length: ")
		io.WriteString(client, itoa(len(frame)))
		io.WriteString(client, "\r\n\r\n")
		client.Write(frame)
		client.Close()
	}()

	r := bufio.NewReader(server)
	if err := recvFrames(r, q); err != nil {
		t.Fatal(err)
	}
	nodes, bytes := q.Len()
	if nodes != 1 || bytes != len(frame) {
		t.Fatalf("expected 1 frame of %d bytes queued, got %d frames %d bytes", len(frame), nodes, bytes)
	}
}

func fakeIPv4Frame(totalLen int) []byte {
	b := make([]byte, totalLen)
	b[0] = 0x45
	b[2] = byte(totalLen >> 8)
	b[3] = byte(totalLen)
	return b
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
