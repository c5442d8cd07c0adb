// Package client implements the htun client daemon: it negotiates a session
// with the server through an HTTP proxy, brings up a local TUN device, and
// shuttles frames between the two over one of the two wire protocols.
package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/htun/htun/config"
	"github.com/htun/htun/iprange"
	"github.com/htun/htun/queue"
	"github.com/htun/htun/tun"
	"github.com/htun/htun/wire"
)

// Config is the client's runtime configuration, built from config.ClientConfig
// plus the parsed client IP ranges this client advertises to the server.
type Config struct {
	config.ClientConfig
	Ranges iprange.Set
}

// command is posted to a running Client to change its lifecycle, replacing
// the original's sigwait loop (SIGHUP/SIGCHLD/SIGINT/SIGTERM).
type command int

const (
	cmdReload command = iota
	cmdRestart
	cmdQuit
)

// Client drives one client-side tunnel lifecycle.
type Client struct {
	cfg  Config
	log  *slog.Logger
	mac  string
	cmds chan command
}

// New creates a Client. Call Run to negotiate and drive it.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, log: logger, cmds: make(chan command, 4)}
}

// Reload asks Run to tear down and renegotiate, the SIGHUP path. It acts
// exactly like Restart: Run keeps the Config it was created with and re-reads
// no configuration file.
func (c *Client) Reload() { c.post(cmdReload) }

// Restart asks Run to tear down and renegotiate without reloading config, the
// internal equivalent of a worker signaling SIGCHLD to its parent.
func (c *Client) Restart() { c.post(cmdRestart) }

// Quit asks Run to shut down, the SIGINT/SIGTERM path.
func (c *Client) Quit() { c.post(cmdQuit) }

func (c *Client) post(cmd command) {
	select {
	case c.cmds <- cmd:
	default:
	}
}

var errSessionRestart = errors.New("client: server assigned new addresses, restarting session")

// Run drives the client for as long as ctx is alive: negotiate, bring up TUN,
// run the protocol goroutines, and loop back whenever a session needs
// restarting, until Quit is called, ctx is canceled, or a fatal error occurs.
// This is the starter thread's loop.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.IfName != "" {
		mac, err := tun.LookupMAC(c.cfg.IfName)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		c.mac = mac
	}

	var saved *tun.SavedRoute
	if c.cfg.DoRouting {
		var err error
		saved, err = tun.StoreDefaultGW()
		if err != nil {
			c.log.Warn("store default route failed", "err", err)
		}
	}
	defer func() {
		if saved != nil {
			if err := tun.RestoreDefaultGW(saved); err != nil {
				c.log.Warn("restore default route failed", "err", err)
			}
		}
	}()

	for {
		restart, err := c.runOnce(ctx)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		c.log.Info("restarting session")
	}
}

// runOnce negotiates one session end to end and runs it until a protocol
// goroutine fails, a command is posted, or ctx is canceled, then tears
// everything down before returning. restart reports whether Run should loop
// back and negotiate a fresh session.
func (c *Client) runOnce(ctx context.Context) (restart bool, err error) {
	dev, local, peer, err := c.negotiateAndOpenTun(ctx)
	if err != nil {
		return false, fmt.Errorf("client: negotiate: %w", err)
	}
	defer dev.Close()

	if c.cfg.DoRouting {
		if err := tun.SetDefaultGW(dev, peer); err != nil {
			c.log.Warn("set default route failed", "err", err)
		}
	}

	sendq := queue.New(0)
	recvq := queue.New(0)
	defer sendq.Close()
	defer recvq.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(runCtx)

	group.Go(func() error { return tunReader(gctx, dev, sendq) })
	group.Go(func() error { return tunWriter(gctx, dev, recvq) })

	if c.cfg.Protocol == 1 {
		group.Go(func() error { return c.proto1(gctx, sendq, recvq, local, peer) })
	} else {
		group.Go(func() error { return c.proto2Sender(gctx, sendq, local, peer) })
		group.Go(func() error { return c.proto2Receiver(gctx, recvq) })
	}

	cmdCh := make(chan command, 1)
	go func() {
		select {
		case <-gctx.Done():
		case cmd := <-c.cmds:
			cmdCh <- cmd
			cancel()
		}
		// The TUN goroutines block on the queues and the device rather than
		// on gctx, so wake them before group.Wait below can return.
		sendq.Close()
		recvq.Close()
		dev.Close()
	}()

	werr := group.Wait()
	select {
	case cmd := <-cmdCh:
		switch cmd {
		case cmdQuit:
			return false, nil
		case cmdReload, cmdRestart:
			return true, nil
		}
	default:
	}
	if errors.Is(werr, errSessionRestart) {
		return true, nil
	}
	if errors.Is(werr, context.Canceled) {
		return false, nil
	}
	return false, werr
}

// negotiateAndOpenTun performs the initial CP negotiation, opens a TUN
// device, and assigns the addresses the server returned.
func (c *Client) negotiateAndOpenTun(ctx context.Context) (*tun.Device, netip.Addr, netip.Addr, error) {
	conn, local, peer, err := c.negotiateChannel1(ctx)
	if err != nil {
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	conn.Close()

	dev, err := tun.Open("")
	if err != nil {
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	if err := dev.SetAddrs(local, peer); err != nil {
		dev.Close()
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	return dev, local, peer, nil
}

func (c *Client) dialProxy(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(c.cfg.ProxyHost, strconv.Itoa(int(c.cfg.ProxyPort)))
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

// writeRequestLine writes the request line, optional proxy auth, and
// Connection/Content-Length headers for one of the seven wire tokens,
// exactly the header set send_req assembles before the body.
func (c *Client) writeRequestLine(conn net.Conn, port uint16, token string, bodyLen int, keepAlive bool) error {
	if _, err := fmt.Fprintf(conn, "POST http://%s:%d/%s HTTP/1.0\r\n", c.cfg.ServerHost, port, token); err != nil {
		return err
	}
	if c.cfg.ProxyUser != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.ProxyUser + ":" + c.cfg.ProxyPass))
		if _, err := fmt.Fprintf(conn, "Proxy-Authorization: Basic %s\r\n", auth); err != nil {
			return err
		}
	}
	connHdr := "Keep-Alive"
	if !keepAlive {
		connHdr = "Close"
	}
	_, err := fmt.Fprintf(conn, "Connection: %s\r\nContent-Length: %d\r\n\r\n", connHdr, bodyLen)
	return err
}

// negotiateChannel1 opens a fresh proxy connection and sends CP1 or CP2
// depending on configured protocol, returning the still-open connection (the
// channel-1 socket protocol 1 and protocol 2's sender reuse for subsequent
// requests) along with the address pair the server assigned.
func (c *Client) negotiateChannel1(ctx context.Context) (net.Conn, netip.Addr, netip.Addr, error) {
	conn, err := c.dialProxy(ctx)
	if err != nil {
		return nil, netip.Addr{}, netip.Addr{}, err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "%s\n", c.mac)
	for _, r := range c.cfg.Ranges {
		fmt.Fprintf(&body, "%s/%d\n", r.Net, r.Bits)
	}
	b := body.String()

	token := "CP1"
	if c.cfg.Protocol == 2 {
		token = "CP2"
	}
	if err := c.writeRequestLine(conn, c.cfg.ServerPort1, token, len(b), true); err != nil {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	if _, err := io.WriteString(conn, b); err != nil {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, err
	}

	r := bufio.NewReader(conn)
	code, err := wire.ReadStatusLine(r)
	if err != nil {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	hdrs, err := wire.ReadHeaders(r, 8192)
	if err != nil {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	if code != 200 {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, fmt.Errorf("negotiate: server returned status %d", code)
	}
	payload, err := wire.ReadBody(r, hdrs.ContentLength())
	if err != nil {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	if len(lines) < 2 {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, fmt.Errorf("negotiate: malformed address pair %q", payload)
	}
	local, err := netip.ParseAddr(strings.TrimSpace(lines[0]))
	if err != nil {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	peer, err := netip.ParseAddr(strings.TrimSpace(lines[1]))
	if err != nil {
		conn.Close()
		return nil, netip.Addr{}, netip.Addr{}, err
	}
	return conn, local, peer, nil
}

// reestablish closes sock and renegotiates channel 1, up to ConnectTries
// times (or forever if negative), the restablish_connection/connect_tries
// contract. It reports whether the server handed back a different address
// pair, in which case the whole session (TUN included) must be restarted.
func (c *Client) reestablish(ctx context.Context, sock net.Conn, local, peer netip.Addr) (newSock net.Conn, changed bool, err error) {
	sock.Close()
	tries := c.cfg.ConnectTries
	for tries != 0 {
		newSock, newLocal, newPeer, dialErr := c.negotiateChannel1(ctx)
		if dialErr == nil {
			return newSock, newLocal != local || newPeer != peer, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		c.log.Warn("reconnect attempt failed", "err", dialErr)
		if tries > 0 {
			tries--
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(c.cfg.ReconnectSleep):
		}
	}
	return nil, false, fmt.Errorf("client: exhausted connect retries reopening channel 1")
}

// isPeerReset reports whether err indicates the peer actively refused or
// reset the connection, send_data's ENOTCONN check. Any other write error is
// not treated as fatal to the batch: the packet is simply dropped.
func isPeerReset(err error) bool {
	return errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

func sendFrames(conn net.Conn, q *queue.Queue) error {
	_, totalLen := q.Len()
	for totalLen > 0 {
		pkt, ok := q.Remove(false, 0)
		if !ok {
			return fmt.Errorf("client: premature end of sendq")
		}
		totalLen -= len(pkt)
		if _, err := conn.Write(pkt); err != nil {
			if isPeerReset(err) {
				q.Add(context.Background(), pkt, true, true)
				return err
			}
			continue
		}
	}
	return nil
}

// recvFrames reads one HTTP response (200-with-frames or 204-empty) and
// enqueues any frames onto q, the recv_data contract.
func recvFrames(r *bufio.Reader, q *queue.Queue) error {
	code, err := wire.ReadStatusLine(r)
	if err != nil {
		return err
	}
	hdrs, err := wire.ReadHeaders(r, 8192)
	if err != nil {
		return err
	}
	if code == 204 {
		return nil
	}
	if code != 200 {
		return fmt.Errorf("client: unexpected status %d from server", code)
	}
	n := hdrs.ContentLength()
	if n <= 0 {
		return fmt.Errorf("client: 200 response missing Content-Length")
	}
	body, err := wire.ReadBody(r, n)
	if err != nil {
		return err
	}
	frames, err := wire.SplitFrames(body)
	if err != nil {
		return err
	}
	for _, f := range frames {
		q.Add(context.Background(), f, true, false)
	}
	return nil
}

func tunReader(ctx context.Context, dev *tun.Device, sendq *queue.Queue) error {
	buf := make([]byte, 1504)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := dev.Read(buf)
		if err != nil {
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		sendq.Add(ctx, frame, true, false)
	}
}

func tunWriter(ctx context.Context, dev *tun.Device, recvq *queue.Queue) error {
	for {
		data, ok := recvq.Remove(true, 0)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if _, err := dev.Write(data); err != nil {
			return err
		}
	}
}
