// Package server implements the htun server daemon: two listening sockets
// that multiplex client requests onto a per-MAC session table, translating
// POST/GET bodies into IPv4 frames on a TUN device and back.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-reuseport"
	"golang.org/x/sync/errgroup"

	"github.com/htun/htun/config"
	"github.com/htun/htun/iprange"
	"github.com/htun/htun/queue"
	"github.com/htun/htun/session"
	"github.com/htun/htun/tpool"
	"github.com/htun/htun/tun"
	"github.com/htun/htun/wire"
)

// Config is the server's runtime configuration, built from config.ServerConfig
// plus the parsed server IP ranges.
type Config struct {
	config.ServerConfig
	Ranges iprange.Set
}

// Server owns the session table and both listening sockets.
type Server struct {
	cfg     Config
	log     *slog.Logger
	table   *session.Table
	pool    *tpool.Pool
	ln1     net.Listener
	ln2     net.Listener
}

// New creates a Server. Call ListenAndServe to bind and run it.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		log:   logger,
		table: session.NewTable(),
		pool:  tpool.New(cfg.MaxClients, cfg.MaxPendingConns, true),
	}
}

// DumpSessions logs a snapshot of every session in the table, the SIGUSR1
// diagnostic dump_stats produces.
func (s *Server) DumpSessions() {
	s.log.Info("dumping known sessions")
	s.table.Each(func(sess *session.Session) {
		local, peer := sess.Addrs()
		sendNodes, sendBytes := sess.SendQ.Len()
		recvNodes, recvBytes := sess.RecvQ.Len()
		s.log.Info("session",
			"mac", sess.MAC,
			"local_ip", local,
			"peer_ip", peer,
			"idle", sess.Idle(),
			"sendq_nodes", sendNodes, "sendq_bytes", sendBytes,
			"recvq_nodes", recvNodes, "recvq_bytes", recvBytes,
		)
	})
}

// ListenAndServe binds the two server ports and serves connections until ctx
// is canceled. It also runs the periodic prune sweep, the analogue of
// server_main's alarm(60)-driven prune_clidata_list call.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln1, err := reuseport.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ServerPort1))
	if err != nil {
		return fmt.Errorf("server: listen port1: %w", err)
	}
	ln2, err := reuseport.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ServerPort2))
	if err != nil {
		ln1.Close()
		return fmt.Errorf("server: listen port2: %w", err)
	}
	s.ln1, s.ln2 = ln1, ln2

	go s.acceptLoop(ctx, ln1)
	go s.acceptLoop(ctx, ln2)
	go s.pruneLoop(ctx)

	<-ctx.Done()
	ln1.Close()
	ln2.Close()
	s.pool.Shutdown(false)
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn("accept failed", "err", err)
				return
			}
		}
		if !s.pool.Submit(func(workCtx context.Context) {
			s.handleConn(workCtx, conn)
		}) {
			s.log.Warn("pool full, rejecting connection", "remote", conn.RemoteAddr())
			conn.Close()
		}
	}
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.table.Prune(time.Now(), s.cfg.ClidataTimeout)
		}
	}
}

// chantype tracks which configuration request established this socket,
// mirroring client_handler's chantype local.
type chantype int

const (
	chanNone chantype = iota
	chanP1
	chanP2Chan1
	chanP2Chan2
)

// handleConn is the per-socket dispatcher loop, the direct translation of
// client_handler's request-type switch.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	var (
		sess  *session.Session
		state chantype
	)

	for {
		tok, rest, err := wire.ReadRequestLine(conn, r, s.cfg.IdleDisconnect)
		if err != nil {
			s.onDisconnect(state, sess)
			return
		}
		hdrs, err := wire.ReadHeaders(r, 8192)
		if err != nil {
			s.onDisconnect(state, sess)
			return
		}

		var ok bool
		switch state {
		case chanNone:
			sess, state, ok = s.handleConfig(ctx, conn, r, tok, hdrs)
		case chanP1:
			ok = s.handleProto1(conn, r, sess, tok, hdrs)
		case chanP2Chan1:
			ok = s.handleProto2Chan1(conn, r, sess, tok, hdrs)
		case chanP2Chan2:
			ok = s.handleProto2Chan2(conn, r, sess, tok, hdrs)
		}
		if tok == wire.TokF {
			return
		}
		if !ok {
			s.onDisconnect(state, sess)
			return
		}
		_ = rest
	}
}

func (s *Server) onDisconnect(state chantype, sess *session.Session) {
	if sess == nil {
		return
	}
	switch state {
	case chanP1, chanP2Chan1:
		sess.CloseChan1()
		sess.Touch()
	case chanP2Chan2:
		sess.CloseChan2()
		sess.Touch()
	}
}

// handleConfig dispatches CP1/CP2/CR on a freshly accepted socket. A GET or
// anything else is treated as a proxy request, the redirect-bad-requests
// branch of client_handler.
func (s *Server) handleConfig(ctx context.Context, conn net.Conn, r *bufio.Reader, tok wire.Token, hdrs wire.Header) (*session.Session, chantype, bool) {
	switch tok {
	case wire.TokCP1:
		sess, ok := s.handleCP(ctx, conn, r, hdrs, 1)
		return sess, chanP1, ok
	case wire.TokCP2:
		sess, ok := s.handleCP(ctx, conn, r, hdrs, 2)
		return sess, chanP2Chan1, ok
	case wire.TokCR:
		sess, ok := s.handleCR(ctx, conn, r, hdrs)
		return sess, chanP2Chan2, ok
	default:
		if s.cfg.RedirHost != "" {
			s.proxyRedirect(conn, r, tok, hdrs)
		} else {
			io.WriteString(conn, "HTTP/1.0 503 Service Unavailable\r\n\r\n")
		}
		return nil, chanNone, false
	}
}

func (s *Server) handleProto1(conn net.Conn, r *bufio.Reader, sess *session.Session, tok wire.Token, hdrs wire.Header) bool {
	switch tok {
	case wire.TokS:
		return s.handleS(conn, r, sess, hdrs, true)
	case wire.TokP:
		return s.handleP1(conn, r, sess, hdrs)
	default:
		return false
	}
}

func (s *Server) handleProto2Chan1(conn net.Conn, r *bufio.Reader, sess *session.Session, tok wire.Token, hdrs wire.Header) bool {
	if tok != wire.TokS {
		return false
	}
	return s.handleS(conn, r, sess, hdrs, false)
}

func (s *Server) handleProto2Chan2(conn net.Conn, r *bufio.Reader, sess *session.Session, tok wire.Token, hdrs wire.Header) bool {
	if tok != wire.TokR {
		return false
	}
	return s.handleR2(conn, r, sess, hdrs)
}

// handleCP configures protocol 1's single channel or protocol 2's first
// channel: reads the MAC address and IP ranges from the body, creates a
// session if none exists (allocating TUN addresses and starting the TUN
// writer goroutine, plus the reader for protocol 1; protocol 2's reader is
// started by handleCR), or re-attaches to an existing one.
func (s *Server) handleCP(ctx context.Context, conn net.Conn, r *bufio.Reader, hdrs wire.Header, proto int) (*session.Session, bool) {
	mac, ranges, ok := s.readMACAndRanges(r, hdrs)
	if !ok {
		io.WriteString(conn, "HTTP/1.0 400 Bad Request\r\n\r\n")
		return nil, false
	}

	sess, existed := s.table.Get(session.MAC(mac))
	if !existed {
		sess = s.table.Add(session.MAC(mac), s.cfg.MaxPendingConns, s.cfg.MaxPendingConns)
		local, peer, err := tun.AllocServer(ranges, s.cfg.Ranges, s.table.IPUsed)
		if err != nil {
			s.log.Warn("tun address allocation failed", "mac", mac, "err", err)
			s.table.Remove(session.MAC(mac))
			io.WriteString(conn, "HTTP/1.0 503 Service Unavailable\r\n\r\n")
			return nil, false
		}
		dev, err := tun.Open("")
		if err != nil {
			s.log.Warn("tun open failed", "mac", mac, "err", err)
			s.table.Remove(session.MAC(mac))
			io.WriteString(conn, "HTTP/1.0 503 Service Unavailable\r\n\r\n")
			return nil, false
		}
		if err := dev.SetAddrs(local, peer); err != nil {
			s.log.Warn("tun address assignment failed", "mac", mac, "err", err)
			dev.Close()
			s.table.Remove(session.MAC(mac))
			io.WriteString(conn, "HTTP/1.0 503 Service Unavailable\r\n\r\n")
			return nil, false
		}
		runCtx, cancel := context.WithCancel(ctx)
		group, gctx := errgroup.WithContext(runCtx)
		sess.SetTun(dev, local, peer, gctx, cancel, group)
		group.Go(func() error { return tunWriter(gctx, dev, sess.RecvQ) })
		if proto == 1 {
			sess.MarkReaderStarted()
			group.Go(func() error { return tunReader(gctx, dev, sess.SendQ) })
		}
		sess.SetChannels(conn, nil)
	} else {
		sess.CloseChan1()
		sess.CloseChan2()
		sess.SetChannels(conn, nil)
	}

	local, peer := sess.Addrs()
	body := fmt.Sprintf("%s\n%s\n", peer, local)
	fmt.Fprintf(conn, "HTTP/1.0 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	return sess, true
}

// handleCR configures protocol 2's second (receive) channel. The session
// must already exist from a prior CP2, matching handle_cr's 412 response
// when it doesn't.
func (s *Server) handleCR(ctx context.Context, conn net.Conn, r *bufio.Reader, hdrs wire.Header) (*session.Session, bool) {
	n := hdrs.ContentLength()
	body, err := wire.ReadBody(r, n)
	if err != nil {
		return nil, false
	}
	mac := firstLine(body)
	sess, ok := s.table.Get(session.MAC(mac))
	if !ok {
		io.WriteString(conn, "HTTP/1.0 412 Precondition Failed\r\n\r\n")
		return nil, false
	}
	sess.SetChan2(conn)
	if !sess.MarkReaderStarted() {
		if dev, gctx, group := sess.Tun(); dev != nil && group != nil {
			group.Go(func() error { return tunReader(gctx, dev, sess.SendQ) })
		}
	}
	io.WriteString(conn, "HTTP/1.0 204 No Content\r\n\r\n")
	return sess, true
}

func (s *Server) readMACAndRanges(r *bufio.Reader, hdrs wire.Header) (mac string, ranges iprange.Set, ok bool) {
	n := hdrs.ContentLength()
	body, err := wire.ReadBody(r, n)
	if err != nil {
		return "", nil, false
	}
	lines := splitLines(string(body))
	if len(lines) == 0 || lines[0] == "" {
		return "", nil, false
	}
	mac = lines[0]
	set, err := iprange.ParseSet(lines[1:])
	if err != nil || len(set) == 0 {
		return "", nil, false
	}
	return mac, set, true
}

// handleS receives a batch of frames on the session's chan1 and enqueues
// them onto recvq for the TUN writer to drain. On protocol 1's channel it
// additionally flushes sendq back to the caller in the same response,
// waiting through sendQueueWait's batching policy first — the combined
// request/response cycle handle_s_p1 implements. On protocol 2's first
// channel, sending is decoupled onto chan2/R so only a 204 is sent.
func (s *Server) handleS(conn net.Conn, r *bufio.Reader, sess *session.Session, hdrs wire.Header, flushReply bool) bool {
	n := hdrs.ContentLength()
	if n <= 0 {
		return false
	}
	raw, err := wire.ReadBody(r, n)
	if err != nil {
		return false
	}
	frames, err := wire.SplitFrames(raw)
	if err != nil {
		io.WriteString(conn, "HTTP/1.0 500 Internal Server Error\r\n\r\n")
		return false
	}
	for _, f := range frames {
		if !sess.RecvQ.Add(context.Background(), f, true, false) {
			io.WriteString(conn, "HTTP/1.0 500 Internal Server Error\r\n\r\n")
			return false
		}
	}
	sess.Touch()
	if !flushReply {
		io.WriteString(conn, "HTTP/1.0 204 No Content\r\n\r\n")
		return true
	}
	amount := s.sendQueueWait(sess.SendQ)
	return s.sendQueue(conn, sess.SendQ, amount)
}

// handleP1 is protocol 1's poll: the client's body (if any) is read and
// discarded, then sendq is flushed immediately (no batching wait — the
// client is already sitting on the socket waiting for a response).
func (s *Server) handleP1(conn net.Conn, r *bufio.Reader, sess *session.Session, hdrs wire.Header) bool {
	if n := hdrs.ContentLength(); n > 0 {
		if _, err := wire.ReadBody(r, n); err != nil {
			return false
		}
	}
	_, bytes := sess.SendQ.Len()
	return s.sendQueue(conn, sess.SendQ, bytes)
}

// handleR2 is protocol 2's poll on the dedicated receive channel: the body
// carries a wait budget in seconds, during which it waits once for any
// data (no batching loop), then flushes whatever is ready.
func (s *Server) handleR2(conn net.Conn, r *bufio.Reader, sess *session.Session, hdrs wire.Header) bool {
	n := hdrs.ContentLength()
	if n <= 0 {
		return false
	}
	body, err := wire.ReadBody(r, n)
	if err != nil {
		return false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil || secs <= 0 {
		io.WriteString(conn, "HTTP/1.0 400 Bad Request\r\n\r\n")
		return false
	}

	if !sess.SendQ.TimedWait(time.Duration(secs) * time.Second) {
		io.WriteString(conn, "HTTP/1.0 204 No Content\r\n\r\n")
		return true
	}
	_, bytes := sess.SendQ.Len()
	return s.sendQueue(conn, sess.SendQ, bytes)
}

func (s *Server) sendQueue(conn net.Conn, q interface {
	Remove(bool, time.Duration) ([]byte, bool)
}, amount int) bool {
	if amount == 0 {
		io.WriteString(conn, "HTTP/1.0 204 No Content\r\n\r\n")
		return true
	}
	fmt.Fprintf(conn, "HTTP/1.0 200 OK\r\nContent-Length: %d\r\n\r\n", amount)
	sent := 0
	for sent < amount {
		pkt, ok := q.Remove(false, 0)
		if !ok {
			return false
		}
		if _, err := conn.Write(pkt); err != nil {
			return false
		}
		sent += len(pkt)
	}
	return true
}

// sendQueueWait implements the four-trigger batching policy from
// sendq_wait: wait up to MinNackDelay for the first packet (returning 0
// immediately if none arrives), then keep sleeping in PacketMaxInterval
// slices as long as new packets keep appearing, until either
// PacketCountThreshold packets have queued up, a slice passes with no
// growth, or MaxResponseDelay has elapsed since the call began. That
// deadline is checked between slices and does not cut a slice short, so the
// return can come up to one PacketMaxInterval past it.
func (s *Server) sendQueueWait(q *queue.Queue) int {
	start := time.Now()
	if !q.TimedWait(s.cfg.MinNackDelay) {
		return 0
	}
	for {
		nodes, _ := q.Len()
		if nodes >= s.cfg.PacketCountThreshold {
			break
		}
		since := time.Since(q.LastAdd())
		remaining := s.cfg.PacketMaxInterval - since
		if remaining > 0 {
			time.Sleep(remaining)
		}
		after, _ := q.Len()
		if after == nodes {
			break
		}
		if time.Since(start) >= s.cfg.MaxResponseDelay {
			break
		}
	}
	_, bytes := q.Len()
	return bytes
}

// tunReader reads frames off the TUN device and enqueues them on sendq for
// delivery to the client, the goroutine analogue of tunfile_reader.
func tunReader(ctx context.Context, dev session.Device, sendq *queue.Queue) error {
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

// tunWriter drains recvq and writes each frame to the TUN device, the
// goroutine analogue of tunfile_writer.
func tunWriter(ctx context.Context, dev session.Device, recvq *queue.Queue) error {
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

// proxyRedirect forwards a non-tunnel GET/POST request to RedirHost:RedirPort
// and streams the response back, the proxy_request fallback for traffic
// that hits the tunnel ports by accident.
func (s *Server) proxyRedirect(conn net.Conn, r *bufio.Reader, tok wire.Token, hdrs wire.Header) {
	addr := net.JoinHostPort(s.cfg.RedirHost, fmt.Sprintf("%d", s.cfg.RedirPort))
	upstream, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		io.WriteString(conn, "HTTP/1.0 503 Service Unavailable\r\n\r\n")
		return
	}
	defer upstream.Close()

	method := "GET"
	if tok != wire.TokGET {
		method = "POST"
	}
	fmt.Fprintf(upstream, "%s / HTTP/1.0\r\n", method)
	for k, v := range hdrs {
		if k == "connection" || k == "host" {
			continue
		}
		fmt.Fprintf(upstream, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(upstream, "Host: %s\r\nConnection: close\r\n\r\n", s.cfg.RedirHost)

	if n := hdrs.ContentLength(); n > 0 {
		body, err := wire.ReadBody(r, n)
		if err == nil {
			upstream.Write(body)
		}
	}
	io.Copy(conn, upstream)
}

func firstLine(b []byte) string {
	lines := splitLines(string(b))
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			out = append(out, line)
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
