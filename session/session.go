// Package session implements the server-side session table: one entry per
// client MAC address, owning that client's two channel sockets, TUN handle,
// and send/receive queues.
package session

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/htun/htun/queue"
)

// MAC is a 12-hex-digit MAC address, compared case-insensitively.
type MAC string

// Equal compares two MAC addresses case-insensitively.
func (m MAC) Equal(other MAC) bool {
	return strings.EqualFold(string(m), string(other))
}

// Device is satisfied by the TUN handle, kept abstract here so this package
// doesn't need to import the platform-specific tun package.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Session holds all per-client state the server keeps between requests.
type Session struct {
	MAC MAC

	mu        sync.Mutex
	chan1     net.Conn
	chan2     net.Conn
	tun       Device
	localIP   netip.Addr
	peerIP    netip.Addr
	lastUse   time.Time
	runCtx    context.Context
	readerUp  bool

	SendQ *queue.Queue
	RecvQ *queue.Queue

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Table is the server's session table, keyed by MAC address.
type Table struct {
	mu       sync.Mutex
	sessions map[MAC]*Session
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[MAC]*Session)}
}

// Get looks up a session by MAC.
func (t *Table) Get(mac MAC) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[normalize(mac)]
	return s, ok
}

// Add creates and inserts a new session for mac, replacing any existing
// entry with the same address.
func (t *Table) Add(mac MAC, sendQMax, recvQMax int) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Session{
		MAC:     mac,
		SendQ:   queue.New(sendQMax),
		RecvQ:   queue.New(recvQMax),
		lastUse: time.Now(),
	}
	t.sessions[normalize(mac)] = s
	return s
}

// Remove unlinks the session from the table, then tears down its resources
// outside the table lock: closing sockets and the TUN handle, and joining
// any goroutines tracked by the session's errgroup, so a slow close never
// holds up other sessions' lookups.
func (t *Table) Remove(mac MAC) {
	t.mu.Lock()
	s, ok := t.sessions[normalize(mac)]
	if ok {
		delete(t.sessions, normalize(mac))
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	chan1, chan2, tun := s.chan1, s.chan2, s.tun
	cancel, group := s.cancel, s.group
	s.chan1, s.chan2, s.tun = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if chan1 != nil {
		chan1.Close()
	}
	if chan2 != nil {
		chan2.Close()
	}
	if tun != nil {
		tun.Close()
	}
	// Close the queues before joining: the TUN writer blocks in
	// RecvQ.Remove until the queue is closed.
	if s.SendQ != nil {
		s.SendQ.Close()
	}
	if s.RecvQ != nil {
		s.RecvQ.Close()
	}
	if group != nil {
		group.Wait()
	}
}

// SetChannels installs the session's two channel sockets.
func (s *Session) SetChannels(chan1, chan2 net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chan1, s.chan2 = chan1, chan2
}

// Channels returns the session's current channel sockets.
func (s *Session) Channels() (chan1, chan2 net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chan1, s.chan2
}

// SetChan1/SetChan2 replace a single channel, used when a channel is closed
// and later re-dialed without tearing down the whole session.
func (s *Session) SetChan1(c net.Conn) {
	s.mu.Lock()
	s.chan1 = c
	s.mu.Unlock()
}

func (s *Session) SetChan2(c net.Conn) {
	s.mu.Lock()
	s.chan2 = c
	s.mu.Unlock()
}

// CloseChan1/CloseChan2 close and forget one channel without removing the
// whole session, matching the original's ch_error handling of a single
// failed socket.
func (s *Session) CloseChan1() {
	s.mu.Lock()
	c := s.chan1
	s.chan1 = nil
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (s *Session) CloseChan2() {
	s.mu.Lock()
	c := s.chan2
	s.chan2 = nil
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Idle reports whether both channels are currently closed, the condition
// prune_clidata_list checks before consulting the idle timeout.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chan1 == nil && s.chan2 == nil
}

// SetTun installs the session's TUN handle and address pair, along with the
// context/errgroup used to run and join its reader/writer goroutines on
// teardown.
func (s *Session) SetTun(tun Device, local, peer netip.Addr, ctx context.Context, cancel context.CancelFunc, group *errgroup.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tun, s.localIP, s.peerIP = tun, local, peer
	s.runCtx, s.cancel, s.group = ctx, cancel, group
}

// Tun returns the session's TUN device, context, and goroutine group, so a
// late-arriving CR request can start the reader goroutine that CP deferred
// for protocol 2.
func (s *Session) Tun() (Device, context.Context, *errgroup.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tun, s.runCtx, s.group
}

// MarkReaderStarted reports whether the TUN reader goroutine has already
// been started for this session, and marks it started if not — a one-shot
// latch so a protocol-2 CR re-negotiation never starts a second reader.
func (s *Session) MarkReaderStarted() (alreadyStarted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alreadyStarted = s.readerUp
	s.readerUp = true
	return alreadyStarted
}

// Addrs returns the session's local and peer TUN addresses.
func (s *Session) Addrs() (local, peer netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localIP, s.peerIP
}

// Touch records activity for the idle prune sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUse = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastUseAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUse
}

// Prune removes sessions whose channels are both closed and whose last
// activity predates now.Add(-timeout), exactly as prune_clidata_list does.
func (t *Table) Prune(now time.Time, timeout time.Duration) {
	var doomed []MAC
	t.mu.Lock()
	for mac, s := range t.sessions {
		if s.Idle() && s.lastUseAt().Before(now.Add(-timeout)) {
			doomed = append(doomed, mac)
		}
	}
	t.mu.Unlock()
	for _, mac := range doomed {
		t.Remove(mac)
	}
}

// IPUsed reports whether ip is already assigned to some session's local or
// peer address, the ip_used() check srv_tun_alloc performs before handing
// an address to a new session.
func (t *Table) IPUsed(ip netip.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		local, peer := s.Addrs()
		if local == ip || peer == ip {
			return true
		}
	}
	return false
}

// Each calls fn for every session currently in the table, used by the
// session-dump diagnostic.
func (t *Table) Each(fn func(*Session)) {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}

func normalize(mac MAC) MAC {
	return MAC(strings.ToLower(string(mac)))
}
