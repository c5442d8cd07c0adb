package session

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestAddGetCaseInsensitive(t *testing.T) {
	table := NewTable()
	table.Add(MAC("AA:BB:CC:DD:EE:FF"), 0, 0)
	if _, ok := table.Get(MAC("aa:bb:cc:dd:ee:ff")); !ok {
		t.Fatal("expected case-insensitive lookup to find the session")
	}
}

func TestRemoveClosesResourcesOutsideLock(t *testing.T) {
	table := NewTable()
	s := table.Add(MAC("aa:bb:cc:dd:ee:ff"), 0, 0)
	c1, c1peer := net.Pipe()
	c2, c2peer := net.Pipe()
	defer c1peer.Close()
	defer c2peer.Close()
	s.SetChannels(c1, c2)

	table.Remove(MAC("aa:bb:cc:dd:ee:ff"))

	if _, ok := table.Get(MAC("aa:bb:cc:dd:ee:ff")); ok {
		t.Fatal("expected session to be gone from the table")
	}
	buf := make([]byte, 1)
	if _, err := c1.Read(buf); err == nil {
		t.Fatal("expected chan1 to be closed")
	}
	if _, err := c2.Read(buf); err == nil {
		t.Fatal("expected chan2 to be closed")
	}
}

func TestIdleAndPrune(t *testing.T) {
	table := NewTable()
	s := table.Add(MAC("aa:bb:cc:dd:ee:ff"), 0, 0)
	s.Touch()
	if !s.Idle() {
		t.Fatal("expected idle with no channels set")
	}

	// Not old enough yet.
	table.Prune(time.Now(), time.Hour)
	if _, ok := table.Get(MAC("aa:bb:cc:dd:ee:ff")); !ok {
		t.Fatal("expected session to survive prune before timeout")
	}

	// Simulate staleness by pruning far in the future.
	table.Prune(time.Now().Add(2*time.Hour), time.Hour)
	if _, ok := table.Get(MAC("aa:bb:cc:dd:ee:ff")); ok {
		t.Fatal("expected stale idle session to be pruned")
	}
}

func TestPruneSkipsActiveSessions(t *testing.T) {
	table := NewTable()
	s := table.Add(MAC("aa:bb:cc:dd:ee:ff"), 0, 0)
	c1, c1peer := net.Pipe()
	defer c1.Close()
	defer c1peer.Close()
	s.SetChannels(c1, nil)

	table.Prune(time.Now().Add(2*time.Hour), time.Hour)
	if _, ok := table.Get(MAC("aa:bb:cc:dd:ee:ff")); !ok {
		t.Fatal("expected session with an open channel to survive prune")
	}
}

func TestIPUsed(t *testing.T) {
	table := NewTable()
	s := table.Add(MAC("aa:bb:cc:dd:ee:ff"), 0, 0)
	local := netip.MustParseAddr("10.0.0.1")
	peer := netip.MustParseAddr("10.0.0.2")
	s.SetTun(nil, local, peer, context.Background(), nil, nil)

	if !table.IPUsed(local) || !table.IPUsed(peer) {
		t.Fatal("expected both addresses to be marked used")
	}
	if table.IPUsed(netip.MustParseAddr("10.0.0.3")) {
		t.Fatal("expected unrelated address to be free")
	}
}
