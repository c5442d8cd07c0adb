package iprange

import (
	"net/netip"
	"testing"
)

func TestParse(t *testing.T) {
	tests := map[string]struct {
		in      string
		wantNet string
		wantErr bool
	}{
		"exact":        {in: "10.0.0.1/24", wantNet: "10.0.0.0"},
		"slash32":      {in: "192.168.1.5/32", wantNet: "192.168.1.5"},
		"slash0":       {in: "1.2.3.4/0", wantNet: "0.0.0.0"},
		"missing_bits": {in: "10.0.0.0", wantErr: true},
		"bad_addr":     {in: "not-an-ip/24", wantErr: true},
		"bad_bits":     {in: "10.0.0.0/33", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := Parse(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			want := netip.MustParseAddr(tc.wantNet)
			if r.Net != want {
				t.Fatalf("expected net %v, got %v", want, r.Net)
			}
		})
	}
}

func TestContains(t *testing.T) {
	r, err := Parse("10.0.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Contains(netip.MustParseAddr("10.0.0.200")) {
		t.Fatal("expected address in range")
	}
	if r.Contains(netip.MustParseAddr("10.0.1.1")) {
		t.Fatal("expected address out of range")
	}
}

func TestOverlapSubset(t *testing.T) {
	wide, _ := Parse("10.0.0.0/16")
	narrow, _ := Parse("10.0.5.0/24")
	got, ok := wide.Overlap(narrow)
	if !ok {
		t.Fatal("expected overlap")
	}
	if got != narrow {
		t.Fatalf("expected the narrower range to win, got %v", got)
	}
	got2, ok2 := narrow.Overlap(wide)
	if !ok2 || got2 != narrow {
		t.Fatalf("overlap should be symmetric, got %v, %v", got2, ok2)
	}
}

func TestOverlapDisjoint(t *testing.T) {
	a, _ := Parse("10.0.0.0/24")
	b, _ := Parse("192.168.0.0/24")
	if _, ok := a.Overlap(b); ok {
		t.Fatal("expected no overlap for disjoint ranges")
	}
}

func TestAddrIteration(t *testing.T) {
	r, _ := Parse("10.0.0.0/30")
	if r.Size() != 4 {
		t.Fatalf("expected size 4, got %d", r.Size())
	}
	want := []string{"10.0.0.0", "10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for i, w := range want {
		got := r.Addr(uint64(i))
		if got.String() != w {
			t.Fatalf("addr %d: expected %s, got %s", i, w, got)
		}
	}
}

func TestSetContains(t *testing.T) {
	set, err := ParseSet([]string{"10.0.0.0/24", "", "192.168.0.0/16"})
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 ranges, got %d", len(set))
	}
	if !set.Contains(netip.MustParseAddr("192.168.5.5")) {
		t.Fatal("expected membership")
	}
}

func TestParseSetSkipsInvalidLinesButKeepsValidOnes(t *testing.T) {
	set, err := ParseSet([]string{"10.0.0.0/24", "not-a-range", "192.168.0.0/16", "10.0.0.0/99"})
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 {
		t.Fatalf("expected the 2 valid ranges to survive the 2 malformed lines, got %d", len(set))
	}
	if !set.Contains(netip.MustParseAddr("10.0.0.5")) || !set.Contains(netip.MustParseAddr("192.168.5.5")) {
		t.Fatal("expected both valid ranges present")
	}
}

func TestParseSetErrorsOnlyWhenNoValidRanges(t *testing.T) {
	if _, err := ParseSet([]string{"not-a-range", "also-bad/xx"}); err == nil {
		t.Fatal("expected error when no line parses")
	}
	if _, err := ParseSet(nil); err == nil {
		t.Fatal("expected error for an empty set")
	}
}
