package wire

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func TestReadRequestLineTokens(t *testing.T) {
	tests := map[string]struct {
		line    string
		want    Token
		wantRes string
	}{
		"cp1":      {line: "POST /CP1 HTTP/1.0\r\n", want: TokCP1},
		"cp2":      {line: "POST /CP2 HTTP/1.0\r\n", want: TokCP2},
		"cr":       {line: "POST /CR HTTP/1.0\r\n", want: TokCR},
		"s_mac":    {line: "POST /S/001122334455 HTTP/1.0\r\n", want: TokS, wantRes: "001122334455"},
		"p":        {line: "POST /P HTTP/1.0\r\n", want: TokP},
		"r":        {line: "POST /R HTTP/1.0\r\n", want: TokR},
		"f":        {line: "POST /F HTTP/1.0\r\n", want: TokF},
		"get":      {line: "GET /whatever HTTP/1.0\r\n", want: TokGET, wantRes: "whatever"},
		"absolute": {line: "POST http://example.com/CP1 HTTP/1.0\r\n", want: TokCP1},
		"lowercase": {line: "post /cp1 HTTP/1.0\r\n", want: TokCP1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c1, c2 := net.Pipe()
			defer c1.Close()
			defer c2.Close()
			go func() {
				c2.Write([]byte(tc.line))
			}()
			r := bufio.NewReader(c1)
			tok, rest, err := ReadRequestLine(c1, r, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if tok != tc.want {
				t.Fatalf("expected token %v, got %v", tc.want, tok)
			}
			if tc.wantRes != "" && rest != tc.wantRes {
				t.Fatalf("expected rest %q, got %q", tc.wantRes, rest)
			}
		})
	}
}

func TestReadRequestLineIdleTimeout(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	r := bufio.NewReader(c1)
	_, _, err := ReadRequestLine(c1, r, 20*time.Millisecond)
	if err != ErrIdle {
		t.Fatalf("expected ErrIdle, got %v", err)
	}
}

func TestReadHeaders(t *testing.T) {
	raw := "Content-Length: 42\r\nHost: example.com\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	h, err := ReadHeaders(r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cl := h.ContentLength(); cl != 42 {
		t.Fatalf("expected 42, got %d", cl)
	}
	if v, ok := h.Value("HOST"); !ok || v != "example.com" {
		t.Fatalf("expected host header, got %q %v", v, ok)
	}
}

func TestContentLengthEdgeCases(t *testing.T) {
	tests := map[string]struct {
		headers string
		want    int
	}{
		"zero":    {headers: "Content-Length: 0\r\n\r\n", want: 0},
		"missing": {headers: "\r\n", want: -1},
		"invalid": {headers: "Content-Length: abc\r\n\r\n", want: -1},
		"normal":  {headers: "Content-Length: 1500\r\n\r\n", want: 1500},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tc.headers))
			h, err := ReadHeaders(r, 0)
			if err != nil {
				t.Fatal(err)
			}
			if got := h.ContentLength(); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func fakeIPv4Frame(payload byte, extra int) []byte {
	total := 20 + extra
	f := make([]byte, total)
	f[0] = 0x45
	f[2] = byte(total >> 8)
	f[3] = byte(total)
	f[19] = payload
	return f
}

func TestFrameRoundTrip(t *testing.T) {
	f1 := fakeIPv4Frame(1, 0)
	f2 := fakeIPv4Frame(2, 10)
	concat := append(append([]byte{}, f1...), f2...)

	got, err := SplitFrames(concat)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if got[0][19] != 1 || got[1][19] != 2 {
		t.Fatal("frame contents mismatch")
	}
	if FrameLen(got[1]) != 30 {
		t.Fatalf("expected frame length 30, got %d", FrameLen(got[1]))
	}
}

func TestReadFrame(t *testing.T) {
	f := fakeIPv4Frame(9, 5)
	r := bufio.NewReader(strings.NewReader(string(f)))
	got, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(f) || got[19] != 9 {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestSplitFramesRejectsGarbage(t *testing.T) {
	if _, err := SplitFrames([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on truncated frame")
	}
}
