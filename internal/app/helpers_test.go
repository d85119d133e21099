package app

import (
	"net"
	"testing"
	"time"
)

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":7777":           "127.0.0.1:7777",
		"0.0.0.0:7777":    "127.0.0.1:7777",
		" 127.0.0.1:80 ":  "127.0.0.1:80",
		"localhost:9000":  "localhost:9000",
	}
	for in, want := range cases {
		addr, url := NormalizeLocalViewer(in)
		if addr != want || url != "http://"+want {
			t.Fatalf("NormalizeLocalViewer(%q) = %q, %q", in, addr, url)
		}
	}
}

func TestWaitTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if err := WaitTCP(ln.Addr().String(), time.Second); err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if err := WaitTCP(addr, 300*time.Millisecond); err == nil {
		t.Fatal("expected timeout on closed port")
	}
}
