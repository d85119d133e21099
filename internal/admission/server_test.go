package admission

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/hostline/internal/token"
)

func TestHTTPRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	metrics := NewMetrics()
	g := NewGate(Options{Backend: newMemBackend(), Clock: clk, Grace: time.Minute, Metrics: metrics})
	iss, err := token.NewIssuer("0123456789abcdef-gate", time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewRouter(g, iss, metrics))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	if r, err := c.Reserve(ctx, "host-1", "A"); err != nil || r.Outcome != NotFound {
		t.Fatalf("reserve before open = %+v, %v", r, err)
	}
	if err := c.OpenHostChannel(ctx, "host-1", "h1"); err != nil {
		t.Fatal(err)
	}
	granted, err := c.Reserve(ctx, "host-1", "A")
	if err != nil || granted.Outcome != Granted || granted.SessionID == "" {
		t.Fatalf("reserve A = %+v, %v", granted, err)
	}
	if r, err := c.Reserve(ctx, "host-1", "B"); err != nil || r.Outcome != Busy {
		t.Fatalf("reserve B = %+v, %v", r, err)
	}
	if err := c.Release(ctx, "host-1", "A"); err != nil {
		t.Fatal(err)
	}
	if r, err := c.Reserve(ctx, "host-1", "B"); err != nil || r.Outcome != Granted {
		t.Fatalf("reserve B after release = %+v, %v", r, err)
	}
	if err := c.CloseHostChannel(ctx, "host-1", HostFinished); err != nil {
		t.Fatal(err)
	}

	raw, err := c.Token(ctx, token.KindMedia, "A", "host-1")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := iss.Verify(raw)
	if err != nil || claims.Subject != "A" || claims.Channel != "host-1" {
		t.Fatalf("claims = %+v, %v", claims, err)
	}
	if _, err := c.Token(ctx, "bogus", "A", ""); err == nil {
		t.Fatal("bad token kind accepted")
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `hostline_admission_reserve_total{outcome="busy"} 1`) {
		t.Fatalf("metrics missing busy counter:\n%s", body)
	}
}

func TestHTTPValidation(t *testing.T) {
	g := NewGate(Options{Backend: newMemBackend()})
	srv := httptest.NewServer(NewRouter(g, nil, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/reserve", "application/json", strings.NewReader(`{"channel_id":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/v1/token", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("token without issuer = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}
