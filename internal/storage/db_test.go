package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/petervdpas/hostline/internal/admission"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "gate.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHostChannelLifecycle(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	if _, err := db.LookupHost(ctx, "c1"); !errors.Is(err, admission.ErrHostNotFound) {
		t.Fatalf("lookup missing = %v", err)
	}
	if err := db.OpenHostChannel(ctx, "c1", "host-a"); err != nil {
		t.Fatal(err)
	}

	if err := db.AttachCaller(ctx, "c1", "A", "s1"); err != nil {
		t.Fatal(err)
	}
	// Same caller again keeps the session; a different caller is ignored.
	if err := db.AttachCaller(ctx, "c1", "A", "s2"); err != nil {
		t.Fatal(err)
	}
	if err := db.AttachCaller(ctx, "c1", "B", "s3"); err != nil {
		t.Fatal(err)
	}
	h, err := db.LookupHost(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if h.PairedCaller != "A" || h.SessionID != "s1" || h.Status != admission.HostOpen || h.HostID != "host-a" {
		t.Fatalf("host = %+v", h)
	}

	if err := db.DetachCaller(ctx, "c1", "B"); err != nil {
		t.Fatal(err)
	}
	if h, _ := db.LookupHost(ctx, "c1"); h.PairedCaller != "A" {
		t.Fatal("detach of a non-paired caller cleared the pairing")
	}
	if err := db.DetachCaller(ctx, "c1", "A"); err != nil {
		t.Fatal(err)
	}
	if h, _ := db.LookupHost(ctx, "c1"); h.PairedCaller != "" || h.SessionID != "" {
		t.Fatalf("after detach = %+v", h)
	}

	if err := db.CloseHostChannel(ctx, "c1", admission.HostClosed); err != nil {
		t.Fatal(err)
	}
	if err := db.AttachCaller(ctx, "c1", "A", "s4"); err != nil {
		t.Fatal(err)
	}
	if h, _ := db.LookupHost(ctx, "c1"); h.Status != admission.HostClosed || h.PairedCaller != "" {
		t.Fatalf("closed channel accepted a caller: %+v", h)
	}
	if err := db.CloseHostChannel(ctx, "nope", admission.HostClosed); !errors.Is(err, admission.ErrHostNotFound) {
		t.Fatalf("close missing = %v", err)
	}

	open, err := db.ListOpen(ctx)
	if err != nil || len(open) != 0 {
		t.Fatalf("open = %v, %v", open, err)
	}
	if err := db.OpenHostChannel(ctx, "c1", "host-a"); err != nil {
		t.Fatal(err)
	}
	if open, _ := db.ListOpen(ctx); len(open) != 1 {
		t.Fatalf("reopened channel not listed: %v", open)
	}
}

func TestGateOverSQLite(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	g := admission.NewGate(admission.Options{Backend: db})

	if err := g.OpenHostChannel(ctx, "c1", "host-a"); err != nil {
		t.Fatal(err)
	}
	a, err := g.Reserve(ctx, "c1", "A")
	if err != nil || a.Outcome != admission.Granted || a.SessionID == "" {
		t.Fatalf("A = %+v, %v", a, err)
	}
	if b, _ := g.Reserve(ctx, "c1", "B"); b.Outcome != admission.Busy {
		t.Fatalf("B = %s", b.Outcome)
	}
	again, _ := g.Reserve(ctx, "c1", "A")
	if again.Outcome != admission.Granted || again.SessionID != a.SessionID {
		t.Fatalf("re-entry = %+v", again)
	}
}

// cancelAfterAttach cancels the request context once the attach has landed.
type cancelAfterAttach struct {
	*DB
	cancel context.CancelFunc
}

func (c cancelAfterAttach) AttachCaller(ctx context.Context, channelID, callerID, sessionID string) error {
	err := c.DB.AttachCaller(ctx, channelID, callerID, sessionID)
	c.cancel()
	return err
}

func TestGateUndoesAttachAfterCancel(t *testing.T) {
	db := openTest(t)
	bg := context.Background()
	if err := db.OpenHostChannel(bg, "c1", "host-a"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	g := admission.NewGate(admission.Options{Backend: cancelAfterAttach{DB: db, cancel: cancel}})

	if _, err := g.Reserve(ctx, "c1", "A"); err == nil {
		t.Fatal("expected error from cancelled request")
	}
	h, err := db.LookupHost(bg, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != admission.HostOpen || h.PairedCaller != "" {
		t.Fatalf("after failed reserve: status=%s paired=%q", h.Status, h.PairedCaller)
	}
	if b, err := g.Reserve(bg, "c1", "B"); err != nil || b.Outcome != admission.Granted {
		t.Fatalf("B = %+v, %v", b, err)
	}
}
