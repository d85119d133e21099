package p2p

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"

	"github.com/petervdpas/hostline/internal/transport"
)

func TestLoadOrCreateKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "identity.key")

	k1, created, err := loadOrCreateKey(path)
	if err != nil || !created {
		t.Fatalf("first load: created=%v err=%v", created, err)
	}
	k2, created, err := loadOrCreateKey(path)
	if err != nil || created {
		t.Fatalf("second load: created=%v err=%v", created, err)
	}
	if !k1.Equals(k2) {
		t.Fatal("reloaded key differs")
	}

	if err := os.WriteFile(path, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	_, created, err = loadOrCreateKey(path)
	if err != nil || !created {
		t.Fatalf("corrupt key: created=%v err=%v", created, err)
	}
}

func TestNodesShareChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()
	ha, err := mn.GenPeer()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := mn.GenPeer()
	if err != nil {
		t.Fatal(err)
	}
	if err := mn.LinkAll(); err != nil {
		t.Fatal(err)
	}

	a, err := newNode(ctx, ha)
	if err != nil {
		t.Fatal(err)
	}
	b, err := newNode(ctx, hb)
	if err != nil {
		t.Fatal(err)
	}
	if err := mn.ConnectAllButSelf(); err != nil {
		t.Fatal(err)
	}
	for _, n := range []*Node{a, b} {
		if err := n.Login(ctx, n.ID(), ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Login(ctx, "someone-else", ""); err == nil {
		t.Fatal("expected identity mismatch error")
	}

	ca, err := a.Join(ctx, "lobby")
	if err != nil {
		t.Fatal(err)
	}
	cb, err := b.Join(ctx, "lobby")
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the mesh to see both members.
	deadline := time.Now().Add(10 * time.Second)
	for {
		members, _ := ca.Members(ctx)
		if len(members) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("members = %v", members)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := ca.Send(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case evt := <-cb.Events():
			if evt.Kind != transport.EventMessage {
				continue
			}
			if string(evt.Data) != "hello" || evt.From != a.ID() {
				t.Fatalf("b got %+v", evt)
			}
			if err := cb.Leave(ctx); err != nil {
				t.Fatalf("leave: %v", err)
			}
			return
		case <-ctx.Done():
			t.Fatal("message not delivered")
		}
	}
}
