package mq

import (
	"context"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
)

func TestSendDeliversAndAcks(t *testing.T) {
	mn := mocknet.New()
	defer mn.Close()

	a, err := mn.GenPeer()
	if err != nil {
		t.Fatal(err)
	}
	b, err := mn.GenPeer()
	if err != nil {
		t.Fatal(err)
	}
	if err := mn.LinkAll(); err != nil {
		t.Fatal(err)
	}
	if err := mn.ConnectAllButSelf(); err != nil {
		t.Fatal(err)
	}

	ma := New(a)
	mb := New(b)
	defer ma.Close()
	defer mb.Close()

	type got struct{ from, topic, payload string }
	recv := make(chan got, 4)
	unsub := mb.SubscribeTopic("lobby", func(from, topic string, payload []byte) {
		recv <- got{from, topic, string(payload)}
	})
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := ma.Send(ctx, b.ID().String(), "lobby", []byte(`{"type":"status-query"}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" {
		t.Fatal("empty message id")
	}

	select {
	case g := <-recv:
		if g.from != a.ID().String() || g.topic != "lobby" || g.payload != `{"type":"status-query"}` {
			t.Fatalf("received %+v", g)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	// Other prefixes are not delivered to the lobby subscriber.
	if _, err := ma.Send(ctx, b.ID().String(), "other", []byte(`1`)); err != nil {
		t.Fatalf("Send other: %v", err)
	}
	select {
	case g := <-recv:
		t.Fatalf("unexpected delivery %+v", g)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRejectsBadPeerID(t *testing.T) {
	mn := mocknet.New()
	defer mn.Close()
	a, err := mn.GenPeer()
	if err != nil {
		t.Fatal(err)
	}
	m := New(a)
	if _, err := m.Send(context.Background(), "not-a-peer", "x", nil); err == nil {
		t.Fatal("expected error for invalid peer id")
	}
}
