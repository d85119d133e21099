package memtransport

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/petervdpas/hostline/internal/transport"
)

func login(t *testing.T, h *Hub, id string) *Client {
	t.Helper()
	c := h.NewClient()
	if err := c.Login(context.Background(), id, ""); err != nil {
		t.Fatalf("login %s: %v", id, err)
	}
	return c
}

func next(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return transport.Event{}
}

func TestChannelBroadcastAndMembership(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	a := login(t, h, "a")
	b := login(t, h, "b")

	ca, err := a.Join(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	cb, err := b.Join(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}

	if evt := next(t, ca.Events()); evt.Kind != transport.EventMemberJoined || evt.From != "b" {
		t.Fatalf("a saw %+v", evt)
	}

	if err := ca.Send(ctx, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if evt := next(t, cb.Events()); evt.Kind != transport.EventMessage || string(evt.Data) != "hi" {
		t.Fatalf("b saw %+v", evt)
	}

	members, _ := ca.Members(ctx)
	if !reflect.DeepEqual(members, []string{"a", "b"}) {
		t.Fatalf("members = %v", members)
	}

	a.HideMember("b", true)
	members, _ = ca.Members(ctx)
	if !reflect.DeepEqual(members, []string{"a"}) {
		t.Fatalf("members with b hidden = %v", members)
	}

	if err := cb.Leave(ctx); err != nil {
		t.Fatal(err)
	}
	if evt := next(t, ca.Events()); evt.Kind != transport.EventMemberLeft || evt.From != "b" {
		t.Fatalf("a saw %+v", evt)
	}
	if _, ok := <-cb.Events(); ok {
		t.Fatal("left channel events not closed")
	}
}

func TestFaultsAndDirectMessages(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	a := login(t, h, "a")
	b := login(t, h, "b")

	boom := errors.New("boom")
	a.SetFaults(Faults{Join: boom})
	if _, err := a.Join(ctx, "x"); !errors.Is(err, boom) {
		t.Fatalf("join err = %v", err)
	}
	a.SetFaults(Faults{})

	if err := a.SendToPeer(ctx, "b", []byte("ping")); err != nil {
		t.Fatal(err)
	}
	if evt := next(t, b.PeerMessages()); evt.From != "a" || string(evt.Data) != "ping" {
		t.Fatalf("b got %+v", evt)
	}
	if err := a.SendToPeer(ctx, "zz", nil); !errors.Is(err, transport.ErrUnknownPeer) {
		t.Fatalf("unknown peer err = %v", err)
	}
}
