package callchan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/hostline/internal/config"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/transport/memtransport"
	"github.com/petervdpas/hostline/internal/util"
)

func newClient(t *testing.T, hub *memtransport.Hub, id string, mirror *util.RingBuffer[proto.ChatMessage]) (*Client, *memtransport.Client) {
	t.Helper()
	tr := hub.NewClient()
	if err := tr.Login(context.Background(), id, ""); err != nil {
		t.Fatal(err)
	}
	return New(tr, Options{DisplayName: id, ChatMirror: mirror}), tr
}

func waitEvent(t *testing.T, c *Client, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-c.Events():
			if evt.Type == typ {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestProfileWaitResolvesEitherOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	hub := memtransport.NewHub()
	host, _ := newClient(t, hub, "host-1", nil)
	caller, _ := newClient(t, hub, "caller-a", nil)

	// Host announces before the caller is on the channel.
	if err := host.Join(ctx, "call-1", config.RoleHost); err != nil {
		t.Fatal(err)
	}
	if err := caller.Join(ctx, "call-1", config.RoleCaller); err != nil {
		t.Fatal(err)
	}

	p, err := caller.WaitForProfile(ctx, "host-1")
	if err != nil {
		t.Fatalf("caller wait: %v", err)
	}
	if p.Role != config.RoleHost || p.MediaID != "host-1" {
		t.Fatalf("profile = %+v", p)
	}
	p, err = host.WaitForRole(ctx, config.RoleCaller)
	if err != nil || p.Identity != "caller-a" {
		t.Fatalf("host wait = %+v, %v", p, err)
	}
	if role, ok := host.RoleOf("caller-a"); !ok || role != config.RoleCaller {
		t.Fatalf("RoleOf = %q, %v", role, ok)
	}
}

func TestJoinIdempotentAndSwitchesChannel(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	c, _ := newClient(t, hub, "caller-a", nil)
	other, _ := newClient(t, hub, "host-1", nil)

	if err := other.Join(ctx, "call-1", config.RoleHost); err != nil {
		t.Fatal(err)
	}
	if err := c.Join(ctx, "call-1", config.RoleCaller); err != nil {
		t.Fatal(err)
	}
	if err := c.Join(ctx, "call-1", config.RoleCaller); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendChat(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	if len(c.ChatLog()) != 1 {
		t.Fatal("idempotent re-join cleared the chat log")
	}

	if err := c.Join(ctx, "call-2", config.RoleCaller); err != nil {
		t.Fatal(err)
	}
	if got := c.State().Channel; got != "call-2" {
		t.Fatalf("channel = %q", got)
	}
	if len(c.ChatLog()) != 0 {
		t.Fatal("chat log survived channel switch")
	}
	waitEvent(t, other, EventBye)
}

func TestChatIsLoggedAndMirrored(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	mirror := util.NewRingBuffer[proto.ChatMessage](8)
	host, _ := newClient(t, hub, "host-1", mirror)
	caller, _ := newClient(t, hub, "caller-a", nil)
	if err := host.Join(ctx, "call-1", config.RoleHost); err != nil {
		t.Fatal(err)
	}
	if err := caller.Join(ctx, "call-1", config.RoleCaller); err != nil {
		t.Fatal(err)
	}

	if _, err := caller.SendChat(ctx, "hi there"); err != nil {
		t.Fatal(err)
	}
	evt := waitEvent(t, host, EventChat)
	if evt.Chat.Text != "hi there" || evt.Chat.From != "caller-a" {
		t.Fatalf("chat event = %+v", evt.Chat)
	}
	log := host.ChatLog()
	if len(log) != 1 || log[0].Text != "hi there" {
		t.Fatalf("chat log = %+v", log)
	}
	if mirror.Len() != 1 {
		t.Fatalf("mirror len = %d", mirror.Len())
	}
}

func TestHostEndedSetsFlagOnly(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	host, _ := newClient(t, hub, "host-1", nil)
	caller, _ := newClient(t, hub, "caller-a", nil)
	_ = host.Join(ctx, "call-1", config.RoleHost)
	_ = caller.Join(ctx, "call-1", config.RoleCaller)

	if err := host.SendHostEnded(ctx); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, caller, EventHostEnded)
	if !caller.HostEnded() {
		t.Fatal("host-ended flag not set")
	}
	if !caller.State().Joined {
		t.Fatal("host-ended must not leave the channel")
	}
}

func TestObserverDoesNotAnnounce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	hub := memtransport.NewHub()
	host, _ := newClient(t, hub, "host-1", nil)
	obs, _ := newClient(t, hub, "watcher", nil)
	_ = host.Join(context.Background(), "call-1", config.RoleHost)
	if err := obs.Join(context.Background(), "call-1", config.RoleObserver); err != nil {
		t.Fatal(err)
	}
	if _, err := obs.WaitForProfile(context.Background(), "host-1"); err != nil {
		t.Fatalf("observer should still learn the host: %v", err)
	}
	if _, err := host.WaitForProfile(ctx, "watcher"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("observer profile seen: %v", err)
	}
}

func TestLeaveClearsStateAndFailsWaiters(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	c, tr := newClient(t, hub, "caller-a", nil)
	if err := c.Join(ctx, "call-1", config.RoleCaller); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitForProfile(ctx, "host-1")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	tr.SetFaults(memtransport.Faults{Leave: errors.New("leave failed"), Send: errors.New("send failed")})
	if err := c.Leave(ctx); err == nil {
		t.Fatal("expected transport leave error to be reported")
	}
	if st := c.State(); st.Joined || st.Channel != "" || len(st.Participants) != 0 {
		t.Fatalf("state after leave = %+v", st)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrLeft) {
			t.Fatalf("waiter err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by leave")
	}
	if _, err := c.SendChat(ctx, "x"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("send after leave = %v", err)
	}
}

func TestMediaSignalsRouted(t *testing.T) {
	ctx := context.Background()
	hub := memtransport.NewHub()
	a, _ := newClient(t, hub, "a", nil)
	b, _ := newClient(t, hub, "b", nil)
	_ = a.Join(ctx, "call-1", config.RoleHost)
	_ = b.Join(ctx, "call-1", config.RoleCaller)

	sigs, cancel := b.MediaSignals()
	defer cancel()

	_ = a.SendSignal(ctx, proto.Signal{Type: proto.SigMediaOffer, To: "someone-else"})
	_ = a.SendSignal(ctx, proto.Signal{Type: proto.SigMediaReady, To: "b"})

	select {
	case sig := <-sigs:
		if sig.Type != proto.SigMediaReady || sig.From != "a" {
			t.Fatalf("signal = %+v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("media signal not delivered")
	}
}
