package presence

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/hostline/internal/proto"
)

func TestDerive(t *testing.T) {
	cases := []struct {
		status  string
		active  bool
		inCall  bool
		channel string
		want    Availability
	}{
		{proto.StatusAvailable, false, false, "c", Offline},
		{proto.StatusOffline, true, false, "c", Offline},
		{proto.StatusAvailable, true, true, "c", InCall},
		{proto.StatusInCall, true, false, "c", InCall},
		{proto.StatusInCall, true, true, "", Online},
		{proto.StatusAvailable, true, false, "c", Available},
		{proto.StatusAvailable, true, false, "", Online},
		{proto.StatusOnline, true, false, "c", Online},
		{"", true, false, "", Online},
	}
	for _, tc := range cases {
		name := fmt.Sprintf("%s/%v/%v/%q", tc.status, tc.active, tc.inCall, tc.channel)
		t.Run(name, func(t *testing.T) {
			if got := Derive(tc.status, tc.active, tc.inCall, tc.channel); got != tc.want {
				t.Fatalf("Derive = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestApplyRemovesOfflineAndInactive(t *testing.T) {
	s := NewStore(clock.NewMock())
	s.Apply(FromStatus(proto.HostStatus{HostID: "h1", Status: proto.StatusAvailable, Active: true, ChannelRef: "c1"}))
	if _, ok := s.Get("h1"); !ok {
		t.Fatal("h1 missing after apply")
	}

	s.Apply(FromStatus(proto.HostStatus{HostID: "h1", Status: proto.StatusAvailable, Active: false, ChannelRef: "c1"}))
	if _, ok := s.Get("h1"); ok {
		t.Fatal("inactive h1 still stored")
	}

	s.Apply(FromStatus(proto.HostStatus{HostID: "h2", Status: proto.StatusOnline, Active: true}))
	s.Apply(FromStatus(proto.HostStatus{HostID: "h2", Status: proto.StatusOffline, Active: true}))
	if _, ok := s.Get("h2"); ok {
		t.Fatal("offline h2 still stored")
	}
}

// No sequence of events can leave an offline record in the visible list.
func TestVisibleNeverShowsOffline(t *testing.T) {
	s := NewStore(clock.NewMock())
	rng := rand.New(rand.NewSource(42))
	statuses := []string{proto.StatusOnline, proto.StatusAvailable, proto.StatusInCall, proto.StatusOffline}

	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("h%d", rng.Intn(8))
		switch rng.Intn(4) {
		case 0:
			s.Remove(id)
		case 1:
			s.MarkInCall(id, fmt.Sprintf("c%d", rng.Intn(3)), "x")
		default:
			ch := ""
			if rng.Intn(2) == 0 {
				ch = "c" + id
			}
			s.Apply(FromStatus(proto.HostStatus{
				HostID:     id,
				Status:     statuses[rng.Intn(len(statuses))],
				Active:     rng.Intn(5) != 0,
				InCall:     rng.Intn(4) == 0,
				ChannelRef: ch,
			}))
		}
		for _, r := range s.Visible() {
			if r.Availability == Offline || !r.Active {
				t.Fatalf("step %d: visible record %+v", i, r)
			}
			if r.Availability == InCall && r.ChannelRef == "" {
				t.Fatalf("step %d: in_call without channel %+v", i, r)
			}
		}
	}
}

func TestUpdateReadsLatest(t *testing.T) {
	s := NewStore(clock.NewMock())
	s.Apply(HostRecord{HostID: "h1", Active: true, Availability: Available, ChannelRef: "c1"})

	s.Update("h1", func(rec HostRecord, ok bool) (HostRecord, bool) {
		if !ok {
			t.Fatal("expected existing record")
		}
		rec.InCallWith = "a"
		return rec, true
	})
	s.Update("h1", func(rec HostRecord, ok bool) (HostRecord, bool) {
		if rec.InCallWith != "a" {
			t.Fatalf("update saw stale record %+v", rec)
		}
		return rec, false
	})

	got, _ := s.Get("h1")
	if got.ChannelRef != "c1" || got.Availability != Available {
		t.Fatalf("record = %+v", got)
	}
}

func TestMarkInCallAndAvailable(t *testing.T) {
	s := NewStore(clock.NewMock())
	s.Apply(HostRecord{HostID: "b", Active: true, Availability: Available, ChannelRef: "cb"})
	s.Apply(HostRecord{HostID: "a", Active: true, Availability: Available, ChannelRef: "ca"})
	s.Apply(HostRecord{HostID: "c", Active: true, Availability: Online})

	avail := s.Available()
	if len(avail) != 2 || avail[0].HostID != "a" || avail[1].HostID != "b" {
		t.Fatalf("available = %+v", avail)
	}

	s.MarkInCall("a", "", "me")
	got, _ := s.Get("a")
	if got.Availability != InCall || got.ChannelRef != "ca" || got.InCallWith != "me" {
		t.Fatalf("after MarkInCall: %+v", got)
	}
	if len(s.Available()) != 1 {
		t.Fatal("in-call host still listed as available")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := NewStore(clock.NewMock())
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.Apply(HostRecord{HostID: "h1", Active: true, Availability: Online})
	s.Remove("h1")

	if evt := <-ch; evt.Type != "update" || evt.HostID != "h1" {
		t.Fatalf("first event = %+v", evt)
	}
	if evt := <-ch; evt.Type != "remove" {
		t.Fatalf("second event = %+v", evt)
	}
}
