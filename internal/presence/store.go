package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type HostRecord struct {
	HostID       string       `json:"host_id"`
	ChannelRef   string       `json:"channel_ref,omitempty"`
	Availability Availability `json:"availability"`
	Active       bool         `json:"active"`
	InCallWith   string       `json:"in_call_with,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Visible reports whether the record may appear in the presence list.
func (r HostRecord) Visible() bool {
	return r.Active && r.Availability != Offline
}

type Event struct {
	Type   string      `json:"type"` // update|remove
	HostID string      `json:"host_id"`
	Record *HostRecord `json:"record,omitempty"`
}

// Store holds the known host records. Offline or inactive records are never
// stored; every mutation path enforces that.
type Store struct {
	mu        sync.Mutex
	clk       clock.Clock
	hosts     map[string]HostRecord
	listeners []chan Event
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clk:   clk,
		hosts: map[string]HostRecord{},
	}
}

// Apply upserts rec, or removes it when it is inactive or offline.
func (s *Store) Apply(rec HostRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(rec)
}

func (s *Store) applyLocked(rec HostRecord) {
	if rec.HostID == "" {
		return
	}
	if !rec.Visible() {
		s.removeLocked(rec.HostID)
		return
	}
	if rec.Availability == InCall && rec.ChannelRef == "" {
		rec.Availability = Online
	}
	rec.UpdatedAt = s.clk.Now()
	s.hosts[rec.HostID] = rec
	s.notifyListeners(Event{Type: "update", HostID: rec.HostID, Record: &rec})
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Store) removeLocked(id string) {
	if _, ok := s.hosts[id]; !ok {
		return
	}
	delete(s.hosts, id)
	s.notifyListeners(Event{Type: "remove", HostID: id})
}

// Update runs fn on the current record for id under the store lock and
// applies the result. fn receives ok=false when no record exists; returning
// keep=false leaves the store unchanged.
func (s *Store) Update(id string, fn func(rec HostRecord, ok bool) (HostRecord, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.hosts[id]
	if !ok {
		cur = HostRecord{HostID: id}
	}
	next, keep := fn(cur, ok)
	if !keep {
		return
	}
	next.HostID = id
	s.applyLocked(next)
}

// MarkInCall flags a host as in a call on channel. Used right after a local
// caller attaches media, before the host's own broadcast arrives.
func (s *Store) MarkInCall(id, channel, with string) {
	s.Update(id, func(rec HostRecord, ok bool) (HostRecord, bool) {
		if !ok {
			rec.Active = true
		}
		if channel == "" {
			channel = rec.ChannelRef
		}
		rec.ChannelRef = channel
		rec.InCallWith = with
		rec.Availability = Derive(string(InCall), rec.Active, true, channel)
		return rec, true
	})
}

func (s *Store) Get(id string) (HostRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.hosts[id]
	return rec, ok
}

// Visible returns the presence list sorted by host id.
func (s *Store) Visible() []HostRecord {
	return s.filter(func(r HostRecord) bool { return r.Visible() })
}

// Available returns hosts that can be called right now.
func (s *Store) Available() []HostRecord {
	return s.filter(func(r HostRecord) bool {
		return r.Active && r.Availability == Available && r.ChannelRef != ""
	})
}

func (s *Store) filter(keep func(HostRecord) bool) []HostRecord {
	s.mu.Lock()
	out := make([]HostRecord, 0, len(s.hosts))
	for _, r := range s.hosts {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

func (s *Store) Snapshot() map[string]HostRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]HostRecord, len(s.hosts))
	for k, v := range s.hosts {
		cp[k] = v
	}
	return cp
}

func (s *Store) Subscribe() chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 32)
	s.listeners = append(s.listeners, ch)
	return ch
}

func (s *Store) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Store) notifyListeners(evt Event) {
	for _, ch := range s.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
