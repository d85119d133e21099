package admission

import (
	"sync"
	"time"
)

// Reservation is the short-lived claim a caller holds on a host channel while
// admission runs.
type Reservation struct {
	ChannelID  string    `json:"channel_id"`
	CallerID   string    `json:"caller_id"`
	ReservedAt time.Time `json:"reserved_at"`
	Locked     bool      `json:"locked"`
}

// Expired reports whether r is outside the lock window at now.
func (r Reservation) Expired(now time.Time, window time.Duration) bool {
	return !now.Before(r.ReservedAt.Add(window))
}

// ReservationStore holds reservations keyed by channel id. Lock serializes
// all reads and writes for one key; independent keys never contend.
type ReservationStore interface {
	Lock(key string) (unlock func())
	Get(key string) (Reservation, bool)
	Put(r Reservation)
	Delete(key string)
	// Sweep drops every reservation older than ttl and returns how many went.
	Sweep(now time.Time, ttl time.Duration) int
	Len() int
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// MemoryStore is the in-process ReservationStore.
type MemoryStore struct {
	locksMu sync.Mutex
	locks   map[string]*keyLock

	mu    sync.Mutex
	table map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: map[string]*keyLock{},
		table: map[string]Reservation{},
	}
}

func (s *MemoryStore) Lock(key string) func() {
	s.locksMu.Lock()
	l := s.locks[key]
	if l == nil {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, key)
			}
			s.locksMu.Unlock()
		})
	}
}

func (s *MemoryStore) Get(key string) (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table[key]
	return r, ok
}

func (s *MemoryStore) Put(r Reservation) {
	s.mu.Lock()
	s.table[r.ChannelID] = r
	s.mu.Unlock()
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.table, key)
	s.mu.Unlock()
}

func (s *MemoryStore) Sweep(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, r := range s.table {
		if r.Expired(now, ttl) {
			delete(s.table, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// lockCount is the number of live per-key locks, for tests.
func (s *MemoryStore) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}
