package registrar

import (
	"context"
	"sync"
	"time"

	"github.com/sipstack/core/internal/store"
)

// MemStore is the default in-process Store implementation, backed by
// the shared TTLStore. Per-AOR serialization is provided by a sharded
// mutex keyed by (AppID, AOR), mirroring the teacher's location.Store.mu
// pattern rather than one global lock, so unrelated AORs never block
// each other.
type MemStore struct {
	ttl *store.TTLStore[storeKey, []RegContact]

	locksMu sync.Mutex
	locks   map[storeKey]*sync.Mutex
}

// NewMemStore builds a MemStore whose background sweep runs every
// cleanupInterval.
func NewMemStore(cleanupInterval time.Duration) *MemStore {
	return &MemStore{
		ttl:   store.NewTTLStore[storeKey, []RegContact](cleanupInterval),
		locks: make(map[storeKey]*sync.Mutex),
	}
}

func (s *MemStore) lockFor(key storeKey) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *MemStore) Get(_ context.Context, app AppID, aor AOR) ([]RegContact, error) {
	key := storeKey{App: app, AOR: aor}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	contacts, _ := s.ttl.Get(key)
	return contacts, nil
}

func (s *MemStore) Put(_ context.Context, app AppID, aor AOR, contacts []RegContact, ttl time.Duration) error {
	key := storeKey{App: app, AOR: aor}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	s.ttl.Set(key, contacts, ttl)
	return nil
}

func (s *MemStore) Del(_ context.Context, app AppID, aor AOR) (bool, error) {
	key := storeKey{App: app, AOR: aor}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	return s.ttl.Delete(key), nil
}

func (s *MemStore) DelAll(_ context.Context, app AppID) error {
	var keys []storeKey
	s.ttl.ForEach(func(k storeKey, _ []RegContact) bool {
		if k.App == app {
			keys = append(keys, k)
		}
		return true
	})
	for _, k := range keys {
		l := s.lockFor(k)
		l.Lock()
		s.ttl.Delete(k)
		l.Unlock()
	}
	return nil
}
