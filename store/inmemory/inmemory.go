package inmemory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	kerrors "github.com/jrsteele09/go-session-keeper/internal/errors"
	"github.com/jrsteele09/go-session-keeper/store"
)

type item struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store is an in-process store.Store. It backs unit tests of the layers above
// and serves as the degradation target when the primary store is unreachable.
type Store struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	items     map[string]item
	schedules map[string]map[string]time.Time
	windows   map[string][]bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store using the given clock for TTL
// evaluation.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:     clock,
		items:     make(map[string]item),
		schedules: make(map[string]map[string]time.Time),
		windows:   make(map[string][]bool),
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.liveItem(key)
	if !ok {
		return nil, kerrors.ErrNotFound
	}
	val := make([]byte, len(it.value))
	copy(val, it.value)
	return val, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = s.newItem(value, ttl)
	return nil
}

func (s *Store) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveItem(key); ok {
		return false, nil
	}
	s.items[key] = s.newItem(value, ttl)
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveItem(key)
	return ok, nil
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if it, ok := s.liveItem(key); ok {
		parsed, err := strconv.ParseInt(string(it.value), 10, 64)
		if err != nil {
			return 0, kerrors.Wrapf(err, "inmemory.Incr %q", key)
		}
		n = parsed + 1
		it.value = []byte(strconv.FormatInt(n, 10))
		s.items[key] = it
		return n, nil
	}
	n = 1
	s.items[key] = s.newItem([]byte("1"), ttl)
	return n, nil
}

func (s *Store) ScheduleUpsert(_ context.Context, set, member string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule(set)[member] = at
	return nil
}

func (s *Store) ScheduleDefer(_ context.Context, set, member string, delta time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched := s.schedule(set)
	at, ok := sched[member]
	if !ok {
		return nil
	}
	sched[member] = at.Add(delta)
	return nil
}

func (s *Store) ScheduleDue(_ context.Context, set string, now time.Time, limit int64) ([]store.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]store.ScheduleEntry, 0)
	for member, at := range s.schedule(set) {
		if !at.After(now) {
			entries = append(entries, store.ScheduleEntry{Member: member, At: at})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) ScheduleEarliest(_ context.Context, set string) (*store.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest *store.ScheduleEntry
	for member, at := range s.schedule(set) {
		if earliest == nil || at.Before(earliest.At) {
			earliest = &store.ScheduleEntry{Member: member, At: at}
		}
	}
	return earliest, nil
}

func (s *Store) ScheduleRemove(_ context.Context, set, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedule(set), member)
	return nil
}

func (s *Store) WindowPush(_ context.Context, key string, success bool, maxLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := append([]bool{success}, s.windows[key]...)
	if maxLen > 0 && int64(len(window)) > maxLen {
		window = window[:maxLen]
	}
	s.windows[key] = window
	return nil
}

func (s *Store) WindowSnapshot(_ context.Context, key string) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := make([]bool, len(s.windows[key]))
	copy(window, s.windows[key])
	return window, nil
}

func (s *Store) newItem(value []byte, ttl time.Duration) item {
	val := make([]byte, len(value))
	copy(val, value)
	it := item{value: val}
	if ttl > 0 {
		it.expiresAt = s.clock.Now().Add(ttl)
	}
	return it
}

// liveItem returns the item at key, expiring it lazily. Callers hold s.mu.
func (s *Store) liveItem(key string) (item, bool) {
	it, ok := s.items[key]
	if !ok {
		return item{}, false
	}
	if !it.expiresAt.IsZero() && !s.clock.Now().Before(it.expiresAt) {
		delete(s.items, key)
		return item{}, false
	}
	return it, true
}

func (s *Store) schedule(set string) map[string]time.Time {
	if s.schedules[set] == nil {
		s.schedules[set] = make(map[string]time.Time)
	}
	return s.schedules[set]
}
