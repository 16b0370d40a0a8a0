package tracker

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/manenim/gateway-rate-limiter/internal/clone"
	"github.com/manenim/gateway-rate-limiter/internal/keylock"
)

// MemoryStorage is the default in-process Storage adapter. It holds records
// in a map guarded by a per-key lock table (internal/keylock) so that
// operations on distinct identities never block one another.
//
// Its state is local to the process; use RedisStorage when multiple
// replicas must share one view of the world.
type MemoryStorage struct {
	locks *keylock.Table

	mu       sync.Mutex // guards records and deferred
	records  map[string]*Record
	deferred map[string]struct{}

	purgeInterval time.Duration
	stopPurge     chan struct{}
	purgeTimer    *time.Timer
	purgeOnce     sync.Once

	logger      *log.Logger
	cloneWarned sync.Once
}

// MemoryStorageOption configures a MemoryStorage at construction time.
type MemoryStorageOption func(*MemoryStorage)

// WithPurgeInterval overrides the default 60s purge sweep interval. Zero
// disables the purge loop entirely.
func WithPurgeInterval(d time.Duration) MemoryStorageOption {
	return func(m *MemoryStorage) { m.purgeInterval = d }
}

// WithMemoryLogger overrides the default log.Default() diagnostic sink.
func WithMemoryLogger(l *log.Logger) MemoryStorageOption {
	return func(m *MemoryStorage) { m.logger = l }
}

// NewMemoryStorage constructs a ready-to-use in-process adapter and starts
// its purge loop.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	m := &MemoryStorage{
		locks:         keylock.New(),
		records:       make(map[string]*Record),
		deferred:      make(map[string]struct{}),
		purgeInterval: 60 * time.Second,
		stopPurge:     make(chan struct{}),
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.schedulePurge()
	return m
}

func (m *MemoryStorage) schedulePurge() {
	if m.purgeInterval <= 0 {
		return
	}
	m.purgeTimer = time.AfterFunc(m.purgeInterval, func() {
		m.purgeExpired()
		select {
		case <-m.stopPurge:
			return
		default:
			m.schedulePurge()
		}
	})
}

func (m *MemoryStorage) purgeExpired() {
	now := NowMillis()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.records {
		if now > rec.ExpiresAt {
			delete(m.records, key)
			delete(m.deferred, key)
		}
	}
}

func (m *MemoryStorage) cloneOut(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	cp := *rec
	out, ok := clone.Value(rec.Details)
	if !ok {
		m.cloneWarned.Do(func() {
			m.logger.Printf("tracker/memory: details value contains a non-cloneable leaf (func/chan); falling back to shallow copy for that field")
		})
	}
	cp.Details = out
	return &cp
}

func (m *MemoryStorage) Get(ctx context.Context, key string) (*Record, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	m.mu.Lock()
	rec, ok := m.records[key]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.cloneOut(rec), nil
}

func (m *MemoryStorage) Set(ctx context.Context, key string, rec *Record) error {
	unlock := m.locks.Lock(key)
	defer unlock()

	stored := m.cloneOut(rec)
	stored.Key = key

	m.mu.Lock()
	m.records[key] = stored
	if stored.Deferred {
		m.deferred[key] = struct{}{}
	} else {
		delete(m.deferred, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	unlock := m.locks.Lock(key)
	defer unlock()

	m.mu.Lock()
	delete(m.records, key)
	delete(m.deferred, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Update(ctx context.Context, key string, fn func(*Record) (*Record, error)) (bool, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	m.mu.Lock()
	prior, ok := m.records[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	next, err := fn(m.cloneOut(prior))
	if err != nil {
		return false, err
	}

	stored := m.cloneOut(next)
	stored.Key = key
	m.mu.Lock()
	m.records[key] = stored
	if stored.Deferred {
		m.deferred[key] = struct{}{}
	} else {
		delete(m.deferred, key)
	}
	m.mu.Unlock()
	return true, nil
}

func (m *MemoryStorage) Size(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func (m *MemoryStorage) AcquireKeySlot(ctx context.Context, key string, maxKeys int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[key]; exists {
		return true, nil
	}
	if maxKeys <= 0 {
		return true, nil
	}
	return int64(len(m.records)) < maxKeys, nil
}

// Track implements the freshness rule, maxKeys enforcement, and strategy
// dispatch under the single per-key critical section, so a concurrent
// Update or Track on the same identity cannot interleave with it.
func (m *MemoryStorage) Track(ctx context.Context, key string, event Event, cfg Config, strategy Strategy, maxKeys int64) (TrackResult, error) {
	unlock := m.locks.Lock(key)
	defer unlock()

	now := NowMillis()
	detailsHash := GenerateDetailsHash(event.Details)

	m.mu.Lock()
	prior, exists := m.records[key]
	m.mu.Unlock()

	var priorForStrategy *Record
	if exists {
		if now > prior.ExpiresAt || prior.DetailsHash != detailsHash {
			priorForStrategy = nil
		} else {
			priorForStrategy = m.cloneOut(prior)
		}
	}

	if priorForStrategy == nil {
		m.mu.Lock()
		size := int64(len(m.records))
		_, alreadyLive := m.records[key]
		m.mu.Unlock()
		if !alreadyLive && maxKeys > 0 && size >= maxKeys {
			return TrackResult{Outcome: OutcomeIgnored, Reason: ReasonKeyLimitReached}, nil
		}
	}

	outcome, next, reason := strategy.Decide(priorForStrategy, event, key, detailsHash, now, cfg)

	stored := m.cloneOut(next)
	stored.Key = key
	m.mu.Lock()
	m.records[key] = stored
	if stored.Deferred {
		m.deferred[key] = struct{}{}
	} else {
		delete(m.deferred, key)
	}
	m.mu.Unlock()

	return TrackResult{Outcome: outcome, Record: m.cloneOut(stored), Reason: reason}, nil
}

func (m *MemoryStorage) FindDueDeferred(ctx context.Context, nowMs int64) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(m.deferred))
	for key := range m.deferred {
		rec := m.records[key]
		if rec != nil && rec.ScheduledSendAt <= nowMs {
			out = append(out, m.cloneOut(rec))
		}
	}
	sortByScheduledThenKey(out)
	return out, nil
}

func (m *MemoryStorage) PopDueDeferred(ctx context.Context, nowMs int64) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(m.deferred))
	for key := range m.deferred {
		rec := m.records[key]
		if rec != nil && rec.ScheduledSendAt <= nowMs {
			out = append(out, m.cloneOut(rec))
			delete(m.records, key)
			delete(m.deferred, key)
		}
	}
	sortByScheduledThenKey(out)
	return out, nil
}

func (m *MemoryStorage) FindAllDeferred(ctx context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(m.deferred))
	for key := range m.deferred {
		if rec := m.records[key]; rec != nil {
			out = append(out, m.cloneOut(rec))
		}
	}
	sortByScheduledThenKey(out)
	return out, nil
}

func (m *MemoryStorage) Close(ctx context.Context) error {
	m.purgeOnce.Do(func() {
		close(m.stopPurge)
		if m.purgeTimer != nil {
			m.purgeTimer.Stop()
		}
	})
	return nil
}

func sortByScheduledThenKey(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ScheduledSendAt != recs[j].ScheduledSendAt {
			return recs[i].ScheduledSendAt < recs[j].ScheduledSendAt
		}
		return recs[i].Key < recs[j].Key
	})
}
