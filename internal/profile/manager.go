package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/profilesync/internal/storage"
)

// Store defines the backing-store operations the Manager needs.
// Implemented by storage.Store and postgres.Store.
type Store interface {
	ReadOne(ctx context.Context, collection, userID string) (map[string]any, error)
	WriteOne(ctx context.Context, collection, userID string, fields map[string]any) error
	Subscribe(collection, userID string, fn func(storage.Change)) (func(), error)
	Completeness(ctx context.Context, userID string) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const (
	DefaultTTL        = 5 * time.Minute
	DefaultStaleAfter = 30 * time.Second
)

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	TTL        time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Clock      Clock
	Logger     *slog.Logger
}

// Manager keeps an in-memory cache of per-user profile entries in front of
// a Store. Reads are served from cache until the TTL expires, updates are
// applied to the cache before they are persisted, and persists run through
// a WriteQueue.
type Manager struct {
	store      Store
	clock      Clock
	ttl        time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	queue      *WriteQueue

	mu      sync.RWMutex
	entries map[string]*Entry
	// gen counts cache writes per user so a rollback can tell whether the
	// entry still holds its own optimistic merge, and a plain miss can tell
	// whether a write landed during its fetch.
	gen map[string]uint64

	hits        atomic.Int64
	misses      atomic.Int64
	staleServes atomic.Int64
	rollbacks   atomic.Int64
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:      store,
		clock:      opts.Clock,
		ttl:        opts.TTL,
		staleAfter: opts.StaleAfter,
		logger:     opts.Logger,
		queue:      NewWriteQueue(opts.BatchSize),
		entries:    make(map[string]*Entry),
		gen:        make(map[string]uint64),
	}
}

// GetProfile returns the cached entry for userID, fetching it from the store
// when it is missing, expired, or forceRefresh is set. When a fetch fails and
// an older entry exists, that entry is returned flagged Stale instead of an
// error.
func (m *Manager) GetProfile(ctx context.Context, userID string, forceRefresh bool) (Entry, error) {
	if userID == "" {
		return Entry{}, ErrUserIDRequired
	}

	m.mu.RLock()
	startGen := m.gen[userID]
	if !forceRefresh {
		e, ok := m.entries[userID]
		if ok && !m.expired(e) {
			cp := e.clone()
			m.mu.RUnlock()
			m.hits.Add(1)
			return cp, nil
		}
	}
	m.mu.RUnlock()
	m.misses.Add(1)

	entry, err := m.fetch(ctx, userID)
	if err != nil {
		m.mu.Lock()
		prev, ok := m.entries[userID]
		if ok {
			prev.Stale = true
			cp := prev.clone()
			m.mu.Unlock()
			m.staleServes.Add(1)
			m.logger.Warn("serving stale profile", "user_id", userID, "error", err)
			return cp, nil
		}
		m.mu.Unlock()
		return Entry{}, &FetchError{UserID: userID, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A plain miss must not overwrite a write that landed while it was reading.
	if !forceRefresh && m.gen[userID] != startGen {
		if cur, ok := m.entries[userID]; ok {
			return cur.clone(), nil
		}
		return entry.clone(), nil
	}
	m.entries[userID] = &entry
	m.gen[userID]++
	return entry.clone(), nil
}

func (m *Manager) expired(e *Entry) bool {
	return m.clock.Now().Sub(e.LastRefreshed) >= m.ttl
}

// fetch reads both records and the completeness score concurrently. A
// completeness failure is logged and scores 0.
func (m *Manager) fetch(ctx context.Context, userID string) (Entry, error) {
	var profileRow, talentRow map[string]any
	score, scored := 0, false

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		row, err := m.store.ReadOne(gctx, storage.CollectionProfiles, userID)
		if err != nil {
			return fmt.Errorf("reading profile: %w", err)
		}
		profileRow = row
		return nil
	})
	g.Go(func() error {
		row, err := m.store.ReadOne(gctx, storage.CollectionTalentProfiles, userID)
		if err != nil {
			return fmt.Errorf("reading extended profile: %w", err)
		}
		talentRow = row
		return nil
	})
	g.Go(func() error {
		s, err := m.store.Completeness(gctx, userID)
		if err != nil {
			m.logger.Warn("computing profile completeness", "user_id", userID, "error", err)
			return nil
		}
		score, scored = s, true
		return nil
	})
	if err := g.Wait(); err != nil {
		return Entry{}, err
	}

	p, err := profileFromRow(profileRow)
	if err != nil {
		return Entry{}, err
	}
	x, err := extendedFromRow(talentRow)
	if err != nil {
		return Entry{}, err
	}
	if p != nil && scored {
		p.Completeness = score
	}
	return Entry{
		Profile:       p,
		Extended:      x,
		Completeness:  score,
		LastRefreshed: m.clock.Now(),
	}, nil
}

// Update is the handle returned by UpdateProfile. Optimistic holds the cache
// entry as merged before any I/O; Wait returns the authoritative result.
type Update struct {
	optimistic Entry
	done       chan struct{}
	result     Entry
	err        error
}

func resolvedUpdate(e Entry) *Update {
	u := &Update{optimistic: e, result: e, done: make(chan struct{})}
	close(u.done)
	return u
}

// Optimistic returns a copy of the entry as it was right after the merge.
func (u *Update) Optimistic() Entry { return u.optimistic.clone() }

// Done is closed once the queued persist has settled.
func (u *Update) Done() <-chan struct{} { return u.done }

// Wait blocks until the persist settles or ctx is done. A failed persist is
// reported as a *PersistError. Cancelling ctx does not cancel the persist.
func (u *Update) Wait(ctx context.Context) (Entry, error) {
	select {
	case <-u.done:
		if u.err != nil {
			return Entry{}, u.err
		}
		return u.result.clone(), nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// UpdateProfile merges the patches into the cached entry immediately and
// queues the persist. The merge is visible to GetProfile before this
// returns. If the persist fails the entry is restored to its pre-update
// snapshot. Passing two empty patches writes nothing and resolves with the
// current entry.
func (m *Manager) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch, ext *ExtendedPatch) (*Update, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var xp ExtendedPatch
	if ext != nil {
		xp = *ext
	}
	if err := xp.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev, had := m.entries[userID]
	if patch.IsEmpty() && xp.IsEmpty() {
		var cur Entry
		if had {
			cur = prev.clone()
		}
		m.mu.Unlock()
		return resolvedUpdate(cur), nil
	}

	var snapshot *Entry
	if had {
		s := prev.clone()
		snapshot = &s
	}
	merged := m.merge(userID, prev, patch, xp)
	m.entries[userID] = merged
	m.gen[userID]++
	gen := m.gen[userID]
	m.mu.Unlock()

	u := &Update{optimistic: merged.clone(), done: make(chan struct{})}
	opCtx := context.WithoutCancel(ctx)
	result := m.queue.Enqueue(userID, func() error {
		e, err := m.persist(opCtx, userID, patch, xp)
		u.result = e
		return err
	})

	go func() {
		if err := <-result; err != nil {
			m.rollback(userID, gen, snapshot)
			m.logger.Warn("persisting profile update rolled back", "user_id", userID, "error", err)
			u.err = &PersistError{UserID: userID, RolledBack: true, Err: err}
		}
		close(u.done)
	}()
	return u, nil
}

// merge builds the optimistic entry. Must be called with m.mu held.
func (m *Manager) merge(userID string, prev *Entry, patch ProfilePatch, xp ExtendedPatch) *Entry {
	var e Entry
	if prev != nil {
		e = prev.clone()
	} else {
		e = Entry{LastRefreshed: m.clock.Now()}
	}
	now := m.clock.Now()
	if !patch.IsEmpty() {
		if e.Profile == nil {
			e.Profile = &ProfileRecord{UserID: userID, CreatedAt: now}
		}
		patch.apply(e.Profile)
		e.Profile.UpdatedAt = now
	}
	if !xp.IsEmpty() {
		if e.Extended == nil {
			e.Extended = &ExtendedProfileRecord{UserID: userID, CreatedAt: now}
		}
		xp.apply(e.Extended)
		e.Extended.UpdatedAt = now
	}
	return &e
}

// persist writes both deltas concurrently, then replaces the cache entry
// with a forced refresh. The refresh also recomputes completeness.
func (m *Manager) persist(ctx context.Context, userID string, patch ProfilePatch, xp ExtendedPatch) (Entry, error) {
	var g errgroup.Group
	if !patch.IsEmpty() {
		g.Go(func() error {
			return m.store.WriteOne(ctx, storage.CollectionProfiles, userID, patch.Fields())
		})
	}
	if !xp.IsEmpty() {
		g.Go(func() error {
			return m.store.WriteOne(ctx, storage.CollectionTalentProfiles, userID, xp.Fields())
		})
	}
	if err := g.Wait(); err != nil {
		return Entry{}, err
	}
	return m.GetProfile(ctx, userID, true)
}

// rollback restores snapshot if the cache still holds the optimistic entry
// written at gen. A nil snapshot removes the seeded entry. If the entry was
// rewritten since gen it may carry this update's data, so it is dropped and
// the next read loads the store state.
func (m *Manager) rollback(userID string, gen uint64, snapshot *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot == nil || m.gen[userID] != gen {
		delete(m.entries, userID)
	} else {
		s := snapshot.clone()
		m.entries[userID] = &s
	}
	m.gen[userID]++
	m.rollbacks.Add(1)
}

// PrefetchProfiles refreshes every listed user that has no entry, a stale
// entry, or one older than the stale window. Failures are logged and do not
// stop the others. It returns the number of users fetched successfully.
func (m *Manager) PrefetchProfiles(ctx context.Context, userIDs []string) int {
	var fetched atomic.Int64
	var g errgroup.Group
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if !m.needsPrefetch(id) {
			continue
		}
		g.Go(func() error {
			if _, err := m.GetProfile(ctx, id, true); err != nil {
				m.logger.Warn("prefetching profile", "user_id", id, "error", err)
				return nil
			}
			fetched.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(fetched.Load())
}

func (m *Manager) needsPrefetch(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[userID]
	if !ok || e.Stale {
		return true
	}
	return m.clock.Now().Sub(e.LastRefreshed) > m.staleAfter
}

// SubscribeToProfileUpdates calls fn with a freshly fetched entry whenever
// either of userID's records changes. Refresh errors are logged and the
// subscription stays open. After the returned function is called no new
// callback is delivered.
func (m *Manager) SubscribeToProfileUpdates(ctx context.Context, userID string, fn func(Entry)) (func(), error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var closed atomic.Bool
	handler := func(c storage.Change) {
		if closed.Load() {
			return
		}
		entry, err := m.GetProfile(ctx, userID, true)
		if err != nil {
			m.logger.Warn("refreshing profile after change", "user_id", userID, "collection", c.Collection, "error", err)
			return
		}
		if closed.Load() {
			return
		}
		fn(entry)
	}

	unsubProfile, err := m.store.Subscribe(storage.CollectionProfiles, userID, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribing to profile changes: %w", err)
	}
	unsubTalent, err := m.store.Subscribe(storage.CollectionTalentProfiles, userID, handler)
	if err != nil {
		unsubProfile()
		return nil, fmt.Errorf("subscribing to extended profile changes: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			closed.Store(true)
			unsubProfile()
			unsubTalent()
		})
	}, nil
}

// Peek returns the cached entry for userID without touching the store.
func (m *Manager) Peek(userID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Invalidate drops the cached entry for userID.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	m.gen[userID]++
}

// Clear drops every cached entry.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.entries {
		m.gen[id]++
	}
	m.entries = make(map[string]*Entry)
}

// Stats returns cache counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	n := len(m.entries)
	m.mu.RUnlock()
	return Stats{
		Entries:     n,
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		StaleServes: m.staleServes.Load(),
		Rollbacks:   m.rollbacks.Load(),
		QueueDepth:  m.queue.Len(),
	}
}

// Close waits for queued writes to settle.
func (m *Manager) Close() {
	m.queue.Wait()
}
