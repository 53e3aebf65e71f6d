package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultLockTTL bounds how long a distributed contact lock survives a crashed holder.
const DefaultLockTTL = 30 * time.Second

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager serializes work per contact. Entries are reference counted and removed when unused,
// so the lock table only holds contacts that are being processed.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*lockEntry

	locker  Locker
	lockTTL time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLocker adds a distributed lock taken after the in-process one.
func WithLocker(locker Locker) ManagerOption {
	return func(m *Manager) { m.locker = locker }
}

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.lockTTL = ttl }
}

// NewManager creates a Manager over the given session store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		locks:   make(map[string]*lockEntry),
		lockTTL: DefaultLockTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying session store.
func (m *Manager) Store() Store { return m.store }

func (m *Manager) acquire(contactID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[contactID]
	if !ok {
		entry = &lockEntry{}
		m.locks[contactID] = entry
	}
	entry.refs++
	return entry
}

func (m *Manager) release(contactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[contactID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, contactID)
	}
}

// active returns the number of contacts holding or waiting on a lock.
func (m *Manager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// WithLock runs fn while holding the contact's lock.
func (m *Manager) WithLock(ctx context.Context, contactID string, fn func(context.Context) error) error {
	entry := m.acquire(contactID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(contactID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, contactID, m.lockTTL)
		if err != nil {
			return err
		}
		defer func() {
			// A fresh context so a cancelled request still releases the key.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Manager.WithLock: failed to release distributed lock, it will expire", "contactID", contactID, "error", err)
			}
		}()
	}

	return fn(ctx)
}
