package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haileyok/atproto-session-broker/internal/helpers"
)

// MemStore is an in-memory [SessionStore] for tests and single-process development. Everything is
// lost on restart.
type MemStore struct {
	pending  map[string]memEntry[PendingAuthorization]
	sessions map[string]memEntry[Session]
	claims   map[string]memClaim

	now func() time.Time
	lk  sync.Mutex
}

type memClaim struct {
	token string
	until time.Time
}

type memEntry[T any] struct {
	val     T
	expires time.Time
}

var _ SessionStore = &MemStore{}

func NewMemStore() *MemStore {
	return &MemStore{
		pending:  make(map[string]memEntry[PendingAuthorization]),
		sessions: make(map[string]memEntry[Session]),
		claims:   make(map[string]memClaim),
		now:      time.Now,
	}
}

func (m *MemStore) SavePending(ctx context.Context, p PendingAuthorization, ttl time.Duration) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	if _, ok := m.pending[p.State]; ok {
		return fmt.Errorf("pending authorization already exists for state")
	}

	m.pending[p.State] = memEntry[PendingAuthorization]{val: p, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemStore) ConsumePending(ctx context.Context, state string) (*PendingAuthorization, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	e, ok := m.pending[state]
	if !ok {
		return nil, ErrInvalidState
	}
	delete(m.pending, state)

	if !m.now().Before(e.expires) {
		return nil, ErrInvalidState
	}

	p := e.val
	return &p, nil
}

func (m *MemStore) DeletePending(ctx context.Context, state string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.pending, state)
	return nil
}

func (m *MemStore) SweepPending(ctx context.Context, olderThan time.Time) (int, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	now := m.now()
	n := 0
	for state, e := range m.pending {
		if !now.Before(e.expires) || e.val.CreatedAt.Before(olderThan) {
			delete(m.pending, state)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	e, ok := m.liveSession(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess := e.val
	return &sess, nil
}

func (m *MemStore) liveSession(id string) (memEntry[Session], bool) {
	e, ok := m.sessions[id]
	if !ok {
		return e, false
	}

	if !m.now().Before(e.expires) {
		delete(m.sessions, id)
		return e, false
	}

	return e, true
}

func (m *MemStore) SaveSession(ctx context.Context, sess Session, ttl time.Duration) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	m.sessions[sess.ID] = memEntry[Session]{val: sess, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemStore) UpdateSession(ctx context.Context, id string, ttl time.Duration, fn func(*Session) error) (*Session, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	e, ok := m.liveSession(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess := e.val
	if err := fn(&sess); err != nil {
		return nil, err
	}

	m.sessions[id] = memEntry[Session]{val: sess, expires: m.now().Add(ttl)}

	out := sess
	return &out, nil
}

func (m *MemStore) DeleteSession(ctx context.Context, id string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	delete(m.sessions, id)
	delete(m.claims, id)
	return nil
}

func (m *MemStore) ListSessions(ctx context.Context) ([]Session, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for id := range m.sessions {
		if e, ok := m.liveSession(id); ok {
			out = append(out, e.val)
		}
	}
	return out, nil
}

func (m *MemStore) ClaimRefresh(ctx context.Context, id string, ttl time.Duration) (string, bool, error) {
	token, err := helpers.GenerateURLToken(16)
	if err != nil {
		return "", false, err
	}

	m.lk.Lock()
	defer m.lk.Unlock()

	now := m.now()
	if c, ok := m.claims[id]; ok && now.Before(c.until) {
		return "", false, nil
	}

	m.claims[id] = memClaim{token: token, until: now.Add(ttl)}
	return token, true, nil
}

func (m *MemStore) RefreshClaimed(ctx context.Context, id string) (bool, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	c, ok := m.claims[id]
	return ok && m.now().Before(c.until), nil
}

func (m *MemStore) ReleaseRefresh(ctx context.Context, id, token string) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	if c, ok := m.claims[id]; ok && c.token == token {
		delete(m.claims, id)
	}
	return nil
}
