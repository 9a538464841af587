// Package memstore is an in-process implementation of the signaling store,
// for single-process deployments and tests.
package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
)

// Store holds call records and presence pointers behind one mutex.
// Every write pokes the watchers of the written key; a watcher re-reads
// the key, so bursts of writes coalesce into fewer deliveries.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*models.CallSession
	presence map[string]string
	watchers map[string]map[*watcher]struct{}

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

type watcher struct {
	notify chan struct{}
}

// New creates an empty store
func New() *Store {
	return &Store{
		sessions: make(map[string]*models.CallSession),
		presence: make(map[string]string),
		watchers: make(map[string]map[*watcher]struct{}),
		done:     make(chan struct{}),
	}
}

// Sessions returns the signaling.Channel view
func (s *Store) Sessions() *Sessions { return &Sessions{s} }

// Presence returns the signaling.Presence view
func (s *Store) Presence() *Presence { return &Presence{s} }

// Close stops all watches
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func sessionKey(id string) string { return "call:" + id }
func presenceKey(u string) string { return "presence:" + u }

// poke must be called with s.mu held
func (s *Store) poke(key string) {
	for w := range s.watchers[key] {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (s *Store) watch(ctx context.Context, key string, deliver func()) (func(), error) {
	w := &watcher{notify: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, context.Canceled
	}
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*watcher]struct{})
	}
	s.watchers[key][w] = struct{}{}
	// Add under mu so Close cannot reach wg.Wait between the check and the Add.
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.watchers[key], w)
			if len(s.watchers[key]) == 0 {
				delete(s.watchers, key)
			}
			s.mu.Unlock()
		}()

		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-w.notify:
				if ctx.Err() != nil {
					return
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// Sessions implements signaling.Channel
type Sessions struct {
	s *Store
}

// Create stores a new record, failing with signaling.ErrExists if the id is taken
func (v *Sessions) Create(ctx context.Context, sess *models.CallSession) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return signaling.ErrExists
	}
	rec := sess.Clone()
	rec.Version = 1
	s.sessions[sess.ID] = rec
	sess.Version = rec.Version
	s.poke(sessionKey(sess.ID))
	return nil
}

// Get returns a copy of the record
func (v *Sessions) Get(ctx context.Context, id string) (*models.CallSession, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, signaling.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update runs mutate under the store lock, so it never conflicts
func (v *Sessions) Update(ctx context.Context, id string, mutate signaling.Mutation) (*models.CallSession, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[id]
	if !ok {
		return nil, signaling.ErrNotFound
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		if errors.Is(err, signaling.ErrUnchanged) {
			return cur.Clone(), nil
		}
		return nil, &signaling.AbortError{Err: err}
	}
	next.ID = id
	next.Version = cur.Version + 1
	s.sessions[id] = next
	s.poke(sessionKey(id))
	return next.Clone(), nil
}

// Watch delivers the record now and after every change
func (v *Sessions) Watch(ctx context.Context, id string, fn func(*models.CallSession)) (func(), error) {
	return v.s.watch(ctx, sessionKey(id), func() {
		sess, err := v.Get(ctx, id)
		if err != nil {
			fn(nil)
			return
		}
		fn(sess)
	})
}

// Delete removes a record, standing in for a retention policy expiring it
func (v *Sessions) Delete(id string) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	s.poke(sessionKey(id))
}

// Presence implements signaling.Presence
type Presence struct {
	s *Store
}

// Set points every user at sessionID
func (v *Presence) Set(ctx context.Context, sessionID string, userIDs ...string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range userIDs {
		s.presence[u] = sessionID
		s.poke(presenceKey(u))
	}
	return nil
}

// Clear removes pointers that still name sessionID
func (v *Presence) Clear(ctx context.Context, sessionID string, userIDs ...string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range userIDs {
		cur := s.presence[u]
		if cur == "" || (sessionID != "" && cur != sessionID) {
			continue
		}
		delete(s.presence, u)
		s.poke(presenceKey(u))
	}
	return nil
}

// Get returns the user's pointer
func (v *Presence) Get(ctx context.Context, userID string) (models.Presence, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.NewPresence(s.presence[userID]), nil
}

// Watch delivers the user's pointer now and after every change
func (v *Presence) Watch(ctx context.Context, userID string, fn func(models.Presence)) (func(), error) {
	return v.s.watch(ctx, presenceKey(userID), func() {
		p, _ := v.Get(ctx, userID)
		fn(p)
	})
}
