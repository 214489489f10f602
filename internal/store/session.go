package store

import (
	"context"
	"sort"
	"sync"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/pubsub"
)

// SessionStore is the authoritative table of known sessions.
type SessionStore struct {
	broker *pubsub.Broker[agent.Session]
	logger *agent.Logger

	mu        sync.RWMutex
	sessions  map[string]agent.Session
	statusSeq map[string]int64 // last applied session.status event sequence
	onRemove  []func(sessionID string)
}

// NewSessionStore creates an empty session store.
func NewSessionStore(logger *agent.Logger) *SessionStore {
	if logger == nil {
		logger = agent.GetLogger()
	}
	return &SessionStore{
		broker:    pubsub.NewBroker[agent.Session](),
		logger:    logger.With("store", "session"),
		sessions:  make(map[string]agent.Session),
		statusSeq: make(map[string]int64),
	}
}

// Subscribe delivers a pubsub event per mutation.
func (s *SessionStore) Subscribe(ctx context.Context) <-chan pubsub.Event[agent.Session] {
	return s.broker.Subscribe(ctx)
}

// Shutdown closes the store broker.
func (s *SessionStore) Shutdown() { s.broker.Shutdown() }

// OnRemove registers a cascade callback invoked after a session is removed.
func (s *SessionStore) OnRemove(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

// Exists reports whether a session id is present. Used as the message store's
// foreign-key validator.
func (s *SessionStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Get returns a session by id.
func (s *SessionStore) Get(id string) (agent.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns all sessions ordered by id (creation order, ids being
// time-ordered).
func (s *SessionStore) List() []agent.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert inserts or replaces a session by id. The tracked status is
// preserved when the incoming record carries none, so a bare session.created
// replay cannot clobber a later status.
func (s *SessionStore) Upsert(sess agent.Session) {
	s.mu.Lock()
	existing, ok := s.sessions[sess.ID]
	created := !ok
	if ok && sess.Status.Type == "" {
		sess.Status = existing.Status
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if created {
		s.broker.Publish(pubsub.CreatedEvent, sess)
	} else {
		s.broker.Publish(pubsub.UpdatedEvent, sess)
	}
}

// ApplyStatus applies a session.status update. seq is the producing event's
// sequence number; a status carrying a sequence lower than or equal to the
// last applied one is stale and ignored, which makes replays and reordered
// deliveries converge. seq zero (no sequence information) always applies.
func (s *SessionStore) ApplyStatus(sessionID string, status agent.SessionStatus, seq int64) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("status for unknown session dropped", "session_id", sessionID)
		return false
	}
	if seq != 0 && seq <= s.statusSeq[sessionID] {
		s.mu.Unlock()
		return false
	}
	if seq != 0 {
		s.statusSeq[sessionID] = seq
	}
	sess.Status = status
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.broker.Publish(pubsub.UpdatedEvent, sess)
	return true
}

// StatusSeq returns the last applied status sequence for a session.
func (s *SessionStore) StatusSeq(sessionID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusSeq[sessionID]
}

// Remove deletes a session and runs registered cascade callbacks.
func (s *SessionStore) Remove(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	delete(s.statusSeq, id)
	cascades := make([]func(string), len(s.onRemove))
	copy(cascades, s.onRemove)
	s.mu.Unlock()

	for _, fn := range cascades {
		fn(id)
	}
	s.broker.Publish(pubsub.DeletedEvent, sess)
}
