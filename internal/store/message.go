package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/pubsub"
)

// MessageStore is the authoritative table of messages, keyed by id, with
// per-session arrival order preserved.
type MessageStore struct {
	broker       *pubsub.Broker[Message]
	logger       *agent.Logger
	validSession func(sessionID string) bool

	mu           sync.RWMutex
	messages     map[string]Message
	sessionOrder map[string][]string // sessionID -> message ids in arrival order
	byKey        map[string]string   // correlation key -> live optimistic message id
	onRemove     []func(messageID string)
	onCreate     []func(messageID string)
}

// NewMessageStore creates an empty message store. validSession is the
// injected foreign-key validator; it is consulted on every upsert.
func NewMessageStore(validSession func(string) bool, logger *agent.Logger) *MessageStore {
	if logger == nil {
		logger = agent.GetLogger()
	}
	return &MessageStore{
		broker:       pubsub.NewBroker[Message](),
		logger:       logger.With("store", "message"),
		validSession: validSession,
		messages:     make(map[string]Message),
		sessionOrder: make(map[string][]string),
		byKey:        make(map[string]string),
	}
}

// Subscribe delivers a pubsub event per mutation.
func (s *MessageStore) Subscribe(ctx context.Context) <-chan pubsub.Event[Message] {
	return s.broker.Subscribe(ctx)
}

// Shutdown closes the store broker.
func (s *MessageStore) Shutdown() { s.broker.Shutdown() }

// OnRemove registers a cascade callback invoked after a message is removed.
func (s *MessageStore) OnRemove(fn func(messageID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

// OnCreate registers a callback invoked the instant a message is first
// inserted. The part store hooks this to flush its deferred queue.
func (s *MessageStore) OnCreate(fn func(messageID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCreate = append(s.onCreate, fn)
}

// Exists reports whether a message id is present. Used as the part store's
// foreign-key validator.
func (s *MessageStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok
}

// Get returns a message by id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}

// BySession returns the session's messages in arrival order.
func (s *MessageStore) BySession(sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.sessionOrder[sessionID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Upsert inserts or replaces a message by id.
//
// Rules, in order:
//   - the session foreign key must resolve, or the write is rejected;
//   - an optimistic payload (no canonical sequence) is ignored when the
//     stored record already carries a canonical marker — a late local echo
//     must not clobber confirmed state;
//   - a canonical payload confirms an optimistic record: the optimistic tag
//     is dropped and the sequence advances monotonically. Confirmation also
//     works across differing ids: a canonical message whose correlation key
//     matches a live optimistic record supersedes that record.
func (s *MessageStore) Upsert(m Message) error {
	if m.Optimistic == nil {
		if prior := s.correlatedOptimistic(m); prior != "" {
			s.logger.Debug("optimistic message superseded",
				"optimistic_id", prior, "message_id", m.ID)
			s.Remove(prior)
		}
	}

	s.mu.Lock()
	if s.validSession != nil && !s.validSession(m.SessionID) {
		s.mu.Unlock()
		return fmt.Errorf("upsert message %s: %w: %s", m.ID, ErrSessionNotFound, m.SessionID)
	}

	existing, ok := s.messages[m.ID]
	created := !ok
	if ok {
		if existing.Canonical() && m.Sequence == 0 && m.Optimistic != nil {
			s.mu.Unlock()
			s.logger.Debug("optimistic echo ignored", "message_id", m.ID)
			return nil
		}
		if m.Sequence < existing.Sequence {
			m.Sequence = existing.Sequence
		}
		if m.Optimistic == nil || existing.Optimistic == nil {
			// Confirmed once, confirmed forever.
			m.Optimistic = nil
		}
		if existing.Optimistic != nil && m.Optimistic == nil {
			delete(s.byKey, existing.Optimistic.Key)
		}
	}
	if m.Optimistic != nil {
		s.byKey[m.Optimistic.Key] = m.ID
	}
	s.messages[m.ID] = m
	if created {
		s.sessionOrder[m.SessionID] = append(s.sessionOrder[m.SessionID], m.ID)
	}
	var creates []func(string)
	if created {
		creates = make([]func(string), len(s.onCreate))
		copy(creates, s.onCreate)
	}
	s.mu.Unlock()

	for _, fn := range creates {
		fn(m.ID)
	}
	if created {
		s.broker.Publish(pubsub.CreatedEvent, m)
	} else {
		s.broker.Publish(pubsub.UpdatedEvent, m)
	}
	return nil
}

// correlatedOptimistic returns the id of a live optimistic message whose
// correlation key matches the one derived from the canonical record's own
// fields, or empty when there is none.
func (s *MessageStore) correlatedOptimistic(m Message) string {
	if m.Time.Created == 0 {
		return ""
	}
	key := CorrelateMessage(m.SessionID, m.Role, time.Unix(int64(m.Time.Created), 0))
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byKey[key]; ok && id != m.ID {
		return id
	}
	return ""
}

// Remove deletes a message and runs registered cascade callbacks.
func (s *MessageStore) Remove(id string) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.messages, id)
	if m.Optimistic != nil {
		delete(s.byKey, m.Optimistic.Key)
	}
	order := s.sessionOrder[m.SessionID]
	for i, mid := range order {
		if mid == id {
			s.sessionOrder[m.SessionID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	cascades := make([]func(string), len(s.onRemove))
	copy(cascades, s.onRemove)
	s.mu.Unlock()

	for _, fn := range cascades {
		fn(id)
	}
	s.broker.Publish(pubsub.DeletedEvent, m)
}

// RemoveBySession deletes every message in a session. Wired as the session
// store's cascade callback.
func (s *MessageStore) RemoveBySession(sessionID string) {
	s.mu.RLock()
	ids := make([]string, len(s.sessionOrder[sessionID]))
	copy(ids, s.sessionOrder[sessionID])
	s.mu.RUnlock()

	for _, id := range ids {
		s.Remove(id)
	}

	s.mu.Lock()
	delete(s.sessionOrder, sessionID)
	s.mu.Unlock()
}
