package store

import (
	"context"
	"sync"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/pubsub"
)

// PartStore is the authoritative table of message parts.
//
// A part whose parent message is not in the message store yet is deferred:
// queued per message, invisible to reads, and flushed exactly once, in
// enqueue order, the instant the parent appears. This matters mid-stream,
// where the resolved session id — and therefore the owning message — may only
// become known after part updates have started arriving.
type PartStore struct {
	broker       *pubsub.Broker[Part]
	logger       *agent.Logger
	validMessage func(messageID string) bool

	mu           sync.RWMutex
	parts        map[string]Part
	messageOrder map[string][]string // messageID -> part ids in arrival order
	deferred     map[string][]Part   // messageID -> queued updates, enqueue order
	byKey        map[string]string   // correlation key -> live optimistic part id
	nextOrder    map[string]int
}

// NewPartStore creates an empty part store. validMessage is the injected
// foreign-key validator.
func NewPartStore(validMessage func(string) bool, logger *agent.Logger) *PartStore {
	if logger == nil {
		logger = agent.GetLogger()
	}
	return &PartStore{
		broker:       pubsub.NewBroker[Part](),
		logger:       logger.With("store", "part"),
		validMessage: validMessage,
		parts:        make(map[string]Part),
		messageOrder: make(map[string][]string),
		deferred:     make(map[string][]Part),
		byKey:        make(map[string]string),
		nextOrder:    make(map[string]int),
	}
}

// Subscribe delivers a pubsub event per mutation.
func (s *PartStore) Subscribe(ctx context.Context) <-chan pubsub.Event[Part] {
	return s.broker.Subscribe(ctx)
}

// Shutdown closes the store broker.
func (s *PartStore) Shutdown() { s.broker.Shutdown() }

// Get returns a part by id.
func (s *PartStore) Get(id string) (Part, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[id]
	return p, ok
}

// ByMessage returns the message's committed parts in arrival order. Deferred
// parts are never visible here.
func (s *PartStore) ByMessage(messageID string) []Part {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.messageOrder[messageID]
	out := make([]Part, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.parts[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// DeferredCount returns the number of queued updates for a message.
func (s *PartStore) DeferredCount(messageID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deferred[messageID])
}

// Upsert inserts or replaces a part by id, or defers it when the parent
// message is unknown. Consistency gaps are resolved by deferral, never by
// dropping data, so Upsert has no error to return.
//
// Merge rules mirror the message store: last-write-wins on content,
// sequence-wins on ordering (the stored sequence never regresses), and an
// optimistic echo cannot clobber a canonical record. A canonical part whose
// correlation key matches a live optimistic part under a different id
// supersedes it.
func (s *PartStore) Upsert(p Part) {
	if p.Optimistic == nil {
		if prior := s.correlatedOptimistic(p); prior != "" {
			s.logger.Debug("optimistic part superseded",
				"optimistic_id", prior, "part_id", p.ID)
			s.Remove(prior)
		}
	}

	s.mu.Lock()
	if s.validMessage != nil && !s.validMessage(p.MessageID) {
		s.deferred[p.MessageID] = append(s.deferred[p.MessageID], p)
		s.mu.Unlock()
		s.logger.Debug("part deferred until parent message exists",
			"part_id", p.ID, "message_id", p.MessageID)
		return
	}
	created := s.commitLocked(p)
	s.mu.Unlock()

	if created {
		s.broker.Publish(pubsub.CreatedEvent, p)
	} else {
		s.broker.Publish(pubsub.UpdatedEvent, p)
	}
}

// commitLocked applies one upsert against the committed table. Returns true
// when the part was newly inserted.
func (s *PartStore) commitLocked(p Part) bool {
	existing, ok := s.parts[p.ID]
	if ok {
		if existing.Canonical() && p.Part.Sequence == 0 && p.Optimistic != nil {
			return false
		}
		if p.Part.Sequence < existing.Part.Sequence {
			p.Part.Sequence = existing.Part.Sequence
		}
		if p.Optimistic == nil || existing.Optimistic == nil {
			p.Optimistic = nil
		}
		if existing.Optimistic != nil && p.Optimistic == nil {
			delete(s.byKey, existing.Optimistic.Key)
		}
		p.Order = existing.Order
		s.parts[p.ID] = p
		return false
	}

	if p.Optimistic != nil {
		s.byKey[p.Optimistic.Key] = p.ID
	}
	p.Order = s.nextOrder[p.MessageID]
	s.nextOrder[p.MessageID]++
	s.parts[p.ID] = p
	s.messageOrder[p.MessageID] = append(s.messageOrder[p.MessageID], p.ID)
	return true
}

// correlatedOptimistic returns the id of a live optimistic part whose
// correlation key matches the one derived from the canonical part's own
// fields, or empty when there is none.
func (s *PartStore) correlatedOptimistic(p Part) string {
	key := CorrelatePart(p.MessageID, p.Type, p.CallID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byKey[key]; ok && id != p.ID {
		return id
	}
	return ""
}

// FlushDeferred commits every queued update for a message, in enqueue order.
// Wired as the message store's on-create hook.
func (s *PartStore) FlushDeferred(messageID string) {
	s.mu.Lock()
	queued := s.deferred[messageID]
	if len(queued) == 0 {
		s.mu.Unlock()
		return
	}
	delete(s.deferred, messageID)
	committed := make([]Part, 0, len(queued))
	for _, p := range queued {
		s.commitLocked(p)
		committed = append(committed, s.parts[p.ID])
	}
	s.mu.Unlock()

	s.logger.Debug("deferred parts flushed", "message_id", messageID, "count", len(committed))
	for _, p := range committed {
		s.broker.Publish(pubsub.UpdatedEvent, p)
	}
}

// Remove deletes a part.
func (s *PartStore) Remove(id string) {
	s.mu.Lock()
	p, ok := s.parts[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.parts, id)
	if p.Optimistic != nil {
		delete(s.byKey, p.Optimistic.Key)
	}
	order := s.messageOrder[p.MessageID]
	for i, pid := range order {
		if pid == id {
			s.messageOrder[p.MessageID] = append(order[:i], order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.broker.Publish(pubsub.DeletedEvent, p)
}

// RemoveByMessage deletes every part of a message, including deferred ones.
// Wired as the message store's cascade callback.
func (s *PartStore) RemoveByMessage(messageID string) {
	s.mu.Lock()
	delete(s.deferred, messageID)
	delete(s.nextOrder, messageID)
	ids := make([]string, len(s.messageOrder[messageID]))
	copy(ids, s.messageOrder[messageID])
	s.mu.Unlock()

	for _, id := range ids {
		s.Remove(id)
	}

	s.mu.Lock()
	delete(s.messageOrder, messageID)
	s.mu.Unlock()
}
