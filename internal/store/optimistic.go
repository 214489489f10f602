package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/williamcory/agentsync/sdk/agent"
)

// Namespace for deterministic correlation keys. An optimistic entity and its
// eventual canonical counterpart must derive the same key even though their
// identifiers differ.
var correlationNamespace = uuid.MustParse("b5f1c597-3a8e-4f24-9c1d-2e64d92a7f10")

// Origin labels for optimistic entities.
const (
	OriginSend = "send"
)

// CorrelateMessage derives the correlation key for a message from its role
// and creation-time bucket (one second).
func CorrelateMessage(sessionID, role string, createdAt time.Time) string {
	name := fmt.Sprintf("message/%s/%s/%d", sessionID, role, createdAt.Unix())
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}

// CorrelatePart derives the correlation key for a part from its owning
// message, type tag and tool-call id.
func CorrelatePart(messageID, partType, callID string) string {
	name := fmt.Sprintf("part/%s/%s/%s", messageID, partType, callID)
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}

// NewOptimistic tags a locally-predicted entity.
func NewOptimistic(origin, key string, now time.Time) *Optimistic {
	return &Optimistic{Origin: origin, Key: key, CreatedAt: now}
}

// FindOrphanedMessages returns the ids of the session's optimistic messages
// whose prediction is older than maxAge and was never superseded by a
// canonical update. User-authored messages are exempt: they are never
// speculative from the user's own point of view.
func (s *MessageStore) FindOrphanedMessages(sessionID string, maxAge time.Duration, now time.Time) []string {
	var out []string
	for _, m := range s.BySession(sessionID) {
		if m.Optimistic == nil || m.Canonical() {
			continue
		}
		if m.Role == agent.RoleUser {
			continue
		}
		if now.Sub(m.Optimistic.CreatedAt) >= maxAge {
			out = append(out, m.ID)
		}
	}
	return out
}

// FindOrphanedParts returns the ids of a message's optimistic parts older
// than maxAge with no canonical confirmation.
func (s *PartStore) FindOrphanedParts(messageID string, maxAge time.Duration, now time.Time) []string {
	var out []string
	for _, p := range s.ByMessage(messageID) {
		if p.Optimistic == nil || p.Canonical() {
			continue
		}
		if now.Sub(p.Optimistic.CreatedAt) >= maxAge {
			out = append(out, p.ID)
		}
	}
	return out
}

// EvictOrphans removes every orphaned optimistic entity in a session and
// returns how many were evicted. A zero maxAge evicts all unconfirmed
// speculative state immediately (the abort/error path).
func (s *Stores) EvictOrphans(sessionID string, maxAge time.Duration, now time.Time) int {
	evicted := 0
	for _, m := range s.Messages.BySession(sessionID) {
		for _, pid := range s.Parts.FindOrphanedParts(m.ID, maxAge, now) {
			s.Parts.Remove(pid)
			evicted++
		}
	}
	for _, mid := range s.Messages.FindOrphanedMessages(sessionID, maxAge, now) {
		s.Messages.Remove(mid)
		evicted++
	}
	return evicted
}
