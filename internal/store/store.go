// Package store holds the normalized, in-memory entity tables the sync engine
// is built around: sessions, messages and parts, keyed by identifier.
//
// Cross-store consistency (foreign-key validation, cascade delete, deferred
// part flushing) is enforced by validator closures and callbacks injected at
// construction time, never by ad hoc checks at call sites. All mutation goes
// through the stores' own methods.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/williamcory/agentsync/sdk/agent"
)

var (
	// ErrSessionNotFound is returned when a message references a session the
	// session store does not contain.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageNotFound is returned on reads of an unknown message.
	ErrMessageNotFound = errors.New("message not found")
)

// ID prefixes. Identifiers sort lexicographically in creation order: prefix,
// zero-padded big-endian nanosecond timestamp, random tail.
const (
	SessionPrefix = "ses"
	MessagePrefix = "msg"
	PartPrefix    = "prt"
)

// NewID generates a time-ordered identifier with the given prefix.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%016x_%.8s", prefix, time.Now().UnixNano(), uuid.NewString())
}

// Optimistic tags a locally-predicted entity. It exists only until the entity
// is confirmed by a canonical update or evicted as an orphan.
type Optimistic struct {
	Origin    string    // which local flow created the prediction
	Key       string    // correlation key, see CorrelateMessage/CorrelatePart
	CreatedAt time.Time // local creation time, drives orphan eviction
}

// Message is a stored message record. Sequence is the highest canonical event
// sequence applied to it; zero means the record has never been confirmed by
// the server stream.
type Message struct {
	agent.Message
	Optimistic *Optimistic
	Sequence   int64
}

// Canonical reports whether the record has been confirmed by the server.
func (m *Message) Canonical() bool { return m.Sequence > 0 }

// Part is a stored part record. Order is the arrival index within its message
// and is assigned once, on first insert. The embedded wire Sequence is the
// canonical marker: zero means never seen on the server stream.
type Part struct {
	agent.Part
	Optimistic *Optimistic
	Order      int
}

// Canonical reports whether the record has been confirmed by the server.
func (p *Part) Canonical() bool { return p.Part.Sequence > 0 }

// Stores bundles the three entity stores with their cross-store wiring
// (FK validators, cascade deletes, deferred part flushing) already installed.
type Stores struct {
	Sessions *SessionStore
	Messages *MessageStore
	Parts    *PartStore
}

// NewStores constructs the three stores and wires them together.
func NewStores(logger *agent.Logger) *Stores {
	sessions := NewSessionStore(logger)
	messages := NewMessageStore(sessions.Exists, logger)
	parts := NewPartStore(messages.Exists, logger)

	sessions.OnRemove(messages.RemoveBySession)
	messages.OnRemove(parts.RemoveByMessage)
	messages.OnCreate(parts.FlushDeferred)

	return &Stores{
		Sessions: sessions,
		Messages: messages,
		Parts:    parts,
	}
}

// Shutdown closes all store brokers.
func (s *Stores) Shutdown() {
	s.Sessions.Shutdown()
	s.Messages.Shutdown()
	s.Parts.Shutdown()
}
