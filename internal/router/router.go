// Package router maps incoming server events onto store mutations.
//
// The server-push channel and the per-request response stream race each other
// across reconnects, so Apply must be idempotent: applying the same event
// twice, or a batch of events out of their emitted order, converges to the
// same store state. Every mutation is keyed by stable entity id (upsert,
// never append) and server-assigned sequence numbers win over arrival order.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/coalesce"
	"github.com/williamcory/agentsync/internal/store"
)

// Router applies typed server events to the entity stores. Part updates are
// funneled through the coalescer; everything else commits directly.
type Router struct {
	stores *store.Stores
	co     *coalesce.Coalescer
	logger *agent.Logger
}

// New creates a router.
func New(stores *store.Stores, co *coalesce.Coalescer, logger *agent.Logger) *Router {
	if logger == nil {
		logger = agent.GetLogger()
	}
	return &Router{
		stores: stores,
		co:     co,
		logger: logger.With("component", "router"),
	}
}

// Apply maps one event onto store mutations. Unknown event types are skipped.
// A payload that fails to decode for a recognized type is a protocol error.
func (r *Router) Apply(ev *agent.Event) error {
	switch ev.Type {
	case agent.EventSessionCreated:
		var sessEvent agent.SessionEvent
		if err := json.Unmarshal(ev.Properties, &sessEvent); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		r.stores.Sessions.Upsert(sessEvent.Info)

	case agent.EventSessionStatus:
		status, sessionID, err := decodeStatus(ev)
		if err != nil {
			return err
		}
		r.ensureSession(sessionID)
		r.stores.Sessions.ApplyStatus(sessionID, status, ev.Sequence)

	case agent.EventMessageUpdated:
		var msgEvent agent.MessageEvent
		if err := json.Unmarshal(ev.Properties, &msgEvent); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return r.ApplyMessage(msgEvent.Info, ev.Sequence)

	case agent.EventPartUpdated:
		part, err := agent.DecodePart(ev.Properties)
		if err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		r.ApplyPart(*part, ev.Sequence)

	default:
		r.logger.Debug("event skipped", "type", ev.Type)
	}
	return nil
}

// ApplyMessage upserts one canonical message, creating a shell session first
// when the referenced session has not been announced yet — the push channel
// and the response stream give no cross-entity ordering guarantee.
func (r *Router) ApplyMessage(info agent.Message, seq int64) error {
	r.ensureSession(info.SessionID)
	return r.stores.Messages.Upsert(store.Message{Message: info, Sequence: seq})
}

// ApplyPart routes one canonical part update. A newly-announced tool call or
// an input prompt takes the immediate lane so the user never watches a frozen
// interval; everything else batches.
func (r *Router) ApplyPart(part agent.Part, seq int64) {
	if part.Sequence == 0 {
		part.Sequence = seq
	}
	p := store.Part{Part: part}
	if immediate(part) {
		r.co.EnqueueImmediate(p)
		return
	}
	r.co.Enqueue(p)
}

// immediate reports whether an update's latency matters more than batching.
func immediate(part agent.Part) bool {
	if part.IsPrompt() {
		return true
	}
	return part.IsTool() && part.State != nil && part.State.Status == agent.ToolPending
}

// ensureSession guarantees a session row exists so the message-store FK
// validator passes. session.created replaces the shell when it arrives.
func (r *Router) ensureSession(sessionID string) {
	if sessionID == "" {
		return
	}
	if _, ok := r.stores.Sessions.Get(sessionID); !ok {
		r.stores.Sessions.Upsert(agent.Session{ID: sessionID})
	}
}

// decodeStatus tolerates the two shapes the server emits for session.status:
// a structured status object and a bare status string.
func decodeStatus(ev *agent.Event) (agent.SessionStatus, string, error) {
	raw := gjson.GetBytes(ev.Properties, "status")
	if !raw.Exists() {
		return agent.SessionStatus{}, "", fmt.Errorf("decode %s: missing status", ev.Type)
	}

	sessionID := gjson.GetBytes(ev.Properties, "sessionID").String()
	if sessionID == "" {
		sessionID = ev.SessionID
	}

	if raw.IsObject() {
		var statusEvent agent.StatusEvent
		if err := json.Unmarshal(ev.Properties, &statusEvent); err != nil {
			return agent.SessionStatus{}, "", fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		return statusEvent.Status, sessionID, nil
	}
	return agent.SessionStatus{Type: raw.String()}, sessionID, nil
}
