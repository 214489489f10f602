package agent

import "encoding/json"

// Server-push event types.
const (
	EventSessionCreated = "session.created"
	EventSessionStatus  = "session.status"
	EventMessageUpdated = "message.updated"
	EventPartUpdated    = "message.part.updated"
)

// Event represents one event from the server-push channel or the catch-up
// fetch. Sequence is a strictly increasing integer per session; the client
// must tolerate gaps (catch up) and duplicates (apply idempotently).
type Event struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionID,omitempty"`
	EventID    string          `json:"eventId,omitempty"`
	Sequence   int64           `json:"sequence,omitempty"`
	Timestamp  float64         `json:"timestamp,omitempty"`
	Properties json.RawMessage `json:"properties"`
}

// SessionEvent contains session data from a session.created event.
type SessionEvent struct {
	Info Session `json:"info"`
}

// StatusEvent contains the payload of a session.status event.
type StatusEvent struct {
	SessionID string        `json:"sessionID"`
	Status    SessionStatus `json:"status"`
}

// MessageEvent contains message data from a message.updated event.
type MessageEvent struct {
	Info Message `json:"info"`
}

// PartEvent contains part data from a message.part.updated event.
type PartEvent struct {
	Part Part `json:"part"`
}

// EventBatch is one page of the catch-up fetch. The caller loops while
// HasMore is true, advancing the cursor past the last event's sequence.
type EventBatch struct {
	Events  []Event `json:"events"`
	HasMore bool    `json:"hasMore"`
}
