package agent

// Session status type tags.
const (
	StatusIdle  = "idle"
	StatusBusy  = "busy"
	StatusRetry = "retry"
)

// SessionTime represents timestamps for a session.
type SessionTime struct {
	Created float64 `json:"created"`
	Updated float64 `json:"updated"`
}

// SessionStatus represents the live status of a session.
//
// Attempt, Message and Next are populated only when Type is "retry".
type SessionStatus struct {
	Type    string  `json:"type"` // "idle", "busy", "retry"
	Attempt int     `json:"attempt,omitempty"`
	Message string  `json:"message,omitempty"`
	Next    float64 `json:"next,omitempty"` // Unix timestamp of the next retry
}

// IsIdle returns true when the session has no active work.
func (s SessionStatus) IsIdle() bool {
	return s.Type == "" || s.Type == StatusIdle
}

// Session represents a chat session.
type Session struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"projectID,omitempty"`
	Directory string        `json:"directory"`
	Title     string        `json:"title,omitempty"`
	Version   string        `json:"version,omitempty"`
	Time      SessionTime   `json:"time"`
	Status    SessionStatus `json:"status,omitempty"`
	ParentID  *string       `json:"parentID,omitempty"`
}
