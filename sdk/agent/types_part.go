package agent

// Part type tags.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeTool       = "tool"
	PartTypeFile       = "file"
	PartTypePermission = "permission"
	PartTypeQuestion   = "question"
	PartTypeRetry      = "retry"
)

// Tool execution statuses.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolFailed    = "failed"
)

// Permission/question request statuses.
const (
	RequestPending  = "pending"
	RequestAnswered = "answered"
	RequestDenied   = "denied"
)

// PartTime represents timestamps for a part.
type PartTime struct {
	Start float64  `json:"start"`
	End   *float64 `json:"end,omitempty"`
}

// ToolState represents the state machine of a tool execution:
// pending -> running -> completed|failed.
type ToolState struct {
	Status   string                 `json:"status"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Raw      string                 `json:"raw,omitempty"`
	Output   string                 `json:"output,omitempty"`
	Title    *string                `json:"title,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Time     *PartTime              `json:"time,omitempty"`
}

// Part represents any message part. Use the Type field to determine the
// specific variant; only the fields for that variant are populated.
//
// Sequence is assigned by the server event stream and is authoritative for
// ordering when present. A zero Sequence means the part has not been seen on
// the canonical stream yet.
type Part struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID,omitempty"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"`
	Sequence  int64  `json:"sequence,omitempty"`

	// text / reasoning
	Text string    `json:"text,omitempty"`
	Time *PartTime `json:"time,omitempty"`

	// tool
	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	// permission / question
	PermissionID string `json:"permissionID,omitempty"`
	QuestionID   string `json:"questionID,omitempty"`
	Status       string `json:"status,omitempty"`

	// retry notice
	Attempt int `json:"attempt,omitempty"`

	// file
	Mime     string  `json:"mime,omitempty"`
	URL      string  `json:"url,omitempty"`
	Filename *string `json:"filename,omitempty"`
}

// IsText returns true if this is a text part.
func (p *Part) IsText() bool {
	return p.Type == PartTypeText
}

// IsReasoning returns true if this is a reasoning part.
func (p *Part) IsReasoning() bool {
	return p.Type == PartTypeReasoning
}

// IsTool returns true if this is a tool part.
func (p *Part) IsTool() bool {
	return p.Type == PartTypeTool
}

// IsPrompt returns true if this part asks the user for input
// (a permission or question prompt).
func (p *Part) IsPrompt() bool {
	return p.Type == PartTypePermission || p.Type == PartTypeQuestion
}

// PromptID returns the semantic identifier of a permission/question prompt,
// falling back to the part id when the underlying request id is absent.
func (p *Part) PromptID() string {
	switch p.Type {
	case PartTypePermission:
		if p.PermissionID != "" {
			return p.PermissionID
		}
	case PartTypeQuestion:
		if p.QuestionID != "" {
			return p.QuestionID
		}
	}
	return p.ID
}
