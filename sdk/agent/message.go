package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// SessionIDHeader carries the server-assigned session id on the SendMessage
// response. When present it is authoritative over any locally-resolved id.
const SessionIDHeader = "X-Session-Id"

// Stream frame types delivered by SendMessage in addition to the
// message.updated / message.part.updated events.
const (
	FrameTextDelta      = "text-delta"
	FrameToolCall       = "tool-call"
	FrameToolResult     = "tool-result"
	FrameDataThought    = "data-thought"
	FrameDataToolCall   = "data-tool-call"
	FrameDataToolResult = "data-tool-result"
	FrameFinish         = "finish"
	FrameError          = "error"
)

// TextDelta is an incremental text frame for one part.
type TextDelta struct {
	PartID    string `json:"partID"`
	MessageID string `json:"messageID"`
	Delta     string `json:"delta"`
}

// ToolCallFrame announces a tool invocation.
type ToolCallFrame struct {
	PartID    string                 `json:"partID"`
	MessageID string                 `json:"messageID"`
	CallID    string                 `json:"callID"`
	Tool      string                 `json:"tool"`
	Input     map[string]interface{} `json:"input,omitempty"`
}

// ToolResultFrame carries the outcome of a tool invocation.
type ToolResultFrame struct {
	PartID    string `json:"partID"`
	MessageID string `json:"messageID"`
	CallID    string `json:"callID"`
	Status    string `json:"status,omitempty"` // defaults to "completed"
	Output    string `json:"output,omitempty"`
}

// ThoughtFrame is an incremental reasoning frame.
type ThoughtFrame struct {
	PartID    string `json:"partID"`
	MessageID string `json:"messageID"`
	Text      string `json:"text"`
}

// FinishFrame terminates a response stream normally.
type FinishFrame struct {
	MessageID string  `json:"messageID"`
	Time      float64 `json:"time,omitempty"`
}

// StreamEvent represents one decoded frame from SendMessage streaming.
// Exactly one of the typed fields is set, matching Type; Raw always holds the
// undecoded payload.
type StreamEvent struct {
	Type       string
	Message    *Message
	Part       *Part
	Delta      *TextDelta
	ToolCall   *ToolCallFrame
	ToolResult *ToolResultFrame
	Thought    *ThoughtFrame
	Finish     *FinishFrame
	Raw        json.RawMessage
}

// MessageStream is a live response stream from SendMessage.
type MessageStream struct {
	sessionID string
	events    chan *StreamEvent
	errs      chan error
}

// SessionID returns the server-assigned session id from the response header,
// or the empty string when the server did not send one.
func (s *MessageStream) SessionID() string { return s.sessionID }

// Events returns the decoded frame channel. It is closed when the stream ends.
func (s *MessageStream) Events() <-chan *StreamEvent { return s.events }

// Err returns the stream error channel. At most one error is delivered.
func (s *MessageStream) Err() <-chan error { return s.errs }

// ErrorMessage extracts a human-readable message from an error payload,
// checking the nested data.message before the flat message field.
func ErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if m := gjson.GetBytes(raw, "data.message"); m.Exists() {
		return m.String()
	}
	if m := gjson.GetBytes(raw, "message"); m.Exists() {
		return m.String()
	}
	return string(raw)
}

// ListMessages returns messages in a session.
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit *int) ([]MessageWithParts, error) {
	path := "/session/" + sessionID + "/message"
	if limit != nil {
		path = fmt.Sprintf("%s?limit=%d", path, *limit)
	}

	var result []MessageWithParts
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetMessage retrieves a specific message.
func (c *Client) GetMessage(ctx context.Context, sessionID, messageID string) (*MessageWithParts, error) {
	var result MessageWithParts
	path := fmt.Sprintf("/session/%s/message/%s", sessionID, messageID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendMessage sends a prompt and streams the response. An empty sessionID
// asks the server to create the session; the assigned id is reported in the
// stream's SessionID. Cancel the context to stop streaming.
func (c *Client) SendMessage(ctx context.Context, sessionID string, req *PromptRequest) (*MessageStream, error) {
	path := "/session/message"
	if sessionID != "" {
		path = "/session/" + sessionID + "/message"
	}

	eventCh, errCh, header, err := c.doSSERequest(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}

	stream := &MessageStream{
		sessionID: header.Get(SessionIDHeader),
		events:    make(chan *StreamEvent, 100),
		errs:      make(chan error, 1),
	}

	go func() {
		defer close(stream.events)
		defer close(stream.errs)

		for {
			select {
			case <-ctx.Done():
				stream.errs <- ctx.Err()
				return
			case err, ok := <-errCh:
				if ok && err != nil {
					stream.errs <- err
				}
				return
			case event, ok := <-eventCh:
				if !ok {
					return
				}

				decoded, err := decodeStreamEvent(event)
				if err != nil {
					stream.errs <- err
					return
				}

				select {
				case <-ctx.Done():
					stream.errs <- ctx.Err()
					return
				case stream.events <- decoded:
				}
			}
		}
	}()

	return stream, nil
}

// decodeStreamEvent maps one SSE event to a typed stream frame. A payload
// that fails to decode for a recognized type is a protocol error.
func decodeStreamEvent(event *Event) (*StreamEvent, error) {
	out := &StreamEvent{
		Type: event.Type,
		Raw:  event.Properties,
	}

	fail := func(err error) (*StreamEvent, error) {
		return nil, fmt.Errorf("malformed %s frame: %w", event.Type, err)
	}

	switch event.Type {
	case EventMessageUpdated:
		var msgEvent MessageEvent
		if err := json.Unmarshal(event.Properties, &msgEvent); err != nil {
			return fail(err)
		}
		out.Message = &msgEvent.Info
	case EventPartUpdated:
		part, err := DecodePart(event.Properties)
		if err != nil {
			return fail(err)
		}
		out.Part = part
	case FrameTextDelta:
		var d TextDelta
		if err := json.Unmarshal(event.Properties, &d); err != nil {
			return fail(err)
		}
		out.Delta = &d
	case FrameToolCall, FrameDataToolCall:
		var tc ToolCallFrame
		if err := json.Unmarshal(event.Properties, &tc); err != nil {
			return fail(err)
		}
		out.ToolCall = &tc
	case FrameToolResult, FrameDataToolResult:
		var tr ToolResultFrame
		if err := json.Unmarshal(event.Properties, &tr); err != nil {
			return fail(err)
		}
		if tr.Status == "" {
			tr.Status = ToolCompleted
		}
		out.ToolResult = &tr
	case FrameDataThought:
		var th ThoughtFrame
		if err := json.Unmarshal(event.Properties, &th); err != nil {
			return fail(err)
		}
		out.Thought = &th
	case FrameFinish:
		var f FinishFrame
		if err := json.Unmarshal(event.Properties, &f); err != nil {
			return fail(err)
		}
		out.Finish = &f
	case FrameError:
		// Payload shape varies by failure; callers use ErrorMessage(Raw).
	}

	return out, nil
}

// DecodePart decodes a part payload, accepting both the wrapped
// {"part": {...}} event shape and a bare part object.
func DecodePart(raw json.RawMessage) (*Part, error) {
	var wrapped PartEvent
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Part.ID != "" {
		return &wrapped.Part, nil
	}
	var part Part
	if err := json.Unmarshal(raw, &part); err != nil {
		return nil, err
	}
	return &part, nil
}
