package agent_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/williamcory/agentsync/sdk/agent"
)

// collectStream drains a message stream, failing the test on stream error.
func collectStream(t *testing.T, stream *agent.MessageStream) []*agent.StreamEvent {
	t.Helper()

	var events []*agent.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-timeout:
			t.Fatal("timed out draining stream")
		case err, ok := <-stream.Err():
			if ok && err != nil {
				t.Fatalf("stream error: %v", err)
			}
			return events
		case ev, ok := <-stream.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		}
	}
}

func TestSendMessageStreamsFrames(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	client := agent.NewClient(ts.URL())
	stream, err := client.SendMessage(context.Background(), "", &agent.PromptRequest{
		Parts: []interface{}{
			agent.TextPartInput{Type: "text", Text: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if stream.SessionID() != "ses_assigned" {
		t.Errorf("expected header session id ses_assigned, got %q", stream.SessionID())
	}

	events := collectStream(t, stream)
	if len(events) != 6 {
		t.Fatalf("expected 6 frames, got %d", len(events))
	}

	if events[0].Message == nil || events[0].Message.ID != "msg_a1" {
		t.Errorf("expected message.updated for msg_a1, got %+v", events[0])
	}
	if events[1].Delta == nil || events[1].Delta.Delta != "Hello" {
		t.Errorf("expected first delta Hello, got %+v", events[1])
	}
	if events[2].Delta == nil || events[2].Delta.Delta != " world" {
		t.Errorf("expected second delta, got %+v", events[2])
	}
	if events[3].ToolCall == nil || events[3].ToolCall.Tool != "bash" {
		t.Errorf("expected tool-call for bash, got %+v", events[3])
	}
	if events[4].ToolResult == nil || events[4].ToolResult.Output != "main.go" {
		t.Errorf("expected tool-result, got %+v", events[4])
	}
	// A tool-result with no explicit status defaults to completed.
	if events[4].ToolResult.Status != agent.ToolCompleted {
		t.Errorf("expected completed status, got %q", events[4].ToolResult.Status)
	}
	if events[5].Finish == nil || events[5].Finish.MessageID != "msg_a1" {
		t.Errorf("expected finish frame, got %+v", events[5])
	}
}

func TestSendMessageExistingSession(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	ts.addSession(&agent.Session{ID: "ses_1", Directory: "/test/dir"})

	client := agent.NewClient(ts.URL())
	stream, err := client.SendMessage(context.Background(), "ses_1", &agent.PromptRequest{
		Parts: []interface{}{
			agent.TextPartInput{Type: "text", Text: "hello again"},
		},
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if stream.SessionID() != "ses_1" {
		t.Errorf("expected session id ses_1, got %q", stream.SessionID())
	}
	collectStream(t, stream)
}

func TestSendMessageMalformedFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		// A finish frame whose properties are not an object is a protocol
		// error, not something to skip.
		fmt.Fprint(w, "data: {\"type\":\"finish\",\"properties\":[1,2]}\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	client := agent.NewClient(server.URL)
	stream, err := client.SendMessage(context.Background(), "ses_1", &agent.PromptRequest{})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case err := <-stream.Err():
		if err == nil {
			t.Fatal("expected protocol error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for protocol error")
	}
}

func TestSendMessageHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := agent.NewClient(server.URL)
	_, err := client.SendMessage(context.Background(), "ses_1", &agent.PromptRequest{})
	if err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestSendMessageContextCancel(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	client := agent.NewClient(server.URL)
	stream, err := client.SendMessage(ctx, "ses_1", &agent.PromptRequest{})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	cancel()

	// Cancellation surfaces either as context.Canceled on the error channel
	// or as a clean close, depending on which side notices first.
	select {
	case err, ok := <-stream.Err():
		if ok && err != nil && err != context.Canceled {
			t.Errorf("expected context.Canceled or clean close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"nested data message", `{"name":"APIError","data":{"message":"rate limited"}}`, "rate limited"},
		{"flat message", `{"message":"bad request"}`, "bad request"},
		{"no message field", `{"code":42}`, `{"code":42}`},
		{"empty", ``, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := agent.ErrorMessage([]byte(tt.raw))
			if got != tt.want {
				t.Errorf("ErrorMessage(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
