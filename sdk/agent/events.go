package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// GlobalEvent represents an event from the server-push channel with its
// type-specific payload decoded.
type GlobalEvent struct {
	Event
	Session *Session
	Status  *StatusEvent
	Message *Message
	Part    *Part
}

// SubscribeToEvents subscribes to the server-push event channel.
// Returns a channel of events. Cancel the context to stop subscribing.
func (c *Client) SubscribeToEvents(ctx context.Context) (<-chan *GlobalEvent, <-chan error, error) {
	eventCh, errCh, _, err := c.doSSERequest(ctx, http.MethodGet, "/event", nil)
	if err != nil {
		return nil, nil, err
	}

	globalCh := make(chan *GlobalEvent, 100)
	globalErrCh := make(chan error, 1)

	go func() {
		defer close(globalCh)
		defer close(globalErrCh)

		for {
			select {
			case <-ctx.Done():
				globalErrCh <- ctx.Err()
				return
			case err, ok := <-errCh:
				if ok && err != nil {
					globalErrCh <- err
				}
				return
			case event, ok := <-eventCh:
				if !ok {
					return
				}

				select {
				case <-ctx.Done():
					globalErrCh <- ctx.Err()
					return
				case globalCh <- decodeGlobalEvent(event):
				}
			}
		}
	}()

	return globalCh, globalErrCh, nil
}

func decodeGlobalEvent(event *Event) *GlobalEvent {
	out := &GlobalEvent{Event: *event}

	switch event.Type {
	case EventSessionCreated:
		var sessEvent SessionEvent
		if err := json.Unmarshal(event.Properties, &sessEvent); err == nil {
			out.Session = &sessEvent.Info
		}
	case EventSessionStatus:
		var statusEvent StatusEvent
		if err := json.Unmarshal(event.Properties, &statusEvent); err == nil {
			if statusEvent.SessionID == "" {
				statusEvent.SessionID = event.SessionID
			}
			out.Status = &statusEvent
		}
	case EventMessageUpdated:
		var msgEvent MessageEvent
		if err := json.Unmarshal(event.Properties, &msgEvent); err == nil {
			out.Message = &msgEvent.Info
		}
	case EventPartUpdated:
		if part, err := DecodePart(event.Properties); err == nil {
			out.Part = part
		}
	}

	return out
}

// ListEvents fetches one page of events for a session with sequence numbers
// strictly greater than after. Callers loop while the batch reports HasMore.
func (c *Client) ListEvents(ctx context.Context, sessionID string, after int64) (*EventBatch, error) {
	path := fmt.Sprintf("/session/%s/event?after=%d", sessionID, after)

	var result EventBatch
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
