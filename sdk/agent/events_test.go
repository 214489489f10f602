package agent_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/williamcory/agentsync/sdk/agent"
)

func TestSubscribeToEvents(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := agent.NewClient(ts.URL())
	events, errs, err := client.SubscribeToEvents(ctx)
	if err != nil {
		t.Fatalf("SubscribeToEvents failed: %v", err)
	}

	var got []*agent.GlobalEvent
	for ev := range events {
		got = append(got, ev)
	}
	if err, ok := <-errs; ok && err != nil && err != context.Canceled {
		t.Fatalf("event stream error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}

	if got[0].Type != agent.EventSessionCreated {
		t.Errorf("expected session.created, got %s", got[0].Type)
	}
	if got[0].Session == nil || got[0].Session.ID != "ses_push" {
		t.Errorf("expected decoded session, got %+v", got[0].Session)
	}

	if got[1].Type != agent.EventSessionStatus {
		t.Errorf("expected session.status, got %s", got[1].Type)
	}
	if got[1].Status == nil || got[1].Status.Status.Type != agent.StatusBusy {
		t.Errorf("expected busy status, got %+v", got[1].Status)
	}
	if got[1].Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", got[1].Sequence)
	}

	if got[2].Type != agent.EventPartUpdated {
		t.Errorf("expected message.part.updated, got %s", got[2].Type)
	}
	if got[2].Part == nil || got[2].Part.ID != "prt_9" {
		t.Errorf("expected decoded part, got %+v", got[2].Part)
	}
}

func TestListEventsPaging(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()
	ts.pageSize = 2

	for i := int64(1); i <= 5; i++ {
		ts.addEvent("ses_1", agent.Event{
			Type:      agent.EventPartUpdated,
			SessionID: "ses_1",
			Sequence:  i,
			Properties: json.RawMessage(
				`{"part":{"id":"prt_1","sessionID":"ses_1","messageID":"msg_1","type":"text","text":"x"}}`),
		})
	}

	client := agent.NewClient(ts.URL())
	ctx := context.Background()

	var all []agent.Event
	var after int64
	pages := 0
	for {
		batch, err := client.ListEvents(ctx, "ses_1", after)
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		pages++
		all = append(all, batch.Events...)
		for _, ev := range batch.Events {
			if ev.Sequence <= after {
				t.Errorf("event sequence %d not after cursor %d", ev.Sequence, after)
			}
			after = ev.Sequence
		}
		if !batch.HasMore {
			break
		}
	}

	if len(all) != 5 {
		t.Errorf("expected 5 events total, got %d", len(all))
	}
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
	for i, ev := range all {
		if ev.Sequence != int64(i+1) {
			t.Errorf("expected sequence %d at index %d, got %d", i+1, i, ev.Sequence)
		}
	}
}

func TestListEventsEmpty(t *testing.T) {
	ts := newTestServer()
	defer ts.Close()

	client := agent.NewClient(ts.URL())
	batch, err := client.ListEvents(context.Background(), "ses_none", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(batch.Events) != 0 || batch.HasMore {
		t.Errorf("expected empty final batch, got %d events hasMore=%v", len(batch.Events), batch.HasMore)
	}
}
