package router_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/coalesce"
	"github.com/williamcory/agentsync/internal/router"
	"github.com/williamcory/agentsync/internal/store"
)

type fixture struct {
	stores *store.Stores
	co     *coalesce.Coalescer
	router *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := store.NewStores(nil)
	co := coalesce.New(time.Hour, func(p store.Part) {
		stores.Parts.Upsert(p)
	}, nil)
	t.Cleanup(func() {
		co.Close()
		stores.Shutdown()
	})
	return &fixture{
		stores: stores,
		co:     co,
		router: router.New(stores, co, nil),
	}
}

func event(evType, sessionID string, seq int64, properties string) *agent.Event {
	return &agent.Event{
		Type:       evType,
		SessionID:  sessionID,
		Sequence:   seq,
		Properties: json.RawMessage(properties),
	}
}

func TestApplySessionCreated(t *testing.T) {
	f := newFixture(t)

	err := f.router.Apply(event(agent.EventSessionCreated, "", 1,
		`{"info":{"id":"ses_1","directory":"/work","title":"hello"}}`))
	require.NoError(t, err)

	sess, ok := f.stores.Sessions.Get("ses_1")
	require.True(t, ok)
	assert.Equal(t, "hello", sess.Title)
}

func TestApplyStatusSequenceOrder(t *testing.T) {
	f := newFixture(t)

	// Out-of-order delivery: the highest sequence must win regardless of
	// arrival order.
	events := []*agent.Event{
		event(agent.EventSessionStatus, "ses_1", 3,
			`{"sessionID":"ses_1","status":{"type":"idle"}}`),
		event(agent.EventSessionStatus, "ses_1", 1,
			`{"sessionID":"ses_1","status":{"type":"busy"}}`),
		event(agent.EventSessionStatus, "ses_1", 2,
			`{"sessionID":"ses_1","status":{"type":"retry","attempt":1}}`),
	}
	for _, ev := range events {
		require.NoError(t, f.router.Apply(ev))
	}

	sess, ok := f.stores.Sessions.Get("ses_1")
	require.True(t, ok)
	assert.Equal(t, agent.StatusIdle, sess.Status.Type)
}

func TestApplyStatusBareString(t *testing.T) {
	f := newFixture(t)

	err := f.router.Apply(event(agent.EventSessionStatus, "ses_1", 1,
		`{"sessionID":"ses_1","status":"busy"}`))
	require.NoError(t, err)

	sess, _ := f.stores.Sessions.Get("ses_1")
	assert.Equal(t, agent.StatusBusy, sess.Status.Type)
}

func TestMessageBeforeSessionCreated(t *testing.T) {
	f := newFixture(t)

	// No cross-entity ordering guarantee: the message may land first. A
	// shell session row keeps the foreign key satisfied.
	err := f.router.Apply(event(agent.EventMessageUpdated, "ses_1", 1,
		`{"info":{"id":"msg_1","sessionID":"ses_1","role":"user","time":{"created":100}}}`))
	require.NoError(t, err)
	assert.True(t, f.stores.Messages.Exists("msg_1"))
	assert.True(t, f.stores.Sessions.Exists("ses_1"))

	// The real announcement later replaces the shell.
	require.NoError(t, f.router.Apply(event(agent.EventSessionCreated, "", 2,
		`{"info":{"id":"ses_1","directory":"/work"}}`)))
	sess, _ := f.stores.Sessions.Get("ses_1")
	assert.Equal(t, "/work", sess.Directory)
}

func TestApplyIdempotent(t *testing.T) {
	f := newFixture(t)

	ev := event(agent.EventMessageUpdated, "ses_1", 5,
		`{"info":{"id":"msg_1","sessionID":"ses_1","role":"assistant","time":{"created":100}}}`)
	require.NoError(t, f.router.Apply(ev))
	require.NoError(t, f.router.Apply(ev))

	msgs := f.stores.Messages.BySession("ses_1")
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), msgs[0].Sequence)
}

func TestPartUpdateBatches(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.Apply(event(agent.EventMessageUpdated, "ses_1", 1,
		`{"info":{"id":"msg_1","sessionID":"ses_1","role":"assistant","time":{"created":100}}}`)))

	err := f.router.Apply(event(agent.EventPartUpdated, "ses_1", 2,
		`{"part":{"id":"prt_1","sessionID":"ses_1","messageID":"msg_1","type":"text","text":"hi"}}`))
	require.NoError(t, err)

	// Batched: not visible until the coalescer flushes.
	assert.Empty(t, f.stores.Parts.ByMessage("msg_1"))
	f.co.Flush()

	parts := f.stores.Parts.ByMessage("msg_1")
	require.Len(t, parts, 1)
	assert.Equal(t, "hi", parts[0].Text)
	assert.Equal(t, int64(2), parts[0].Part.Sequence, "event sequence stamps the part")
}

func TestPendingToolTakesImmediateLane(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.Apply(event(agent.EventMessageUpdated, "ses_1", 1,
		`{"info":{"id":"msg_1","sessionID":"ses_1","role":"assistant","time":{"created":100}}}`)))

	err := f.router.Apply(event(agent.EventPartUpdated, "ses_1", 2,
		`{"part":{"id":"prt_1","sessionID":"ses_1","messageID":"msg_1","type":"tool","tool":"bash","state":{"status":"pending"}}}`))
	require.NoError(t, err)

	// Committed without waiting for a flush.
	parts := f.stores.Parts.ByMessage("msg_1")
	require.Len(t, parts, 1)
	assert.Equal(t, agent.ToolPending, parts[0].State.Status)
}

func TestPromptPartTakesImmediateLane(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.router.Apply(event(agent.EventMessageUpdated, "ses_1", 1,
		`{"info":{"id":"msg_1","sessionID":"ses_1","role":"assistant","time":{"created":100}}}`)))

	err := f.router.Apply(event(agent.EventPartUpdated, "ses_1", 2,
		`{"part":{"id":"prt_1","sessionID":"ses_1","messageID":"msg_1","type":"permission","permissionID":"perm_1","status":"pending"}}`))
	require.NoError(t, err)

	require.Len(t, f.stores.Parts.ByMessage("msg_1"), 1)
}

func TestUnknownEventSkipped(t *testing.T) {
	f := newFixture(t)

	err := f.router.Apply(event("storage.write", "ses_1", 1, `{"key":"x"}`))
	require.NoError(t, err)
	assert.False(t, f.stores.Sessions.Exists("ses_1"))
}

func TestMalformedPayloadIsError(t *testing.T) {
	f := newFixture(t)

	err := f.router.Apply(event(agent.EventMessageUpdated, "ses_1", 1, `[not json`))
	require.Error(t, err)
}
