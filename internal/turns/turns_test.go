package turns_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/store"
	"github.com/williamcory/agentsync/internal/turns"
)

func user(id string, created float64) store.Message {
	return store.Message{
		Message: agent.Message{
			ID:   id,
			Role: agent.RoleUser,
			Time: agent.MessageTime{Created: created},
		},
	}
}

func assistant(id, parentID string, created float64) store.Message {
	return store.Message{
		Message: agent.Message{
			ID:       id,
			Role:     agent.RoleAssistant,
			ParentID: parentID,
			Time:     agent.MessageTime{Created: created},
		},
	}
}

func completedAssistant(id, parentID string, created, completed float64) store.Message {
	m := assistant(id, parentID, created)
	m.Time.Completed = &completed
	return m
}

func text(id, messageID, body string, seq int64) store.Part {
	return store.Part{
		Part: agent.Part{
			ID:        id,
			MessageID: messageID,
			Type:      agent.PartTypeText,
			Text:      body,
			Sequence:  seq,
		},
	}
}

func tool(id, messageID, name string, seq int64) store.Part {
	return store.Part{
		Part: agent.Part{
			ID:        id,
			MessageID: messageID,
			Type:      agent.PartTypeTool,
			Tool:      name,
			Sequence:  seq,
			State:     &agent.ToolState{Status: agent.ToolCompleted},
		},
	}
}

func input(messages []store.Message, parts map[string][]store.Part) turns.Input {
	return turns.Input{
		Messages: messages,
		Parts:    parts,
		Now:      time.Unix(2000, 0),
	}
}

func TestProjectSingleTurn(t *testing.T) {
	pr := turns.NewProjector(nil)

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			completedAssistant("msg_a1", "msg_u1", 1001, 1005),
		},
		map[string][]store.Part{
			"msg_a1": {
				tool("prt_1", "msg_a1", "bash", 1),
				text("prt_2", "msg_a1", "All done.", 2),
			},
		},
	)

	projected := pr.Project(in)
	require.Len(t, projected, 1)

	turn := projected[0]
	assert.Equal(t, "msg_u1", turn.UserMessage.ID)
	require.Len(t, turn.AssistantMessages, 1)
	require.Len(t, turn.Parts, 2)
	require.NotNil(t, turn.FinalTextPart)
	assert.Equal(t, "All done.", turn.FinalTextPart.Text)
	assert.False(t, turn.Working)
	assert.Equal(t, int64(5000), turn.DurationMs)
}

func TestProjectDeterministic(t *testing.T) {
	pr := turns.NewProjector(nil)

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
		},
		map[string][]store.Part{
			"msg_a1": {
				text("prt_b", "msg_a1", "b", 0),
				text("prt_a", "msg_a1", "a", 0),
				tool("prt_c", "msg_a1", "read", 0),
			},
		},
	)

	first := pr.Project(in)
	for i := 0; i < 10; i++ {
		again := pr.Project(in)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, partIDs(first[j].Parts), partIDs(again[j].Parts))
		}
	}
}

func TestTurnsSortedByUserTime(t *testing.T) {
	pr := turns.NewProjector(nil)

	// Arrival order differs from chronological order.
	in := input(
		[]store.Message{
			user("msg_u2", 1500),
			user("msg_u1", 1000),
		},
		map[string][]store.Part{},
	)

	projected := pr.Project(in)
	require.Len(t, projected, 2)
	assert.Equal(t, "msg_u1", projected[0].UserMessage.ID)
	assert.Equal(t, "msg_u2", projected[1].UserMessage.ID)
}

func TestAssistantsGroupedByParent(t *testing.T) {
	pr := turns.NewProjector(nil)

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
			assistant("msg_a2", "", 1002), // no parent: belongs to preceding turn
			user("msg_u2", 1100),
			assistant("msg_a3", "msg_u2", 1101),
		},
		map[string][]store.Part{},
	)

	projected := pr.Project(in)
	require.Len(t, projected, 2)
	assert.Equal(t, []string{"msg_a1", "msg_a2"}, messageIDs(projected[0].AssistantMessages))
	assert.Equal(t, []string{"msg_a3"}, messageIDs(projected[1].AssistantMessages))
}

func TestPartOrderingBySequence(t *testing.T) {
	pr := turns.NewProjector(nil)

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
		},
		map[string][]store.Part{
			"msg_a1": {
				text("prt_late", "msg_a1", "late", 9),
				text("prt_early", "msg_a1", "early", 3),
			},
		},
	)

	projected := pr.Project(in)
	require.Len(t, projected, 1)
	assert.Equal(t, []string{"prt_early", "prt_late"}, partIDs(projected[0].Parts))
}

func TestPartOrderingFallsBackToTimestamp(t *testing.T) {
	pr := turns.NewProjector(nil)

	early := text("prt_x", "msg_a1", "x", 0)
	early.Time = &agent.PartTime{Start: 1001}
	late := text("prt_y", "msg_a1", "y", 0)
	late.Time = &agent.PartTime{Start: 1003}

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
		},
		map[string][]store.Part{
			"msg_a1": {late, early},
		},
	)

	projected := pr.Project(in)
	assert.Equal(t, []string{"prt_x", "prt_y"}, partIDs(projected[0].Parts))
}

func TestPartOrderingAcrossAssistantMessages(t *testing.T) {
	pr := turns.NewProjector(nil)

	// No sequences, no timestamps: assistant arrival order breaks the tie.
	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
			assistant("msg_a2", "msg_u1", 1002),
		},
		map[string][]store.Part{
			"msg_a1": {text("prt_z", "msg_a1", "first message", 0)},
			"msg_a2": {text("prt_a", "msg_a2", "second message", 0)},
		},
	)

	projected := pr.Project(in)
	assert.Equal(t, []string{"prt_z", "prt_a"}, partIDs(projected[0].Parts))
}

func TestRequestDedupPartWins(t *testing.T) {
	pr := turns.NewProjector(nil)

	perm := store.Part{
		Part: agent.Part{
			ID:           "prt_perm",
			MessageID:    "msg_a1",
			Type:         agent.PartTypePermission,
			PermissionID: "perm_1",
			Status:       agent.RequestAnswered,
		},
	}

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
		},
		map[string][]store.Part{"msg_a1": {perm}},
	)
	in.Requests = []turns.Request{
		{ID: "perm_1", MessageID: "msg_a1", Kind: agent.PartTypePermission, Status: agent.RequestPending},
	}

	projected := pr.Project(in)
	require.Len(t, projected[0].Parts, 1, "duplicate request must not appear twice")
	assert.Equal(t, "prt_perm", projected[0].Parts[0].ID)
	assert.Equal(t, agent.RequestAnswered, projected[0].Parts[0].Status)
}

func TestRequestSynthesizedWhenNoPart(t *testing.T) {
	pr := turns.NewProjector(nil)

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
		},
		map[string][]store.Part{},
	)
	in.Requests = []turns.Request{
		{ID: "q_1", MessageID: "msg_a1", Kind: agent.PartTypeQuestion, Status: agent.RequestPending, CreatedAt: 1002},
	}

	projected := pr.Project(in)
	require.Len(t, projected[0].Parts, 1)
	p := projected[0].Parts[0]
	assert.Equal(t, "req_q_1", p.ID)
	assert.Equal(t, agent.PartTypeQuestion, p.Type)
	assert.Equal(t, "q_1", p.PromptID())
	assert.Equal(t, "Waiting for input", projected[0].StatusLabel)
}

func TestWorkingFollowsSessionStatus(t *testing.T) {
	pr := turns.NewProjector(nil)

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
		},
		map[string][]store.Part{
			"msg_a1": {text("prt_1", "msg_a1", "typing", 1)},
		},
	)
	in.Status = agent.SessionStatus{Type: agent.StatusBusy}
	in.LastUserMessageID = "msg_u1"

	projected := pr.Project(in)
	assert.True(t, projected[0].Working)
	assert.Equal(t, "Writing", projected[0].StatusLabel)

	// Only the active turn can be working.
	in.LastUserMessageID = "msg_other"
	projected = pr.Project(in)
	assert.False(t, projected[0].Working)
}

func TestTurnWorkingClearedAfterCompletion(t *testing.T) {
	pr := turns.NewProjector(nil)

	// The status stream says busy, but the last assistant message completed
	// and nothing is pending: the completion evidence wins.
	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			completedAssistant("msg_a1", "msg_u1", 1001, 1005),
		},
		map[string][]store.Part{
			"msg_a1": {text("prt_1", "msg_a1", "done", 1)},
		},
	)
	in.Status = agent.SessionStatus{Type: agent.StatusBusy}
	in.LastUserMessageID = "msg_u1"

	projected := pr.Project(in)
	assert.False(t, projected[0].Working)
}

func TestWorkingKeptWhilePromptPending(t *testing.T) {
	pr := turns.NewProjector(nil)

	perm := store.Part{
		Part: agent.Part{
			ID:           "prt_perm",
			MessageID:    "msg_a1",
			Type:         agent.PartTypePermission,
			PermissionID: "perm_1",
			Status:       agent.RequestPending,
		},
	}

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			completedAssistant("msg_a1", "msg_u1", 1001, 1005),
		},
		map[string][]store.Part{"msg_a1": {perm}},
	)
	in.Status = agent.SessionStatus{Type: agent.StatusBusy}
	in.LastUserMessageID = "msg_u1"

	projected := pr.Project(in)
	assert.True(t, projected[0].Working, "a pending prompt keeps the turn live")
	assert.Equal(t, "Waiting for input", projected[0].StatusLabel)
}

func TestRetryOnlyOnActiveTurn(t *testing.T) {
	pr := turns.NewProjector(nil)

	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
			user("msg_u2", 1100),
			assistant("msg_a2", "msg_u2", 1101),
		},
		map[string][]store.Part{},
	)
	in.Status = agent.SessionStatus{Type: agent.StatusRetry, Attempt: 3, Message: "overloaded", Next: 1200}
	in.LastUserMessageID = "msg_u2"

	projected := pr.Project(in)
	require.Len(t, projected, 2)
	assert.Nil(t, projected[0].Retry)
	require.NotNil(t, projected[1].Retry)
	assert.Equal(t, 3, projected[1].Retry.Attempt)
	assert.Equal(t, "overloaded", projected[1].Retry.Message)
}

func TestErrorFromLastAssistant(t *testing.T) {
	pr := turns.NewProjector(nil)

	failed := assistant("msg_a1", "msg_u1", 1001)
	failed.Error = json.RawMessage(`{"name":"APIError","data":{"message":"context window exceeded"}}`)

	in := input(
		[]store.Message{user("msg_u1", 1000), failed},
		map[string][]store.Part{},
	)

	projected := pr.Project(in)
	assert.Equal(t, "context window exceeded", projected[0].Error)
}

func TestDurationClampedNonNegative(t *testing.T) {
	pr := turns.NewProjector(nil)

	// Completion timestamp before the user timestamp (clock skew).
	in := input(
		[]store.Message{
			user("msg_u1", 5000),
			completedAssistant("msg_a1", "msg_u1", 5001, 4000),
		},
		map[string][]store.Part{},
	)

	projected := pr.Project(in)
	assert.Equal(t, int64(0), projected[0].DurationMs)
}

func TestStatusLabels(t *testing.T) {
	tests := []struct {
		name string
		part store.Part
		want string
	}{
		{"bash tool", tool("prt_1", "msg_a1", "bash", 1), "Running commands"},
		{"edit tool", tool("prt_1", "msg_a1", "edit", 1), "Editing files"},
		{"read tool", tool("prt_1", "msg_a1", "grep", 1), "Reading files"},
		{"web tool", tool("prt_1", "msg_a1", "webfetch", 1), "Searching the web"},
		{"unknown tool", tool("prt_1", "msg_a1", "mystery", 1), "Working"},
		{"reasoning", store.Part{Part: agent.Part{
			ID: "prt_1", MessageID: "msg_a1", Type: agent.PartTypeReasoning, Sequence: 1}}, "Thinking"},
		{"text", text("prt_1", "msg_a1", "hello", 1), "Writing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := turns.NewProjector(nil)
			in := input(
				[]store.Message{
					user("msg_u1", 1000),
					assistant("msg_a1", "msg_u1", 1001),
				},
				map[string][]store.Part{"msg_a1": {tt.part}},
			)
			projected := pr.Project(in)
			assert.Equal(t, tt.want, projected[0].StatusLabel)
		})
	}
}

func TestMemoizedOrderingReflectsFreshContent(t *testing.T) {
	pr := turns.NewProjector(nil)

	p := text("prt_1", "msg_a1", "draft", 1)
	in := input(
		[]store.Message{
			user("msg_u1", 1000),
			assistant("msg_a1", "msg_u1", 1001),
		},
		map[string][]store.Part{"msg_a1": {p}},
	)

	first := pr.Project(in)
	assert.Equal(t, "draft", first[0].Parts[0].Text)

	// Same ordering signature, new content: the cache must serve ids only,
	// never stale payloads.
	p.Text = "final"
	in.Parts["msg_a1"] = []store.Part{p}
	second := pr.Project(in)
	assert.Equal(t, "final", second[0].Parts[0].Text)
}

func TestCacheBounded(t *testing.T) {
	pr := turns.NewProjector(nil)

	for i := 0; i < 200; i++ {
		in := input(
			[]store.Message{
				user("msg_u1", 1000),
				assistant("msg_a1", "msg_u1", 1001),
			},
			map[string][]store.Part{
				"msg_a1": {text(fmt.Sprintf("prt_%d", i), "msg_a1", "x", int64(i+1))},
			},
		)
		pr.Project(in)
	}

	assert.LessOrEqual(t, pr.CacheLen(), 64)
}

func partIDs(parts []store.Part) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.ID
	}
	return out
}

func messageIDs(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
