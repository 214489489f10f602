// Package turns derives the ordered sequence of conversation turns — one user
// message plus its causally-linked assistant activity — from store contents.
//
// Projection is a pure function of its input: it carries no hidden state, and
// it is safe to discard and recompute on every observed store change. The
// consuming layer calls Projector.Project after any relevant mutation; the
// internal memo cache is an optimization, never a correctness requirement.
package turns

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/store"
)

// Request is an out-of-band permission/question record from the
// permission subsystem, delivered outside the part stream.
type Request struct {
	ID        string
	MessageID string
	Kind      string // agent.PartTypePermission or agent.PartTypeQuestion
	Status    string
	CreatedAt float64
}

// Retry describes the session's retry backoff for the active turn.
type Retry struct {
	Attempt int
	Message string
	Next    float64
}

// Turn is one user message plus every assistant message causally descended
// from it, with the merged, ordered part pool and the derived display state.
type Turn struct {
	UserMessage       store.Message
	AssistantMessages []store.Message
	Parts             []store.Part
	FinalTextPart     *store.Part
	Working           bool
	Retry             *Retry
	Error             string
	DurationMs        int64
	StatusLabel       string
}

// Input is everything the projection reads. Messages must be in session
// arrival order; Parts maps message id to that message's parts in arrival
// order.
type Input struct {
	Messages          []store.Message
	Parts             map[string][]store.Part
	Requests          []Request
	Status            agent.SessionStatus
	LastUserMessageID string
	Now               time.Time
}

const cacheCapacity = 64

// Projector computes turn projections, memoizing part orderings per unique
// input signature with bounded LRU eviction.
type Projector struct {
	logger *agent.Logger

	mu    sync.Mutex
	cache *lruCache
}

// NewProjector creates a projector.
func NewProjector(logger *agent.Logger) *Projector {
	if logger == nil {
		logger = agent.GetLogger()
	}
	return &Projector{
		logger: logger.With("component", "turns"),
		cache:  newLRUCache(cacheCapacity),
	}
}

// Project derives the ordered turn list from store state.
func (pr *Projector) Project(in Input) []Turn {
	var turns []Turn

	for i := 0; i < len(in.Messages); i++ {
		user := in.Messages[i]
		if !user.IsUser() {
			continue
		}

		// Walk forward in store order until the next user message, collecting
		// assistant messages parented to this one.
		var assistants []store.Message
		for j := i + 1; j < len(in.Messages); j++ {
			m := in.Messages[j]
			if m.IsUser() {
				break
			}
			if m.IsAssistant() && (m.ParentID == user.ID || m.ParentID == "") {
				assistants = append(assistants, m)
			}
		}

		turns = append(turns, pr.buildTurn(in, user, assistants))
	}

	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].UserMessage.Time.Created < turns[j].UserMessage.Time.Created
	})
	return turns
}

func (pr *Projector) buildTurn(in Input, user store.Message, assistants []store.Message) Turn {
	pool, byID := mergeParts(in, assistants)
	ordered := pr.orderParts(pool, byID, assistants)

	turn := Turn{
		UserMessage:       user,
		AssistantMessages: assistants,
		Parts:             ordered,
	}

	for i := range ordered {
		if ordered[i].IsText() {
			turn.FinalTextPart = &ordered[i]
		}
	}

	pendingPrompt := hasPendingPrompt(ordered)
	active := user.ID == in.LastUserMessageID

	if active && in.Status.Type == agent.StatusRetry {
		turn.Retry = &Retry{
			Attempt: in.Status.Attempt,
			Message: in.Status.Message,
			Next:    in.Status.Next,
		}
	}

	turn.Working = active && !in.Status.IsIdle()
	if turn.Working && len(assistants) > 0 {
		// Defensive override: a completed last assistant message with nothing
		// pending means a status transition was missed, not that work is
		// still running.
		last := assistants[len(assistants)-1]
		if last.Completed() && !pendingPrompt && turn.Retry == nil {
			turn.Working = false
		}
	}

	if len(assistants) > 0 {
		last := assistants[len(assistants)-1]
		turn.Error = agent.ErrorMessage(last.Error)
	}

	turn.DurationMs = duration(in, user, assistants)
	turn.StatusLabel = statusLabel(ordered, pendingPrompt)
	return turn
}

// mergeParts pools the assistant messages' parts and folds in store-level
// permission/question requests, deduplicating against part-level prompt
// entries by semantic key. The part-level entry wins when both exist.
func mergeParts(in Input, assistants []store.Message) ([]store.Part, map[string]store.Part) {
	assistantSet := make(map[string]bool, len(assistants))
	var pool []store.Part
	promptKeys := make(map[string]bool)

	for _, a := range assistants {
		assistantSet[a.ID] = true
		for _, p := range in.Parts[a.ID] {
			pool = append(pool, p)
			if p.IsPrompt() {
				promptKeys[p.PromptID()] = true
			}
		}
	}

	for _, req := range in.Requests {
		if !assistantSet[req.MessageID] {
			continue
		}
		if promptKeys[req.ID] {
			continue
		}
		promptKeys[req.ID] = true
		pool = append(pool, requestPart(req))
	}

	byID := make(map[string]store.Part, len(pool))
	for _, p := range pool {
		byID[p.ID] = p
	}
	return pool, byID
}

// requestPart synthesizes a prompt part from an out-of-band request record so
// the merged pool stays homogeneous.
func requestPart(req Request) store.Part {
	p := agent.Part{
		ID:        "req_" + req.ID,
		MessageID: req.MessageID,
		Type:      req.Kind,
		Status:    req.Status,
		Time:      &agent.PartTime{Start: req.CreatedAt},
	}
	switch req.Kind {
	case agent.PartTypeQuestion:
		p.QuestionID = req.ID
	default:
		p.Type = agent.PartTypePermission
		p.PermissionID = req.ID
	}
	return store.Part{Part: p}
}

// orderParts sorts the merged pool, memoizing the resulting id order per
// input signature.
func (pr *Projector) orderParts(pool []store.Part, byID map[string]store.Part, assistants []store.Message) []store.Part {
	if len(pool) == 0 {
		return nil
	}

	arrival := make(map[string]int, len(assistants))
	for i, a := range assistants {
		arrival[a.ID] = i
	}

	sig := signature(pool, assistants)

	pr.mu.Lock()
	cachedIDs, ok := pr.cache.get(sig)
	pr.mu.Unlock()
	if ok && len(cachedIDs) == len(pool) {
		out := make([]store.Part, 0, len(cachedIDs))
		for _, id := range cachedIDs {
			if p, found := byID[id]; found {
				out = append(out, p)
			}
		}
		if len(out) == len(pool) {
			return out
		}
	}

	out := make([]store.Part, len(pool))
	copy(out, pool)
	sort.SliceStable(out, func(i, j int) bool {
		return lessPart(out[i], out[j], arrival)
	})

	ids := make([]string, len(out))
	for i, p := range out {
		ids[i] = p.ID
	}
	pr.mu.Lock()
	pr.cache.put(sig, ids)
	pr.mu.Unlock()

	return out
}

// lessPart is the five-level part ordering: server sequence, derived
// timestamp, assistant-message arrival, part arrival within the message, and
// finally id comparison as a deterministic tie-break.
func lessPart(a, b store.Part, arrival map[string]int) bool {
	if a.Part.Sequence > 0 && b.Part.Sequence > 0 && a.Part.Sequence != b.Part.Sequence {
		return a.Part.Sequence < b.Part.Sequence
	}

	ta, tb := derivedTime(a.Part), derivedTime(b.Part)
	if ta > 0 && tb > 0 && ta != tb {
		return ta < tb
	}

	ma, mb := arrival[a.MessageID], arrival[b.MessageID]
	if ma != mb {
		return ma < mb
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}

// derivedTime picks the earliest timestamp found on the part or its nested
// tool state. Zero means no timing information at all.
func derivedTime(p agent.Part) float64 {
	var earliest float64
	consider := func(v float64) {
		if v > 0 && (earliest == 0 || v < earliest) {
			earliest = v
		}
	}
	if p.Time != nil {
		consider(p.Time.Start)
		if p.Time.End != nil {
			consider(*p.Time.End)
		}
	}
	if p.State != nil && p.State.Time != nil {
		consider(p.State.Time.Start)
		if p.State.Time.End != nil {
			consider(*p.State.Time.End)
		}
	}
	return earliest
}

// signature captures everything the ordering depends on: part identity,
// sequence, arrival order and derived timing, plus the assistant message set.
func signature(pool []store.Part, assistants []store.Message) string {
	var b strings.Builder
	for _, a := range assistants {
		fmt.Fprintf(&b, "m:%s;", a.ID)
	}
	for _, p := range pool {
		fmt.Fprintf(&b, "p:%s:%d:%d:%g:%s;", p.ID, p.Part.Sequence, p.Order, derivedTime(p.Part), p.Status)
	}
	return b.String()
}

func hasPendingPrompt(parts []store.Part) bool {
	for _, p := range parts {
		if p.IsPrompt() && (p.Status == "" || p.Status == agent.RequestPending) {
			return true
		}
	}
	return false
}

// duration is the wall-clock gap between the user's timestamp and the last
// assistant completion, using the current time while still streaming, clamped
// to non-negative.
func duration(in Input, user store.Message, assistants []store.Message) int64 {
	start := user.Time.Created
	if start == 0 {
		return 0
	}

	end := float64(0)
	for _, a := range assistants {
		if a.Time.Completed != nil && *a.Time.Completed > end {
			end = *a.Time.Completed
		}
	}
	if end == 0 {
		end = float64(in.Now.UnixNano()) / 1e9
	}

	ms := int64((end - start) * 1000)
	if ms < 0 {
		ms = 0
	}
	return ms
}

// Tool names mapped to human-readable activity labels.
var toolLabels = map[string]string{
	"bash":      "Running commands",
	"edit":      "Editing files",
	"write":     "Editing files",
	"patch":     "Editing files",
	"multiedit": "Editing files",
	"read":      "Reading files",
	"glob":      "Reading files",
	"grep":      "Reading files",
	"ls":        "Reading files",
	"webfetch":  "Searching the web",
	"websearch": "Searching the web",
	"todo":      "Updating todos",
	"task":      "Delegating work",
}

// statusLabel derives a label from the last meaningful part. An open
// permission/question prompt forces "Waiting for input" regardless of what
// streamed after it.
func statusLabel(parts []store.Part, pendingPrompt bool) string {
	if pendingPrompt {
		return "Waiting for input"
	}

	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		switch p.Type {
		case agent.PartTypeTool:
			if label, ok := toolLabels[p.Tool]; ok {
				return label
			}
			return "Working"
		case agent.PartTypeReasoning:
			return "Thinking"
		case agent.PartTypeText:
			return "Writing"
		case agent.PartTypeRetry:
			return "Retrying"
		}
	}
	return "Working"
}

// CacheLen reports the memo cache size.
func (pr *Projector) CacheLen() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.cache.len()
}
