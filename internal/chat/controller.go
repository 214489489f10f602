// Package chat orchestrates sending a message, consuming the server's
// streamed response, maintaining optimistic and canonical store state, and
// exposing the send state machine to the rest of the system.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/coalesce"
	"github.com/williamcory/agentsync/internal/router"
	"github.com/williamcory/agentsync/internal/store"
	"github.com/williamcory/agentsync/internal/turns"
)

// Validation errors, rejected before any network or store activity.
var (
	ErrEmptyMessage = errors.New("message text is empty")
	ErrNoWorkspace  = errors.New("no workspace directory resolved")
	ErrNoClient     = errors.New("no api client configured")
	ErrBusy         = errors.New("a send is already in flight")
)

// State is the controller's send state machine. Error is reachable from
// connecting and streaming; a user-initiated abort returns to idle instead.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateDone       State = "done"
	StateError      State = "error"
)

// Options configures a controller.
type Options struct {
	Directory        string
	Model            *agent.ModelInfo
	CoalesceInterval time.Duration
	OrphanMaxAge     time.Duration
	OnError          func(error)
	Logger           *agent.Logger
}

// pendingWrite is an optimistic message/part pair created before the session
// id is known; it is persisted the moment the id resolves.
type pendingWrite struct {
	message store.Message
	part    store.Part
}

// Controller drives one chat session.
type Controller struct {
	client    *agent.Client
	stores    *store.Stores
	co        *coalesce.Coalescer
	router    *router.Router
	projector *turns.Projector
	logger    *agent.Logger

	directory    string
	model        *agent.ModelInfo
	orphanMaxAge time.Duration
	onError      func(error)

	mu                sync.Mutex
	state             State
	err               error
	sessionID         string
	activeMessageID   string
	lastUserMessageID string
	aborted           bool
	cancel            context.CancelFunc
	deferred          []pendingWrite
	requests          []turns.Request
	cursor            map[string]int64 // per-session catch-up cursor
}

// New creates a controller over the given client and stores.
func New(client *agent.Client, stores *store.Stores, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = agent.GetLogger()
	}
	logger = logger.With("component", "chat")

	co := coalesce.New(opts.CoalesceInterval, func(p store.Part) {
		stores.Parts.Upsert(p)
	}, logger)

	orphanMaxAge := opts.OrphanMaxAge
	if orphanMaxAge <= 0 {
		orphanMaxAge = 30 * time.Second
	}

	return &Controller{
		client:       client,
		stores:       stores,
		co:           co,
		router:       router.New(stores, co, logger),
		projector:    turns.NewProjector(logger),
		logger:       logger,
		directory:    opts.Directory,
		model:        opts.Model,
		orphanMaxAge: orphanMaxAge,
		onError:      opts.OnError,
		state:        StateIdle,
		cursor:       make(map[string]int64),
	}
}

// State returns the current send state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure from the last send, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SessionID returns the resolved session id, empty until the first send
// completes session resolution.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UseSession points the controller at an existing session.
func (c *Controller) UseSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// CanSend reports whether a new send may start.
func (c *Controller) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateIdle || c.state == StateDone || c.state == StateError
}

// start clears any prior error and records the active message id.
func (c *Controller) start(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
	c.aborted = false
	c.activeMessageID = messageID
	c.lastUserMessageID = messageID
	c.state = StateConnecting
}

// Stop aborts the in-flight send. The abort is user-initiated, so the
// controller returns silently to idle rather than surfacing an error. The
// server is told to stop generating too, best-effort.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	sessionID := c.sessionID
	c.aborted = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if sessionID == "" || c.client == nil {
		return
	}
	go func() {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := c.client.AbortSession(ctx, sessionID); err != nil {
			c.logger.Debug("server-side abort failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Send validates and sends one user message, then consumes the streamed
// response to completion. It returns the optimistic user message id.
func (c *Controller) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if c.directory == "" {
		return "", ErrNoWorkspace
	}
	if c.client == nil {
		return "", ErrNoClient
	}
	if !c.CanSend() {
		return "", ErrBusy
	}

	now := time.Now()
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	userMsg := store.Message{
		Message: agent.Message{
			ID:        store.NewID(store.MessagePrefix),
			SessionID: sessionID,
			Role:      agent.RoleUser,
			Time:      agent.MessageTime{Created: agent.Now()},
		},
		Optimistic: store.NewOptimistic(store.OriginSend,
			store.CorrelateMessage(sessionID, agent.RoleUser, now), now),
	}
	textPart := store.Part{
		Part: agent.Part{
			ID:        store.NewID(store.PartPrefix),
			MessageID: userMsg.ID,
			SessionID: sessionID,
			Type:      agent.PartTypeText,
			Text:      text,
			Time:      &agent.PartTime{Start: agent.Now()},
		},
		Optimistic: store.NewOptimistic(store.OriginSend,
			store.CorrelatePart(userMsg.ID, agent.PartTypeText, ""), now),
	}

	if sessionID != "" {
		c.persistOptimistic(userMsg, textPart)
	} else {
		// No session yet: hold the pair until the server assigns an id.
		c.mu.Lock()
		c.deferred = append(c.deferred, pendingWrite{message: userMsg, part: textPart})
		c.mu.Unlock()
	}

	c.start(userMsg.ID)

	req := &agent.PromptRequest{
		Parts: []interface{}{
			agent.TextPartInput{Type: "text", Text: text},
		},
		MessageID: agent.String(userMsg.ID),
		Model:     c.model,
		Directory: agent.String(c.directory),
	}

	sendCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	stream, err := c.client.SendMessage(sendCtx, sessionID, req)
	if err != nil {
		c.fail(sessionID, fmt.Errorf("send message: %w", err))
		return userMsg.ID, err
	}

	// The server-returned header is authoritative over the local id.
	resolved := stream.SessionID()
	if resolved == "" {
		resolved = sessionID
	}
	if resolved != "" {
		c.resolveSession(resolved)
	}

	c.mu.Lock()
	c.state = StateStreaming
	c.mu.Unlock()

	return userMsg.ID, c.consumeStream(sendCtx, stream, resolved, userMsg.ID)
}

// persistOptimistic writes an optimistic message/part pair, creating a shell
// session row first so FK validation passes.
func (c *Controller) persistOptimistic(msg store.Message, part store.Part) {
	if _, ok := c.stores.Sessions.Get(msg.SessionID); !ok {
		c.stores.Sessions.Upsert(agent.Session{ID: msg.SessionID, Directory: c.directory})
	}
	if err := c.stores.Messages.Upsert(msg); err != nil {
		c.logger.Warn("optimistic message rejected", "error", err)
		return
	}
	c.stores.Parts.Upsert(part)
}

// resolveSession records the confirmed session id and persists any writes
// deferred while it was unknown.
func (c *Controller) resolveSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	deferred := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	for _, w := range deferred {
		w.message.SessionID = sessionID
		w.part.SessionID = sessionID
		c.persistOptimistic(w.message, w.part)
	}
}

// consumeStream folds response frames into the stores until the stream
// finishes, errors, or is aborted.
func (c *Controller) consumeStream(ctx context.Context, stream *agent.MessageStream, sessionID, userMessageID string) error {
	// Accumulated streaming parts, keyed by part id. Deltas append; the
	// coalescer bounds the commit rate.
	accum := make(map[string]store.Part)

	events := stream.Events()
	errs := stream.Err()

	for {
		select {
		case <-ctx.Done():
			return c.finishCanceled(sessionID, ctx.Err())
		case err, ok := <-errs:
			if !ok || err == nil {
				// The error channel closes ahead of the event channel on a
				// clean shutdown; decoded frames may still be buffered.
				// Keep draining events until they close too.
				errs = nil
				continue
			}
			if errors.Is(err, context.Canceled) {
				return c.finishCanceled(sessionID, err)
			}
			c.fail(sessionID, err)
			return err
		case ev, ok := <-events:
			if !ok {
				return c.finishDone(sessionID)
			}
			if err := c.handleFrame(ev, accum, sessionID, userMessageID); err != nil {
				if errors.Is(err, errStreamDone) {
					return c.finishDone(sessionID)
				}
				c.fail(sessionID, err)
				return err
			}
		}
	}
}

// finishCanceled classifies a canceled stream: a user-initiated Stop returns
// quietly to idle, any other cancellation is surfaced as a failure.
func (c *Controller) finishCanceled(sessionID string, cause error) error {
	c.mu.Lock()
	aborted := c.aborted
	c.mu.Unlock()
	if aborted {
		return c.finishAbort(sessionID)
	}
	if cause == nil {
		cause = context.Canceled
	}
	c.fail(sessionID, cause)
	return cause
}

// errStreamDone signals normal completion from inside frame handling.
var errStreamDone = errors.New("stream done")

// handleFrame applies one decoded frame.
func (c *Controller) handleFrame(ev *agent.StreamEvent, accum map[string]store.Part, sessionID, userMessageID string) error {
	switch {
	case ev.Message != nil:
		return c.router.ApplyMessage(*ev.Message, 0)

	case ev.Part != nil:
		c.ensureAssistant(ev.Part.MessageID, sessionID, userMessageID)
		c.router.ApplyPart(*ev.Part, 0)

	case ev.Delta != nil:
		c.ensureAssistant(ev.Delta.MessageID, sessionID, userMessageID)
		p := c.accumulate(accum, ev.Delta.PartID, ev.Delta.MessageID, sessionID, agent.PartTypeText)
		p.Text += ev.Delta.Delta
		accum[p.ID] = p
		c.co.Enqueue(p)

	case ev.Thought != nil:
		c.ensureAssistant(ev.Thought.MessageID, sessionID, userMessageID)
		p := c.accumulate(accum, ev.Thought.PartID, ev.Thought.MessageID, sessionID, agent.PartTypeReasoning)
		p.Text += ev.Thought.Text
		accum[p.ID] = p
		c.co.Enqueue(p)

	case ev.ToolCall != nil:
		tc := ev.ToolCall
		c.ensureAssistant(tc.MessageID, sessionID, userMessageID)
		p := c.accumulate(accum, tc.PartID, tc.MessageID, sessionID, agent.PartTypeTool)
		p.Tool = tc.Tool
		p.CallID = tc.CallID
		p.State = &agent.ToolState{
			Status: agent.ToolPending,
			Input:  tc.Input,
			Time:   &agent.PartTime{Start: agent.Now()},
		}
		accum[p.ID] = p
		// A newly-started tool call must surface at once.
		c.co.EnqueueImmediate(p)

	case ev.ToolResult != nil:
		tr := ev.ToolResult
		c.ensureAssistant(tr.MessageID, sessionID, userMessageID)
		p := c.accumulate(accum, tr.PartID, tr.MessageID, sessionID, agent.PartTypeTool)
		if p.CallID == "" {
			p.CallID = tr.CallID
		}
		if p.State == nil {
			p.State = &agent.ToolState{Time: &agent.PartTime{Start: agent.Now()}}
		}
		p.State.Status = tr.Status
		p.State.Output = tr.Output
		end := agent.Now()
		if p.State.Time == nil {
			p.State.Time = &agent.PartTime{Start: end}
		}
		p.State.Time.End = &end
		accum[p.ID] = p
		c.co.Enqueue(p)

	case ev.Finish != nil:
		c.completeAssistant(ev.Finish)
		return errStreamDone

	case ev.Type == agent.FrameError:
		return fmt.Errorf("server error: %s", agent.ErrorMessage(ev.Raw))
	}
	return nil
}

// accumulate returns the in-progress record for a streaming part, reading
// through to the store for parts that predate this stream.
func (c *Controller) accumulate(accum map[string]store.Part, partID, messageID, sessionID, partType string) store.Part {
	if p, ok := accum[partID]; ok {
		return p
	}
	if p, ok := c.stores.Parts.Get(partID); ok {
		return p
	}
	return store.Part{
		Part: agent.Part{
			ID:        partID,
			MessageID: messageID,
			SessionID: sessionID,
			Type:      partType,
			Time:      &agent.PartTime{Start: agent.Now()},
		},
	}
}

// ensureAssistant persists the owning assistant message on first sight.
func (c *Controller) ensureAssistant(messageID, sessionID, userMessageID string) {
	if messageID == "" || c.stores.Messages.Exists(messageID) {
		return
	}
	err := c.router.ApplyMessage(agent.Message{
		ID:        messageID,
		SessionID: sessionID,
		Role:      agent.RoleAssistant,
		ParentID:  userMessageID,
		Time:      agent.MessageTime{Created: agent.Now()},
	}, 0)
	if err != nil {
		c.logger.Warn("assistant message rejected", "error", err)
	}
}

// completeAssistant stamps the completion time on the finished assistant
// message and flushes everything streamed but not yet committed.
func (c *Controller) completeAssistant(f *agent.FinishFrame) {
	c.co.Flush()

	if f.MessageID != "" {
		if m, ok := c.stores.Messages.Get(f.MessageID); ok {
			completed := f.Time
			if completed == 0 {
				completed = agent.Now()
			}
			m.Time.Completed = &completed
			if err := c.stores.Messages.Upsert(m); err != nil {
				c.logger.Warn("completion upsert rejected", "error", err)
			}
		}
	}
}

// finishDone flushes pending work and transitions to done.
func (c *Controller) finishDone(sessionID string) error {
	c.co.Flush()
	c.mu.Lock()
	c.state = StateDone
	c.cancel = nil
	c.mu.Unlock()
	c.logger.Debug("stream complete", "session_id", sessionID)
	return nil
}

// finishAbort handles a user-initiated stop: flush what streamed, evict
// speculative state immediately, and return quietly to idle.
func (c *Controller) finishAbort(sessionID string) error {
	c.co.Flush()
	if sessionID != "" {
		evicted := c.stores.EvictOrphans(sessionID, 0, time.Now())
		c.logger.Debug("abort cleanup", "session_id", sessionID, "evicted", evicted)
	}
	c.mu.Lock()
	c.state = StateIdle
	c.err = nil
	c.cancel = nil
	c.mu.Unlock()
	return nil
}

// fail flushes pending writes so nothing streamed is silently lost, evicts
// unconfirmed artifacts so the UI shows no phantom bubbles, and surfaces the
// error.
func (c *Controller) fail(sessionID string, err error) {
	c.co.Flush()
	if sessionID != "" {
		c.stores.EvictOrphans(sessionID, 0, time.Now())
		c.attachError(sessionID, err)
	}
	c.mu.Lock()
	c.state = StateError
	c.err = err
	c.cancel = nil
	onError := c.onError
	c.mu.Unlock()

	c.logger.Error("send failed", "session_id", sessionID, "error", err)
	if onError != nil {
		onError(err)
	}
}

// attachError records the failure on the last assistant message of the
// session so the projection can surface it.
func (c *Controller) attachError(sessionID string, err error) {
	msgs := c.stores.Messages.BySession(sessionID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsAssistant() {
			continue
		}
		m := msgs[i]
		raw, jsonErr := sjson.SetBytes([]byte(`{}`), "data.message", err.Error())
		if jsonErr != nil {
			return
		}
		m.Error = raw
		if upErr := c.stores.Messages.Upsert(m); upErr != nil {
			c.logger.Warn("error upsert rejected", "error", upErr)
		}
		return
	}
}

// AddRequest records an out-of-band permission/question request from the
// permission subsystem.
func (c *Controller) AddRequest(req turns.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.requests {
		if existing.ID == req.ID {
			c.requests[i] = req
			return
		}
	}
	c.requests = append(c.requests, req)
}

// ResolveRequest marks a pending request answered or denied.
func (c *Controller) ResolveRequest(id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.requests {
		if c.requests[i].ID == id {
			c.requests[i].Status = status
			return
		}
	}
}

// Turns projects the current store state for a session into ordered turns.
func (c *Controller) Turns(sessionID string) []turns.Turn {
	c.mu.Lock()
	lastUser := c.lastUserMessageID
	requests := make([]turns.Request, len(c.requests))
	copy(requests, c.requests)
	c.mu.Unlock()

	messages := c.stores.Messages.BySession(sessionID)
	parts := make(map[string][]store.Part, len(messages))
	for _, m := range messages {
		parts[m.ID] = c.stores.Parts.ByMessage(m.ID)
	}

	var status agent.SessionStatus
	if sess, ok := c.stores.Sessions.Get(sessionID); ok {
		status = sess.Status
	}

	return c.projector.Project(turns.Input{
		Messages:          messages,
		Parts:             parts,
		Requests:          requests,
		Status:            status,
		LastUserMessageID: lastUser,
		Now:               time.Now(),
	})
}

// Stores exposes the entity stores for subscription by the consuming layer.
func (c *Controller) Stores() *store.Stores { return c.stores }

// Close tears down the coalescer.
func (c *Controller) Close() {
	c.co.Close()
}
