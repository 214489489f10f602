package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/williamcory/agentsync/sdk/agent"
)

// Reconnect backoff bounds for the server-push subscription.
const (
	reconnectMinDelay = 500 * time.Millisecond
	reconnectMaxDelay = 10 * time.Second
	orphanSweepPeriod = 5 * time.Second
)

// Follow consumes the server-push event channel until the context is
// canceled, reconnecting with backoff on failure. After every reconnect it
// replays missed events for known sessions before resuming live delivery.
// A periodic sweep evicts optimistic artifacts that outlived their grace
// window. Follow returns nil on context cancellation.
func (c *Controller) Follow(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.followEvents(ctx)
	})
	g.Go(func() error {
		return c.sweepOrphans(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// followEvents is the subscribe/replay/consume loop.
func (c *Controller) followEvents(ctx context.Context) error {
	delay := reconnectMinDelay
	first := true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, errs, err := c.client.SubscribeToEvents(ctx)
		if err != nil {
			c.logger.Warn("event subscription failed", "error", err, "retry_in", delay)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = nextDelay(delay)
			continue
		}

		// Events emitted between the previous connection dropping and this
		// one attaching are only recoverable through the catch-up fetch.
		if !first {
			c.catchUpKnown(ctx)
		}
		first = false
		delay = reconnectMinDelay

		if err := c.consumeEvents(ctx, events, errs); err != nil {
			return err
		}
		c.logger.Info("event stream dropped, reconnecting")
	}
}

// consumeEvents applies pushed events until the stream ends. Returns non-nil
// only on context cancellation.
func (c *Controller) consumeEvents(ctx context.Context, events <-chan *agent.GlobalEvent, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("event stream error", "error", err)
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.applyGlobal(ev)
		}
	}
}

// applyGlobal routes one pushed event and advances the session cursor.
func (c *Controller) applyGlobal(ev *agent.GlobalEvent) {
	if err := c.router.Apply(&ev.Event); err != nil {
		c.logger.Warn("event rejected", "type", ev.Type, "error", err)
		return
	}
	c.advanceCursor(ev.Event.SessionID, ev.Sequence)
}

func (c *Controller) advanceCursor(sessionID string, seq int64) {
	if sessionID == "" || seq == 0 {
		return
	}
	c.mu.Lock()
	if seq > c.cursor[sessionID] {
		c.cursor[sessionID] = seq
	}
	c.mu.Unlock()
}

// catchUpKnown replays missed events for every session the engine has seen.
func (c *Controller) catchUpKnown(ctx context.Context) {
	for _, sess := range c.stores.Sessions.List() {
		if err := c.CatchUp(ctx, sess.ID); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("catch-up failed", "session_id", sess.ID, "error", err)
		}
	}
}

// CatchUp replays the session's event log from the last applied sequence,
// paging until the server reports no more. If the session still looks
// non-terminal afterwards the log may have been truncated, so CatchUp falls
// back to a direct state snapshot.
func (c *Controller) CatchUp(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	after := c.cursor[sessionID]
	c.mu.Unlock()

	for {
		batch, err := c.client.ListEvents(ctx, sessionID, after)
		if err != nil {
			return fmt.Errorf("list events after %d: %w", after, err)
		}

		for _, ev := range batch.Events {
			if err := c.router.Apply(&ev); err != nil {
				c.logger.Warn("replayed event rejected", "type", ev.Type, "error", err)
			}
			if ev.Sequence > after {
				after = ev.Sequence
			}
		}
		c.advanceCursor(sessionID, after)

		if !batch.HasMore {
			break
		}
	}

	// Replayed part updates ride the coalescer's batching lane; commit them
	// before anyone projects the caught-up state.
	c.co.Flush()

	if c.sessionSettled(sessionID) {
		return nil
	}
	return c.resync(ctx, sessionID)
}

// sessionSettled reports whether the session reached a quiescent state after
// replay: idle status and a completed (or absent) last assistant message.
func (c *Controller) sessionSettled(sessionID string) bool {
	sess, ok := c.stores.Sessions.Get(sessionID)
	if !ok || !sess.Status.IsIdle() {
		return false
	}
	msgs := c.stores.Messages.BySession(sessionID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsAssistant() {
			return msgs[i].Completed()
		}
	}
	return true
}

// resync fetches the session and its full message history directly, upserting
// everything. Idempotent application makes the overlap with replayed events
// harmless.
func (c *Controller) resync(ctx context.Context, sessionID string) error {
	sess, err := c.client.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("snapshot session: %w", err)
	}
	c.stores.Sessions.Upsert(*sess)

	msgs, err := c.client.ListMessages(ctx, sessionID, nil)
	if err != nil {
		return fmt.Errorf("snapshot messages: %w", err)
	}

	for _, mwp := range msgs {
		if err := c.router.ApplyMessage(mwp.Info, 0); err != nil {
			c.logger.Warn("snapshot message rejected", "error", err)
			continue
		}
		for _, p := range mwp.Parts {
			c.router.ApplyPart(p, 0)
		}
	}
	c.co.Flush()

	c.logger.Info("session resynced from snapshot", "session_id", sessionID, "messages", len(msgs))
	return nil
}

// sweepOrphans periodically evicts optimistic records past the grace window.
func (c *Controller) sweepOrphans(ctx context.Context) error {
	ticker := time.NewTicker(orphanSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, sess := range c.stores.Sessions.List() {
				if n := c.stores.EvictOrphans(sess.ID, c.orphanMaxAge, now); n > 0 {
					c.logger.Debug("orphans evicted", "session_id", sess.ID, "count", n)
				}
			}
		}
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
