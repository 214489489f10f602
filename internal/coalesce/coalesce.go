// Package coalesce batches high-frequency part updates into time-sliced
// commits. A streaming tool call or text delta can produce dozens of patches
// per second; committing each one individually forces the projection layer to
// recompute just as often. The coalescer keeps the latest update per part id
// and commits at most once per flush interval per part.
package coalesce

import (
	"sync"
	"time"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/store"
)

// DefaultInterval approximates one animation-frame interval.
const DefaultInterval = 16 * time.Millisecond

// Coalescer batches part updates. Within one interval the last write per
// part id wins; flush commits keys in first-enqueue order. Immediate updates
// bypass the queue entirely and are never delayed or dropped.
type Coalescer struct {
	interval time.Duration
	commit   func(store.Part)
	logger   *agent.Logger

	mu      sync.Mutex
	pending map[string]store.Part
	order   []string
	timer   *time.Timer
	stopped bool
}

// New creates a coalescer that delivers batched updates to commit. A
// non-positive interval falls back to DefaultInterval.
func New(interval time.Duration, commit func(store.Part), logger *agent.Logger) *Coalescer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = agent.GetLogger()
	}
	return &Coalescer{
		interval: interval,
		commit:   commit,
		logger:   logger.With("component", "coalesce"),
		pending:  make(map[string]store.Part),
	}
}

// Enqueue stores the latest update for the part and schedules a flush if one
// is not already pending.
func (c *Coalescer) Enqueue(p store.Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if _, ok := c.pending[p.ID]; !ok {
		c.order = append(c.order, p.ID)
	}
	c.pending[p.ID] = p
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.Flush)
	}
}

// EnqueueImmediate commits synchronously, bypassing the queue. Any older
// queued update for the same part is superseded and dropped.
func (c *Coalescer) EnqueueImmediate(p store.Part) {
	c.mu.Lock()
	if _, ok := c.pending[p.ID]; ok {
		delete(c.pending, p.ID)
		for i, id := range c.order {
			if id == p.ID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	c.commit(p)
}

// Flush commits every pending update now, in first-enqueue order. Called on
// the interval timer, at end-of-stream, and before teardown.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]store.Part, 0, len(c.pending))
	for _, id := range c.order {
		if p, ok := c.pending[id]; ok {
			batch = append(batch, p)
		}
	}
	c.pending = make(map[string]store.Part)
	c.order = nil
	c.mu.Unlock()

	c.logger.Debug("flush", "parts", len(batch))
	for _, p := range batch {
		c.commit(p)
	}
}

// Cancel drops all pending updates without committing and stops the timer.
// Used on abort, where the evicted optimistic state must not resurface from
// the queue.
func (c *Coalescer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[string]store.Part)
	c.order = nil
}

// Close cancels pending work and rejects further enqueues.
func (c *Coalescer) Close() {
	c.Cancel()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// PendingCount returns the number of queued updates.
func (c *Coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
