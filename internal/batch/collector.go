// Package batch assembles terminal episodes into training batches. A batch
// closes when it reaches the size target or when its deadline expires,
// whichever comes first; episodes still in flight at close roll into the next
// batch.
package batch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/foldrl/bindertune/internal/model"
)

// Collector accumulates terminal episodes into the open batch and delivers
// closed batches on a channel. A new batch opens the moment the previous one
// closes, so there is always exactly one open batch.
type Collector struct {
	size     int
	deadline time.Duration
	logger   *slog.Logger
	out      chan *model.TrainingBatch

	mu      sync.Mutex
	cur     *model.TrainingBatch
	timer   *time.Timer
	stopped bool
}

// New creates a collector with the given size target and deadline and opens
// the first batch.
func New(size int, deadline time.Duration, logger *slog.Logger) *Collector {
	c := &Collector{
		size:     size,
		deadline: deadline,
		logger:   logger,
		out:      make(chan *model.TrainingBatch, 4),
	}
	c.mu.Lock()
	c.openLocked()
	c.mu.Unlock()
	return c
}

// Batches is the stream of closed batches, in close order. Closed by Stop.
func (c *Collector) Batches() <-chan *model.TrainingBatch {
	return c.out
}

// Add records one terminal episode in the open batch. Finalized episodes
// contribute a training entry; failed and cancelled episodes only count toward
// the batch's accounting, but still push the batch toward its size target so a
// run of failures cannot stall training forever.
func (c *Collector) Add(ep *model.Episode) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Warn("episode arrived after collector stop", "episode_id", ep.ID)
		return
	}

	switch ep.State {
	case model.StateFinalized:
		var total float64
		if ep.Reward != nil {
			total = ep.Reward.Total
		}
		c.cur.Episodes = append(c.cur.Episodes, model.BatchEpisode{
			EpisodeID:   ep.ID,
			Observation: ep.Observation,
			Action:      ep.Action,
			Reward:      total,
		})
	case model.StateFailed:
		c.cur.Failed++
	case model.StateCancelled:
		c.cur.Cancelled++
	default:
		c.mu.Unlock()
		c.logger.Warn("non-terminal episode offered to collector", "episode_id", ep.ID, "state", ep.State)
		return
	}

	var closed *model.TrainingBatch
	if batchCount(c.cur) >= c.size {
		closed = c.closeLocked()
	}
	c.mu.Unlock()

	if closed != nil {
		c.deliver(closed, "size")
	}
}

// Stop closes the open batch, delivers it if it has any accounting at all,
// and closes the batch stream. No Add may follow.
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.timer.Stop()
	closed := c.cur
	closed.ClosedAt = time.Now().UTC()
	c.cur = nil
	c.mu.Unlock()

	if batchCount(closed) > 0 {
		c.deliver(closed, "stop")
	}
	close(c.out)
}

// openLocked starts a fresh batch and arms its deadline. Caller holds mu.
func (c *Collector) openLocked() {
	c.cur = &model.TrainingBatch{
		ID:       model.NewID(),
		OpenedAt: time.Now().UTC(),
	}
	id := c.cur.ID
	c.timer = time.AfterFunc(c.deadline, func() { c.expire(id) })
}

// closeLocked closes the open batch and opens the next. Caller holds mu.
func (c *Collector) closeLocked() *model.TrainingBatch {
	c.timer.Stop()
	closed := c.cur
	closed.ClosedAt = time.Now().UTC()
	c.openLocked()
	return closed
}

// expire fires at the batch deadline. Deadline-expired batches are delivered
// even when empty; the trainer skips empty ones, but the cadence stays
// observable.
func (c *Collector) expire(id string) {
	c.mu.Lock()
	if c.stopped || c.cur == nil || c.cur.ID != id {
		// The batch already closed by size; this timer is stale.
		c.mu.Unlock()
		return
	}
	closed := c.closeLocked()
	c.mu.Unlock()

	c.deliver(closed, "deadline")
}

func (c *Collector) deliver(b *model.TrainingBatch, cause string) {
	c.logger.Info("training batch closed",
		"batch_id", b.ID,
		"cause", cause,
		"episodes", len(b.Episodes),
		"failed", b.Failed,
		"cancelled", b.Cancelled,
	)
	c.out <- b
}

// batchCount is the number of terminal episodes the batch accounts for.
func batchCount(b *model.TrainingBatch) int {
	return len(b.Episodes) + b.Failed + b.Cancelled
}
