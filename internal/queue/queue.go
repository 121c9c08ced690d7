// Package queue implements the Redis-backed task queue the workers consume.
// Tasks are acknowledged late: a dequeued task stays on a processing list
// with a visibility deadline until the handler finishes, and a reaper
// redelivers anything whose deadline lapsed. Delayed tasks (retries with an
// ETA) wait on a sorted set until due.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/compliflow/claimrelay/internal/models"
)

// Queue names. Compute and delivery tasks never share a queue so their
// worker pools can be sized independently.
const (
	QueueCompute  = "compute"
	QueueDelivery = "delivery"
)

// ErrQueueFull is returned by Enqueue when the ready list has reached the
// configured high-water mark. Ingress maps it to 503.
var ErrQueueFull = errors.New("queue: ready list at high-water mark")

// envelope wraps a task with a unique delivery tag so redeliveries of
// byte-identical tasks remain distinguishable on the processing list.
type envelope struct {
	Tag  string           `json:"tag"`
	Task models.QueueTask `json:"task"`
}

// Delivery is one leased task. The consumer must Ack after handling it;
// an unacked delivery is redelivered once its visibility deadline passes.
type Delivery struct {
	Task models.QueueTask

	queue *Queue
	name  string
	raw   string
}

// Ack removes the task from the processing list. Idempotent.
func (d *Delivery) Ack(ctx context.Context) error {
	pipe := d.queue.client.TxPipeline()
	pipe.LRem(ctx, processingKey(d.name), 1, d.raw)
	pipe.ZRem(ctx, unackedKey(d.name), d.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: ack on %s: %w", d.name, err)
	}
	return nil
}

// Options configures a queue instance.
type Options struct {
	// HighWater caps the ready list length; 0 disables backpressure.
	HighWater int64
	// VisibilityTimeout is how long a dequeued task may stay unacked
	// before the reaper redelivers it.
	VisibilityTimeout time.Duration
}

// Queue is a set of named FIFO task queues on one Redis database.
type Queue struct {
	client *redis.Client
	opts   Options
}

// New creates a queue on an opened client.
func New(client *redis.Client, opts Options) *Queue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Hour
	}
	return &Queue{client: client, opts: opts}
}

func readyKey(name string) string      { return "queue:" + name }
func processingKey(name string) string { return "queue:" + name + ":processing" }
func unackedKey(name string) string    { return "queue:" + name + ":unacked" }
func delayedKey(name string) string    { return "queue:" + name + ":delayed" }

// Enqueue places a task on the named queue. A task with a future ETA goes
// to the delayed set instead of the ready list and becomes visible when
// due. Enqueue rejects with ErrQueueFull when the ready list is at the
// high-water mark; delayed tasks are never rejected, since retries must
// not be dropped under pressure.
func (q *Queue) Enqueue(ctx context.Context, name string, task models.QueueTask) error {
	raw, err := json.Marshal(envelope{Tag: ulid.Make().String(), Task: task})
	if err != nil {
		return fmt.Errorf("queue: marshal task %s: %w", task.TaskID, err)
	}

	if task.ETA != nil && task.ETA.After(time.Now()) {
		if err := q.client.ZAdd(ctx, delayedKey(name), redis.Z{
			Score:  float64(task.ETA.UnixMilli()),
			Member: string(raw),
		}).Err(); err != nil {
			return fmt.Errorf("queue: delay task %s: %w", task.TaskID, err)
		}
		return nil
	}

	if q.opts.HighWater > 0 {
		depth, err := q.client.LLen(ctx, readyKey(name)).Result()
		if err != nil {
			return fmt.Errorf("queue: depth check on %s: %w", name, err)
		}
		if depth >= q.opts.HighWater {
			return ErrQueueFull
		}
	}

	if err := q.client.LPush(ctx, readyKey(name), raw).Err(); err != nil {
		return fmt.Errorf("queue: enqueue on %s: %w", name, err)
	}
	return nil
}

// Dequeue leases the oldest ready task, blocking up to wait. Returns
// (nil, nil) when nothing became ready. Each call leases at most one task,
// so a consumer holds exactly one unacked task at a time.
func (q *Queue) Dequeue(ctx context.Context, name string, wait time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, readyKey(name), processingKey(name), "RIGHT", "LEFT", wait).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue on %s: %w", name, err)
	}

	deadline := float64(time.Now().Add(q.opts.VisibilityTimeout).UnixMilli())
	if err := q.client.ZAdd(ctx, unackedKey(name), redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
		return nil, fmt.Errorf("queue: lease on %s: %w", name, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Undecodable entries would otherwise be redelivered forever.
		q.dropLease(ctx, name, raw)
		return nil, fmt.Errorf("queue: decode task on %s: %w", name, err)
	}

	return &Delivery{Task: env.Task, queue: q, name: name, raw: raw}, nil
}

func (q *Queue) dropLease(ctx context.Context, name, raw string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey(name), 1, raw)
	pipe.ZRem(ctx, unackedKey(name), raw)
	_, _ = pipe.Exec(ctx)
}

// Reap redelivers tasks whose visibility deadline has lapsed, returning
// the number moved back to the ready list. A crashed consumer's task
// reappears here after at most one visibility timeout.
func (q *Queue) Reap(ctx context.Context, name string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	expired, err := q.client.ZRangeByScore(ctx, unackedKey(name), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: reap scan on %s: %w", name, err)
	}

	moved := 0
	for _, raw := range expired {
		// Redelivered tasks go to the consumer end so they are retried
		// before newer work.
		pipe := q.client.TxPipeline()
		zrem := pipe.ZRem(ctx, unackedKey(name), raw)
		pipe.LRem(ctx, processingKey(name), 1, raw)
		pipe.RPush(ctx, readyKey(name), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("queue: reap on %s: %w", name, err)
		}
		if zrem.Val() > 0 {
			moved++
		}
	}

	if err := q.leaseOrphans(ctx, name); err != nil {
		return moved, err
	}
	return moved, nil
}

// leaseOrphans writes a visibility deadline for processing-list entries
// that have none. The lease is written after the BLMove in Dequeue, so a
// consumer crash between the two leaves an entry the lapsed-lease scan
// would never see. ZAddNX never touches live leases, and a consumer mid-
// Dequeue just overwrites the same deadline, so an orphaned entry is
// redelivered after at most two visibility timeouts.
func (q *Queue) leaseOrphans(ctx context.Context, name string) error {
	members, err := q.client.LRange(ctx, processingKey(name), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: orphan scan on %s: %w", name, err)
	}
	deadline := float64(time.Now().Add(q.opts.VisibilityTimeout).UnixMilli())
	for _, raw := range members {
		if err := q.client.ZAddNX(ctx, unackedKey(name), redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			return fmt.Errorf("queue: orphan lease on %s: %w", name, err)
		}
	}
	return nil
}

// PromoteDue moves delayed tasks whose ETA has passed onto the ready list,
// returning the number promoted. Promotion bypasses the high-water check:
// a scheduled retry is already-admitted work.
func (q *Queue) PromoteDue(ctx context.Context, name string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, delayedKey(name), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: promote scan on %s: %w", name, err)
	}

	promoted := 0
	for _, raw := range due {
		pipe := q.client.TxPipeline()
		zrem := pipe.ZRem(ctx, delayedKey(name), raw)
		pipe.LPush(ctx, readyKey(name), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("queue: promote on %s: %w", name, err)
		}
		if zrem.Val() > 0 {
			promoted++
		}
	}
	return promoted, nil
}

// Depth returns the visible (ready) length of a queue.
func (q *Queue) Depth(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, readyKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth on %s: %w", name, err)
	}
	return n, nil
}

// DelayedDepth returns the number of tasks waiting on their ETA.
func (q *Queue) DelayedDepth(ctx context.Context, name string) (int64, error) {
	n, err := q.client.ZCard(ctx, delayedKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: delayed depth on %s: %w", name, err)
	}
	return n, nil
}

// UnackedDepth returns the number of leased-but-unacked tasks.
func (q *Queue) UnackedDepth(ctx context.Context, name string) (int64, error) {
	n, err := q.client.ZCard(ctx, unackedKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: unacked depth on %s: %w", name, err)
	}
	return n, nil
}

// RunMaintenance periodically reaps lapsed leases and promotes due delayed
// tasks for the named queues until ctx is cancelled.
func (q *Queue) RunMaintenance(ctx context.Context, interval time.Duration, names ...string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range names {
				if _, err := q.Reap(ctx, name); err != nil && ctx.Err() == nil {
					continue
				}
				_, _ = q.PromoteDue(ctx, name)
			}
		}
	}
}
