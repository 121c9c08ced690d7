// Package worker runs the task consumer pools. Each worker goroutine
// loops dequeue, execute, acknowledge; a task is acked only after its
// handler returns cleanly, so a crash mid-task leaves it for redelivery.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compliflow/claimrelay/internal/logging"
	"github.com/compliflow/claimrelay/internal/metrics"
	"github.com/compliflow/claimrelay/internal/models"
	"github.com/compliflow/claimrelay/internal/queue"
)

// pollWait bounds a single blocking dequeue so workers notice shutdown
// and keep their heartbeat fresh.
const pollWait = time.Second

// Handler executes one dequeued task.
type Handler func(ctx context.Context, task models.QueueTask) error

// Pool consumes one named queue with bounded concurrency. Each worker
// holds at most one leased task at a time (prefetch of one), which is what
// preserves FIFO under multi-worker concurrency.
type Pool struct {
	queueName   string
	queue       *queue.Queue
	handler     Handler
	concurrency int
	taskTimeout time.Duration
	metrics     *metrics.Metrics
	log         *slog.Logger

	heartbeat atomic.Int64
}

// Options configures a pool.
type Options struct {
	QueueName   string
	Queue       *queue.Queue
	Handler     Handler
	Concurrency int
	// TaskTimeout is the hard wall-clock ceiling per task; 0 disables it
	// (the handler then owns its own deadlines).
	TaskTimeout time.Duration
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

// NewPool creates a worker pool.
func NewPool(opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		queueName:   opts.QueueName,
		queue:       opts.Queue,
		handler:     opts.Handler,
		concurrency: opts.Concurrency,
		taskTimeout: opts.TaskTimeout,
		metrics:     opts.Metrics,
		log:         log.With("component", "worker", "queue", opts.QueueName),
	}
}

// Run consumes the queue until ctx is cancelled. It blocks; callers run it
// in a goroutine and wait on ctx.
func (p *Pool) Run(ctx context.Context) {
	p.beat()
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := p.log.With(slog.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		p.beat()

		d, err := p.queue.Dequeue(ctx, p.queueName, pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", slog.Any("error", err))
			time.Sleep(pollWait)
			continue
		}
		if d == nil {
			continue
		}

		p.execute(ctx, log, d)
	}
}

func (p *Pool) execute(ctx context.Context, log *slog.Logger, d *queue.Delivery) {
	taskCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.taskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.taskTimeout)
	}
	defer cancel()

	// The correlation id rides the context so everything the handler
	// touches logs under the same token.
	if d.Task.CorrelationID != "" {
		taskCtx = logging.WithCorrelationID(taskCtx, d.Task.CorrelationID)
	}
	log = logging.WithContext(taskCtx, log)

	start := time.Now()
	err := p.handler(taskCtx, d.Task)
	duration := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
		log.Error("task failed, leaving for redelivery",
			slog.String("task_id", d.Task.TaskID),
			slog.String("kind", string(d.Task.TaskKind)),
			slog.Any("error", err))
	} else {
		// Late ack: only a cleanly handled task leaves the queue.
		if ackErr := d.Ack(context.WithoutCancel(ctx)); ackErr != nil {
			log.Error("ack failed, task may be redelivered",
				slog.String("task_id", d.Task.TaskID),
				slog.Any("error", ackErr))
		}
	}
	if p.metrics != nil {
		p.metrics.ObserveTask(p.queueName, result, duration)
	}
	p.beat()
}

func (p *Pool) beat() {
	p.heartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat reports when any worker in the pool last made progress.
func (p *Pool) LastHeartbeat() time.Time {
	ns := p.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Alive reports whether the pool heartbeat is within the window.
func (p *Pool) Alive(window time.Duration) bool {
	last := p.LastHeartbeat()
	return !last.IsZero() && time.Since(last) <= window
}
