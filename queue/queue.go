// Package queue schedules block requests onto NAND devices. Requests are
// spread over a fixed number of hardware contexts, each drained by its own
// goroutine; a request that finds its device busy is requeued after a
// backoff delay until it completes or its context ends.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/nandblk/nand"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/retry.v1"
)

// Config configures a Queue.
type Config struct {

	// HWQueues is the number of hardware contexts.
	// If HWQueues is 0, 4 are used.
	HWQueues int

	// Depth is the number of requests that may be in flight at once,
	// across all hardware contexts. If Depth is 0, 64 is used.
	Depth int

	// Timeout is how long a request may be in flight before the device's
	// timeout hook is consulted. If Timeout is 0, 30s is used.
	Timeout time.Duration

	// Backoff paces requeues of busy requests. When it is exhausted it
	// starts over; a busy device never fails a request. If Backoff is
	// nil, an exponential backoff capped at 10ms between attempts is
	// used.
	Backoff retry.Strategy
}

// Dispatcher is the device side of the queue. It is implemented by
// *nand.Device.
type Dispatcher interface {
	Dispatch(req *nand.Request) nand.Result
	Timeout(req *nand.Request) nand.TimeoutAction
}

// Queue is a multi-queue request scheduler.
type Queue struct {
	cfg  Config
	tags *semaphore.Weighted
	hw   []chan *job
	next atomic.Uint32

	running atomic.Bool
	stopped chan struct{}

	dispatched atomic.Uint64
	requeued   atomic.Uint64
	timeouts   atomic.Uint64
}

// Stats counts queue events since the queue was created.
type Stats struct {
	Dispatched uint64
	Requeued   uint64
	Timeouts   uint64
}

var (
	ErrConfig  = errors.New("queue: invalid config")
	ErrStopped = errors.New("queue: stopped")
	ErrTimeout = errors.New("queue: request timed out")
)

// job is one submitted request.
type job struct {
	ctx context.Context
	dev Dispatcher
	req *nand.Request

	attempt *retry.Attempt

	mu    sync.Mutex // guards timer
	timer *time.Timer

	once     sync.Once
	finished atomic.Bool
	done     chan nand.Result
}

var defaultBackoff = retry.Exponential{
	Initial:  100 * time.Microsecond,
	Factor:   2,
	MaxDelay: 10 * time.Millisecond,
}

// minBusyDelay paces requeues when Backoff allows no retries at all.
const minBusyDelay = time.Millisecond

// New creates a queue. Requests are accepted immediately but aren't
// dispatched until Run is called.
func New(cfg Config) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	q := &Queue{
		cfg:     cfg,
		tags:    semaphore.NewWeighted(int64(cfg.Depth)),
		hw:      make([]chan *job, cfg.HWQueues),
		stopped: make(chan struct{}),
	}

	for i := range q.hw {
		q.hw[i] = make(chan *job, cfg.Depth)
	}

	return q, nil
}

// Run drains the hardware contexts until ctx is done. It may only be
// called once; after it returns, Submit fails with ErrStopped.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return fmt.Errorf("queue: already running")
	}

	defer close(q.stopped)

	g, ctx := errgroup.WithContext(ctx)
	for i := range q.hw {
		hctx := i
		g.Go(func() error {
			return q.drain(ctx, hctx)
		})
	}

	return g.Wait()
}

// Submit queues a request for dev and waits for its result. It blocks
// while the queue is full. A request whose device stays busy is retried
// until it completes, its timeout hook fails it, or ctx ends.
func (q *Queue) Submit(ctx context.Context, dev Dispatcher, req *nand.Request) nand.Result {
	if err := q.tags.Acquire(ctx, 1); err != nil {
		return nand.Result{Status: nand.Failed, Err: err}
	}

	defer q.tags.Release(1)

	j := &job{
		ctx:  ctx,
		dev:  dev,
		req:  req,
		done: make(chan nand.Result, 1),
	}

	j.mu.Lock()
	j.timer = time.AfterFunc(q.cfg.Timeout, func() {
		q.timeout(j)
	})
	j.mu.Unlock()

	defer func() {
		j.finished.Store(true)

		j.mu.Lock()
		j.timer.Stop()
		j.mu.Unlock()
	}()

	hctx := int(q.next.Add(1)-1) % len(q.hw)

	select {
	case q.hw[hctx] <- j:
	case <-q.stopped:
		return nand.Result{Status: nand.Failed, Err: ErrStopped}
	case <-ctx.Done():
		return nand.Result{Status: nand.Failed, Err: ctx.Err()}
	}

	select {
	case res := <-j.done:
		return res
	case <-q.stopped:
		return nand.Result{Status: nand.Failed, Err: ErrStopped}
	case <-ctx.Done():
		return nand.Result{Status: nand.Failed, Err: ctx.Err()}
	}
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Dispatched: q.dispatched.Load(),
		Requeued:   q.requeued.Load(),
		Timeouts:   q.timeouts.Load(),
	}
}

func (q *Queue) drain(ctx context.Context, hctx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case j := <-q.hw[hctx]:
			q.dispatch(hctx, j)
		}
	}
}

func (q *Queue) dispatch(hctx int, j *job) {
	if err := j.ctx.Err(); err != nil {
		j.finish(nand.Result{Status: nand.Failed, Err: err})
		return
	}

	q.dispatched.Add(1)

	res := j.dev.Dispatch(j.req)
	if res.Status != nand.Busy {
		j.finish(res)
		return
	}

	q.requeued.Add(1)
	go q.requeue(hctx, j)
}

// requeue waits out the next backoff delay and puts j back on its
// hardware context.
func (q *Queue) requeue(hctx int, j *job) {
	q.wait(hctx, j)

	select {
	case q.hw[hctx] <- j:
	case <-q.stopped:
		j.finish(nand.Result{Status: nand.Failed, Err: ErrStopped})
	case <-j.ctx.Done():
		j.finish(nand.Result{Status: nand.Failed, Err: j.ctx.Err()})
	}
}

// wait sleeps for j's next backoff delay, starting a new round of the
// strategy when the current one is exhausted.
func (q *Queue) wait(hctx int, j *job) {
	if j.attempt != nil && j.attempt.Next() {
		return
	}

	if j.attempt != nil {
		slog.Debug("queue: device still busy, restarting backoff", "hctx", hctx, "op", j.req.Op, "sector", j.req.Sector)
	}

	// the first Next of an attempt returns without waiting
	j.attempt = retry.Start(q.cfg.Backoff, nil)
	j.attempt.Next()

	if !j.attempt.Next() {
		time.Sleep(minBusyDelay)
	}
}

func (q *Queue) timeout(j *job) {
	if j.finished.Load() {
		return
	}

	q.timeouts.Add(1)

	switch j.dev.Timeout(j.req) {
	case nand.ResetTimer:
		j.mu.Lock()
		if !j.finished.Load() {
			j.timer.Reset(q.cfg.Timeout)
		}
		j.mu.Unlock()

	case nand.FailRequest:
		slog.Error("queue: request timed out", "op", j.req.Op, "sector", j.req.Sector)
		j.finish(nand.Result{Status: nand.Failed, Err: ErrTimeout})
	}
}

// finish delivers the first result for j; later ones are dropped.
func (j *job) finish(res nand.Result) {
	j.once.Do(func() {
		j.finished.Store(true)
		j.done <- res
	})
}

func (cfg Config) validate() error {
	if cfg.HWQueues < 1 {
		return fmt.Errorf("hardware queue count %d < 1", cfg.HWQueues)
	}

	if cfg.Depth < 1 {
		return fmt.Errorf("queue depth %d < 1", cfg.Depth)
	}

	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout %v <= 0", cfg.Timeout)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.HWQueues == 0 {
		cfg.HWQueues = 4
	}

	if cfg.Depth == 0 {
		cfg.Depth = 64
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff
	}

	return cfg
}
