package taskqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	logx "ponybot/pkg/logx"
)

type entry[H any] struct {
	id         uuid.UUID
	task       Task[H]
	enqueuedAt time.Time
}

// Queue is an interval-gated FIFO of tasks executed against host.
//
// Append is safe for concurrent use. Process drains on the calling
// goroutine; a call made while another drain is running returns immediately.
type Queue[H Host] struct {
	name     string
	host     H
	interval time.Duration
	failFast bool
	now      func() time.Time
	log      logx.Logger

	mu        sync.Mutex
	q         *deque.Deque[entry[H]]
	lastRunAt time.Time

	// runMu is held for the whole drain.
	runMu    sync.Mutex
	draining atomic.Bool

	drains   atomic.Uint64
	executed atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

type options struct {
	name     string
	failFast bool
	now      func() time.Time
	log      logx.Logger
}

type Option func(*options)

// WithName labels the queue in logs, errors and snapshots.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithFailFast makes Process return the first task failure and drop the
// rest of that drain.
func WithFailFast(enabled bool) Option { return func(o *options) { o.failFast = enabled } }

// WithClock replaces time.Now. Tests use it to step time manually.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// New creates a queue. The first drain can happen no sooner than one full
// interval after construction.
func New[H Host](host H, interval time.Duration, opts ...Option) (*Queue[H], error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return &Queue[H]{
		name:      o.name,
		host:      host,
		interval:  interval,
		failFast:  o.failFast,
		now:       o.now,
		log:       o.log,
		q:         deque.New[entry[H]](),
		lastRunAt: o.now(),
	}, nil
}

func (q *Queue[H]) Name() string            { return q.name }
func (q *Queue[H]) Interval() time.Duration { return q.interval }
func (q *Queue[H]) FailFast() bool          { return q.failFast }

// Append pushes task to the tail of the queue. A nil task is kept and
// reported as a failed task with ErrNilTask when its drain reaches it.
func (q *Queue[H]) Append(task Task[H]) {
	e := entry[H]{id: uuid.New(), task: task, enqueuedAt: q.now()}
	q.mu.Lock()
	q.q.PushBack(e)
	q.mu.Unlock()
}

// Len returns the number of queued tasks.
func (q *Queue[H]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.q.Len()
}

// LastRunAt returns the end time of the last completed drain
// (construction time before the first one).
func (q *Queue[H]) LastRunAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastRunAt
}

// Process drains the queue if more than one interval has elapsed since the
// last completed drain. Otherwise it is a no-op.
//
// It returns a non-nil *TaskError only in fail-fast mode.
func (q *Queue[H]) Process(ctx context.Context) error {
	if !q.runMu.TryLock() {
		q.log.Debug("drain already running; tick skipped", logx.String("queue", q.name))
		return nil
	}
	defer q.runMu.Unlock()

	q.mu.Lock()
	if q.now().Sub(q.lastRunAt) <= q.interval {
		q.mu.Unlock()
		return nil
	}
	// Only the tasks queued right now belong to this drain; later appends wait.
	n := q.q.Len()
	q.mu.Unlock()

	q.draining.Store(true)
	defer q.draining.Store(false)

	start := q.now()
	for i := 0; i < n; i++ {
		q.mu.Lock()
		e := q.q.PopFront()
		q.mu.Unlock()

		terr := q.execute(ctx, e)
		q.executed.Add(1)
		if terr == nil {
			continue
		}
		q.failed.Add(1)
		q.host.ReportTaskError(terr)
		if q.failFast {
			if rest := n - i - 1; rest > 0 {
				q.mu.Lock()
				for j := 0; j < rest; j++ {
					q.q.PopFront()
				}
				q.mu.Unlock()
				q.dropped.Add(uint64(rest))
				q.log.Warn("fail-fast: drain aborted",
					logx.String("queue", q.name),
					logx.String("task", terr.Task),
					logx.Int("dropped", rest),
				)
			}
			return terr
		}
	}

	end := q.now()
	q.mu.Lock()
	q.lastRunAt = end
	q.mu.Unlock()
	q.drains.Add(1)

	if n > 0 {
		q.log.Debug("drain finished",
			logx.String("queue", q.name),
			logx.Int("tasks", n),
			logx.Duration("took", end.Sub(start)),
		)
	}
	return nil
}

func (q *Queue[H]) execute(ctx context.Context, e entry[H]) (terr *TaskError) {
	defer func() {
		if r := recover(); r != nil {
			terr = q.taskError(e, fmt.Errorf("panic: %v", r))
			terr.Stack = string(debug.Stack())
		}
	}()
	if e.task == nil {
		return q.taskError(e, ErrNilTask)
	}
	if err := e.task.Execute(ctx, q.host); err != nil {
		return q.taskError(e, err)
	}
	return nil
}

func (q *Queue[H]) taskError(e entry[H], err error) *TaskError {
	return &TaskError{
		Queue:      q.name,
		Task:       TaskName(e.task),
		EntryID:    e.id,
		EnqueuedAt: e.enqueuedAt,
		Err:        err,
	}
}

// Run calls Process every poll until ctx is done. poll <= 0 picks a cadence
// derived from the interval. It returns the first fail-fast error, if any.
func (q *Queue[H]) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultPoll(q.interval)
	}
	q.log.Info("queue started",
		logx.String("queue", q.name),
		logx.Duration("interval", q.interval),
		logx.Duration("poll", poll),
		logx.Bool("fail_fast", q.failFast),
	)

	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			q.log.Info("queue stopped", logx.String("queue", q.name), logx.Int("pending", q.Len()))
			return nil
		case <-t.C:
			if err := q.Process(ctx); err != nil {
				return err
			}
		}
	}
}

// DefaultPoll returns a polling cadence a few times faster than interval,
// bounded to [10ms, 1s].
func DefaultPoll(interval time.Duration) time.Duration {
	p := interval / 4
	if p < 10*time.Millisecond {
		p = 10 * time.Millisecond
	}
	if p > time.Second {
		p = time.Second
	}
	return p
}

// Snapshot returns counters and state for diagnostics.
func (q *Queue[H]) Snapshot() Snapshot {
	q.mu.Lock()
	n := q.q.Len()
	last := q.lastRunAt
	q.mu.Unlock()
	return Snapshot{
		Name:      q.name,
		Interval:  q.interval,
		FailFast:  q.failFast,
		Len:       n,
		LastRunAt: last,
		Draining:  q.draining.Load(),
		Drains:    q.drains.Load(),
		Executed:  q.executed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}
