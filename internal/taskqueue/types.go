package taskqueue

import (
	"context"
	"fmt"
	"time"
)

// Host is the shared object every task runs against.
// The queue only needs somewhere to report task failures.
type Host interface {
	ReportTaskError(err *TaskError)
}

// Task is a unit of deferred work.
//
// Tasks should implement fmt.Stringer so failures are reported with a
// readable name; otherwise the dynamic type name is used.
type Task[H any] interface {
	Execute(ctx context.Context, host H) error
}

// TaskFunc adapts a plain function to Task.
type TaskFunc[H any] func(ctx context.Context, host H) error

func (f TaskFunc[H]) Execute(ctx context.Context, host H) error { return f(ctx, host) }

type namedFunc[H any] struct {
	name string
	fn   TaskFunc[H]
}

func (t namedFunc[H]) Execute(ctx context.Context, host H) error { return t.fn(ctx, host) }
func (t namedFunc[H]) String() string                            { return t.name }

// Func returns a named task backed by fn.
func Func[H any](name string, fn func(ctx context.Context, host H) error) Task[H] {
	return namedFunc[H]{name: name, fn: fn}
}

// TaskName returns the display name used in logs and TaskError.
func TaskName(task any) string {
	if task == nil {
		return "<nil>"
	}
	if s, ok := task.(fmt.Stringer); ok {
		if n := s.String(); n != "" {
			return n
		}
	}
	return fmt.Sprintf("%T", task)
}

// Snapshot is a point-in-time view of a queue for diagnostics.
type Snapshot struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	FailFast  bool          `json:"fail_fast"`
	Len       int           `json:"len"`
	LastRunAt time.Time     `json:"last_run_at"`
	Draining  bool          `json:"draining"`

	Drains   uint64 `json:"drains"`
	Executed uint64 `json:"executed"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}
