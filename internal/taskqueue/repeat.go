package taskqueue

import "context"

type repeatTask[H Host] struct {
	q    *Queue[H]
	task Task[H]
}

// Repeat wraps task so that every execution appends the wrapper back to q,
// whether the inner task succeeded, failed or panicked. The re-appended
// copy runs in the next drain, never the current one.
func Repeat[H Host](q *Queue[H], task Task[H]) Task[H] {
	return &repeatTask[H]{q: q, task: task}
}

func (r *repeatTask[H]) Execute(ctx context.Context, host H) error {
	defer r.q.Append(r)
	return r.task.Execute(ctx, host)
}

func (r *repeatTask[H]) String() string { return TaskName(r.task) }
