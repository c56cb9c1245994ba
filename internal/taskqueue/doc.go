// Package taskqueue implements an interval-gated FIFO of deferred tasks.
//
// A Queue drains at most once per interval. A drain executes exactly the
// tasks that were queued when it started, in order, against a shared host.
// Tasks appended while a drain is running (including tasks that re-append
// themselves) wait for the next drain.
//
// Failures are isolated per task: the failure is reported to the host and
// the drain moves on. With WithFailFast(true) the first failure is reported,
// returned from Process, and the remaining tasks of that drain are dropped.
//
// The queue owns no timer. Call Process (or Run) more often than the interval.
package taskqueue
