// Package aio implements the asynchronous disk I/O submission queue
// sitting between the drivers and the kernel. Requests (tiocbs) are
// batched, coalesced and submitted through a pluggable backend; the
// preferred backend is io_uring, with a synchronous read/write fallback.
//
// Completion is scheduler-driven: the backend exposes a pollable fd
// that is registered on the event loop, so callbacks always run on the
// loop goroutine.
package aio

import (
	"fmt"

	"github.com/behrlich/go-tapdisk/internal/logging"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
)

// Op is the I/O direction of a tiocb.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Callback completes a tiocb. err is 0 or a negative errno.
type Callback func(t *Tiocb, err int)

// Tiocb is one asynchronous I/O request. It is owned by the queue from
// Queue() until its callback has run.
type Tiocb struct {
	Fd     int
	Op     Op
	Buf    []byte
	Offset int64

	cb  Callback
	Arg any
}

// Prep fills a tiocb in place.
func Prep(t *Tiocb, fd int, op Op, buf []byte, offset int64, cb Callback, arg any) {
	t.Fd = fd
	t.Op = op
	t.Buf = buf
	t.Offset = offset
	t.cb = cb
	t.Arg = arg
}

// PrepRead fills a read tiocb.
func PrepRead(t *Tiocb, fd int, buf []byte, offset int64, cb Callback, arg any) {
	Prep(t, fd, OpRead, buf, offset, cb, arg)
}

// PrepWrite fills a write tiocb.
func PrepWrite(t *Tiocb, fd int, buf []byte, offset int64, cb Callback, arg any) {
	Prep(t, fd, OpWrite, buf, offset, cb, arg)
}

// completion pairs a reaped merged iocb with its kernel result
// (bytes transferred, or a negative errno).
type completion struct {
	m   *merged
	res int64
}

// backend is the kernel submission interface. Implementations must be
// usable from the event-loop goroutine only.
type backend interface {
	name() string
	// submit hands merged iocbs to the kernel. Returns how many of
	// them were accepted; the rest have not been submitted.
	submit(batch []*merged) (int, error)
	// pollFd is readable when completions are waiting.
	pollFd() int
	// reap drains completions. Never blocks.
	reap() []completion
	// inflight returns the merged iocbs the kernel still owns and
	// forgets them, so late completions are dropped.
	inflight() []*merged
	close()
}

// Backend names accepted by NewQueue.
const (
	BackendURing = "uring"
	BackendSync  = "sync"
)

type queueStats struct {
	queued    uint64
	submitted uint64
	completed uint64
	deferred  uint64
	cancelled uint64
	merges    uint64
}

// Queue is the process-wide submission/completion queue.
type Queue struct {
	sched *scheduler.Scheduler
	size  int

	backend backend

	ready    []*Tiocb
	deferred []*Tiocb

	// iocbs in flight may be fewer than tiocbs in flight due to
	// coalescing.
	iocbsPending  int
	tiocbsPending int

	eventID scheduler.EventID
	stats   queueStats
	log     *logging.Logger
}

// NewQueue creates a queue of the given depth on the chosen backend
// and registers its completion fd on the scheduler. An empty backend
// name selects io_uring with a synchronous fallback.
func NewQueue(sched *scheduler.Scheduler, size int, name string) (*Queue, error) {
	if size <= 0 {
		return nil, fmt.Errorf("aio: bad queue size %d", size)
	}

	q := &Queue{
		sched: sched,
		size:  size,
		log:   logging.Default().With("aio"),
	}

	var err error
	switch name {
	case BackendURing:
		q.backend, err = newURingBackend(size)
	case BackendSync:
		q.backend, err = newSyncBackend(size)
	case "":
		q.backend, err = newURingBackend(size)
		if err != nil {
			q.log.Warn("io_uring unavailable, using sync backend", "error", err)
			q.backend, err = newSyncBackend(size)
		}
	default:
		return nil, fmt.Errorf("aio: unknown backend %q", name)
	}
	if err != nil {
		return nil, err
	}

	q.eventID, err = sched.RegisterEvent(scheduler.PollReadFD, q.backend.pollFd(), 0,
		func(scheduler.EventID, scheduler.Mode) { q.Complete() })
	if err != nil {
		q.backend.close()
		return nil, err
	}

	q.log.Info("opened queue", "size", size, "backend", q.backend.name())
	return q, nil
}

// Free tears the queue down. Outstanding requests must have been
// cancelled or completed.
func (q *Queue) Free() {
	q.sched.UnregisterEvent(q.eventID)
	q.backend.close()
}

// Pending returns the number of tiocbs handed to the kernel.
func (q *Queue) Pending() int {
	return q.tiocbsPending
}

func (q *Queue) full() bool {
	return q.tiocbsPending+len(q.ready) >= q.size
}

// Queue adds a prepared tiocb: to the ready list if there is room,
// else to the deferred FIFO.
func (q *Queue) Queue(t *Tiocb) {
	if t.cb == nil {
		panic("aio: tiocb without callback")
	}

	q.stats.queued++
	if q.full() {
		q.stats.deferred++
		q.deferred = append(q.deferred, t)
		return
	}
	q.ready = append(q.ready, t)
}

// Submit coalesces and submits the ready list. Returns the number of
// tiocbs submitted. Merged iocbs the kernel refuses are split back out
// and failed with -EIO.
func (q *Queue) Submit() int {
	if len(q.ready) == 0 {
		return 0
	}

	batch := merge(q.ready)
	q.stats.merges += uint64(len(q.ready) - len(batch))
	q.ready = q.ready[:0]

	submitted, err := q.backend.submit(batch)
	if err != nil {
		q.log.Error("partial submit", "submitted", submitted, "of", len(batch), "error", err)
	}

	n := 0
	for i, m := range batch {
		if i < submitted {
			n += len(m.members)
			q.iocbsPending++
			q.tiocbsPending += len(m.members)
			continue
		}
		// Not accepted by the kernel: fail the members.
		for _, t := range m.members {
			q.complete(t, -eio)
		}
	}

	q.stats.submitted += uint64(n)
	return n
}

// SubmitAll loops until the ready list is drained. Failure callbacks
// may queue new tiocbs; forward progress is guaranteed because every
// pass either submits or fails what it pulled off the list.
func (q *Queue) SubmitAll() {
	for len(q.ready) > 0 {
		q.Submit()
	}
}

// Complete reaps and completes finished I/O, then refills the ready
// list from the deferred FIFO and resubmits.
func (q *Queue) Complete() {
	for _, c := range q.backend.reap() {
		q.completeMerged(c.m, c.res)
	}

	for len(q.deferred) > 0 && !q.full() {
		t := q.deferred[0]
		q.deferred = q.deferred[1:]
		q.ready = append(q.ready, t)
	}

	if len(q.ready) > 0 {
		q.SubmitAll()
	}
}

// completeMerged splits a merged completion back into its member
// tiocbs. res covers the members in submission order; a member not
// fully covered fails with -EIO (short transfers are errors).
func (q *Queue) completeMerged(m *merged, res int64) {
	q.iocbsPending--
	q.tiocbsPending -= len(m.members)

	for _, t := range m.members {
		err := 0
		switch {
		case res < 0:
			err = int(res)
		case res < int64(len(t.Buf)):
			err = -eio
			res = 0
		default:
			res -= int64(len(t.Buf))
		}
		q.complete(t, err)
	}
}

func (q *Queue) complete(t *Tiocb, err int) {
	q.stats.completed++
	t.cb(t, err)
}

// CancelAll fails every queued, deferred and in-flight tiocb with
// -EIO. Callbacks may queue new tiocbs; the loop terminates because
// each pass strictly reduces what was outstanding when it started.
// Returns the number of cancelled tiocbs.
func (q *Queue) CancelAll() int {
	cancelled := 0

	for q.tiocbsPending > 0 || len(q.ready) > 0 || len(q.deferred) > 0 {
		ready := q.ready
		deferred := q.deferred
		q.ready = nil
		q.deferred = nil

		for _, m := range q.backend.inflight() {
			q.iocbsPending--
			q.tiocbsPending -= len(m.members)
			for _, t := range m.members {
				cancelled++
				q.complete(t, -eio)
			}
		}

		for _, t := range ready {
			cancelled++
			q.complete(t, -eio)
		}
		for _, t := range deferred {
			cancelled++
			q.complete(t, -eio)
		}
	}

	q.stats.cancelled += uint64(cancelled)
	return cancelled
}

// Debug logs queue counters.
func (q *Queue) Debug() {
	q.log.Info("queue state",
		"size", q.size,
		"backend", q.backend.name(),
		"ready", len(q.ready),
		"deferred", len(q.deferred),
		"iocbs_pending", q.iocbsPending,
		"tiocbs_pending", q.tiocbsPending,
		"queued", q.stats.queued,
		"submitted", q.stats.submitted,
		"completed", q.stats.completed,
		"merges", q.stats.merges,
		"cancelled", q.stats.cancelled)
}
