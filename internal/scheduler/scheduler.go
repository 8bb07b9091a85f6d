// Package scheduler implements the single-threaded cooperative event
// loop driving all tapdisk I/O. Events are fd-readable/writable/except
// conditions and periodic timeouts multiplexed over one select call.
package scheduler

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tapdisk/internal/logging"
)

// Mode is the event condition bitmask.
type Mode uint8

const (
	PollReadFD Mode = 1 << iota
	PollWriteFD
	PollExceptFD
	PollTimeout
)

// EventID identifies a registered event. IDs are positive.
type EventID int

// Callback is invoked with the modes that fired.
type Callback func(id EventID, mode Mode)

// Timeout sentinels. TimeoutInf disables firing, TimeoutZero fires on
// every pass.
const (
	TimeoutInf  = time.Duration(-1)
	TimeoutZero = time.Duration(0)
)

var (
	// ErrNoEvents is returned when a wait would block forever.
	ErrNoEvents = errors.New("scheduler: no events registered")

	errNotFound = errors.New("scheduler: no such event")
)

type event struct {
	id       EventID
	mode     Mode
	fd       int
	timeout  time.Duration
	deadline time.Time // zero when timeout is TimeoutInf
	cb       Callback
	masked   bool
	dead     bool
}

// Scheduler is not safe for concurrent use; everything runs on the
// event-loop goroutine.
type Scheduler struct {
	events     []*event
	uuid       EventID
	maxTimeout time.Duration
	depth      int
	log        *logging.Logger
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		uuid:       1,
		maxTimeout: TimeoutInf,
		log:        logging.Default().With("scheduler"),
	}
}

func (s *Scheduler) nextID() EventID {
	for {
		id := s.uuid
		s.uuid++
		if s.uuid <= 0 {
			s.uuid = 1
		}
		if s.find(id) == nil {
			return id
		}
	}
}

func (s *Scheduler) find(id EventID) *event {
	for _, e := range s.events {
		if e.id == id && !e.dead {
			return e
		}
	}
	return nil
}

// RegisterEvent adds an event. fd is -1 for pure timeouts. The timeout
// is periodic: after firing it is re-armed from the same interval.
func (s *Scheduler) RegisterEvent(mode Mode, fd int, timeout time.Duration, cb Callback) (EventID, error) {
	if cb == nil {
		return 0, errors.New("scheduler: nil callback")
	}
	if mode&(PollReadFD|PollWriteFD|PollExceptFD) != 0 && fd < 0 {
		return 0, errors.New("scheduler: fd event without fd")
	}

	e := &event{
		id:      s.nextID(),
		mode:    mode,
		fd:      fd,
		timeout: timeout,
		cb:      cb,
	}
	if mode&PollTimeout != 0 && timeout != TimeoutInf {
		e.deadline = time.Now().Add(timeout)
	}

	s.events = append(s.events, e)
	return e.id, nil
}

// UnregisterEvent cancels an event. Cancelling an event that has fired
// but not yet been dispatched suppresses the dispatch.
func (s *Scheduler) UnregisterEvent(id EventID) {
	if e := s.find(id); e != nil {
		e.dead = true
	}
}

// MaskEvent disables (or re-enables) delivery without losing the
// registration.
func (s *Scheduler) MaskEvent(id EventID, masked bool) {
	if e := s.find(id); e != nil {
		e.masked = masked
	}
}

// SetTimeout updates an event's timeout. TimeoutInf disables firing,
// TimeoutZero fires on the next pass.
func (s *Scheduler) SetTimeout(id EventID, timeout time.Duration) error {
	e := s.find(id)
	if e == nil {
		return errNotFound
	}
	if e.mode&PollTimeout == 0 {
		return errors.New("scheduler: event has no timeout mode")
	}

	e.timeout = timeout
	if timeout == TimeoutInf {
		e.deadline = time.Time{}
	} else {
		e.deadline = time.Now().Add(timeout)
	}
	return nil
}

// SetMaxTimeout caps how long the next wait may block. The cap is
// consumed by the wait; callers reassert it each loop iteration.
func (s *Scheduler) SetMaxTimeout(d time.Duration) {
	if d < 0 {
		return
	}
	if s.maxTimeout == TimeoutInf || d < s.maxTimeout {
		s.maxTimeout = d
	}
}

func (s *Scheduler) gc() {
	live := s.events[:0]
	for _, e := range s.events {
		if !e.dead {
			live = append(live, e)
		}
	}
	s.events = live
}

// prepare builds the fd sets and computes the select timeout.
func (s *Scheduler) prepare(rset, wset, eset *unix.FdSet) (maxFD int, tv *unix.Timeval, err error) {
	maxFD = -1
	var nearest time.Time

	for _, e := range s.events {
		if e.dead || e.masked {
			continue
		}
		if e.mode&PollReadFD != 0 {
			rset.Set(e.fd)
		}
		if e.mode&PollWriteFD != 0 {
			wset.Set(e.fd)
		}
		if e.mode&PollExceptFD != 0 {
			eset.Set(e.fd)
		}
		if e.mode&(PollReadFD|PollWriteFD|PollExceptFD) != 0 && e.fd > maxFD {
			maxFD = e.fd
		}
		if e.mode&PollTimeout != 0 && !e.deadline.IsZero() {
			if nearest.IsZero() || e.deadline.Before(nearest) {
				nearest = e.deadline
			}
		}
	}

	wait := time.Duration(-1)
	if !nearest.IsZero() {
		wait = time.Until(nearest)
		if wait < 0 {
			wait = 0
		}
	}
	if s.maxTimeout != TimeoutInf && (wait < 0 || s.maxTimeout < wait) {
		wait = s.maxTimeout
	}

	if maxFD < 0 && wait < 0 {
		return -1, nil, ErrNoEvents
	}
	if wait >= 0 {
		t := unix.NsecToTimeval(wait.Nanoseconds())
		tv = &t
	}
	return maxFD, tv, nil
}

// WaitForEvents blocks until an fd fires or the soonest timeout
// elapses, then dispatches callbacks in registration order. Returns the
// number of dispatched events. Re-entry from a callback is a bug and
// panics.
func (s *Scheduler) WaitForEvents() (int, error) {
	s.depth++
	defer func() { s.depth-- }()
	if s.depth > 1 {
		panic("scheduler: wait_for_events re-entered from a callback")
	}

	var rset, wset, eset unix.FdSet
	maxFD, tv, err := s.prepare(&rset, &wset, &eset)
	if err != nil {
		return 0, err
	}

	s.maxTimeout = TimeoutInf

	if _, err := unix.Select(maxFD+1, &rset, &wset, &eset, tv); err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	now := time.Now()
	dispatched := 0

	// Snapshot: callbacks may register events; those must not fire
	// this pass.
	pending := make([]*event, len(s.events))
	copy(pending, s.events)

	for _, e := range pending {
		if e.dead || e.masked {
			continue
		}

		var fired Mode
		if e.mode&PollReadFD != 0 && rset.IsSet(e.fd) {
			fired |= PollReadFD
		}
		if e.mode&PollWriteFD != 0 && wset.IsSet(e.fd) {
			fired |= PollWriteFD
		}
		if e.mode&PollExceptFD != 0 && eset.IsSet(e.fd) {
			fired |= PollExceptFD
		}
		if e.mode&PollTimeout != 0 && !e.deadline.IsZero() && !now.Before(e.deadline) {
			fired |= PollTimeout
			if e.timeout == TimeoutInf {
				e.deadline = time.Time{}
			} else {
				e.deadline = now.Add(e.timeout)
			}
		}

		if fired == 0 {
			continue
		}

		dispatched++
		e.cb(e.id, fired)
	}

	s.gc()
	return dispatched, nil
}
