package aio

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tapdisk/internal/logging"
)

const reapBatch = 128

// uringBackend submits merged iocbs through io_uring. Completion
// readiness is signalled on an eventfd registered with the ring, which
// the queue plugs into the scheduler.
type uringBackend struct {
	ring *giouring.Ring
	efd  int

	token   uint64
	pending map[uint64]*merged

	log *logging.Logger
}

func newURingBackend(size int) (backend, error) {
	ring, err := giouring.CreateRing(uint32(size))
	if err != nil {
		return nil, fmt.Errorf("aio: io_uring setup: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		ring.QueueExit()
		return nil, fmt.Errorf("aio: eventfd: %w", err)
	}

	if _, err := ring.RegisterEventFd(efd); err != nil {
		unix.Close(efd)
		ring.QueueExit()
		return nil, fmt.Errorf("aio: register eventfd: %w", err)
	}

	return &uringBackend{
		ring:    ring,
		efd:     efd,
		pending: make(map[uint64]*merged),
		log:     logging.Default().With("aio-uring"),
	}, nil
}

func (b *uringBackend) name() string { return BackendURing }

func (b *uringBackend) pollFd() int { return b.efd }

func (b *uringBackend) submit(batch []*merged) (int, error) {
	prepared := 0
	for _, m := range batch {
		sqe := b.ring.GetSQE()
		if sqe == nil {
			// SQ full: push what we have and retry once.
			if _, err := b.ring.Submit(); err != nil {
				return prepared, err
			}
			sqe = b.ring.GetSQE()
			if sqe == nil {
				break
			}
		}

		b.token++
		iov := uintptr(unsafe.Pointer(&m.iov[0]))
		switch m.op {
		case OpRead:
			sqe.PrepareReadv(m.fd, iov, uint32(len(m.iov)), uint64(m.offset))
		case OpWrite:
			sqe.PrepareWritev(m.fd, iov, uint32(len(m.iov)), uint64(m.offset))
		}
		sqe.UserData = b.token
		b.pending[b.token] = m
		prepared++
	}

	if prepared == 0 {
		return 0, nil
	}
	if _, err := b.ring.Submit(); err != nil {
		// Submission state is unknown for the prepared SQEs; report
		// none accepted and forget them.
		for i := 0; i < prepared; i++ {
			delete(b.pending, b.token-uint64(i))
		}
		return 0, err
	}
	return prepared, nil
}

func (b *uringBackend) reap() []completion {
	// Clear the eventfd counter before reaping so a completion
	// arriving after PeekBatchCQE re-arms the notification.
	var counter [8]byte
	unix.Read(b.efd, counter[:])

	var out []completion
	var cqes [reapBatch]*giouring.CompletionQueueEvent
	for {
		n := b.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:n] {
			m, ok := b.pending[cqe.UserData]
			if !ok {
				// Cancelled while in flight.
				continue
			}
			delete(b.pending, cqe.UserData)
			out = append(out, completion{m: m, res: int64(cqe.Res)})
		}
		b.ring.CQAdvance(n)
		if n < uint32(len(cqes)) {
			return out
		}
	}
}

func (b *uringBackend) inflight() []*merged {
	out := make([]*merged, 0, len(b.pending))
	for _, m := range b.pending {
		out = append(out, m)
	}
	b.pending = make(map[uint64]*merged)
	return out
}

func (b *uringBackend) close() {
	b.ring.QueueExit()
	unix.Close(b.efd)
}
