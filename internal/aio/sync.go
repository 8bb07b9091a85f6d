package aio

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// syncBackend performs the I/O synchronously at submit time and
// reports completion through a self-pipe, so callbacks still run from
// the scheduler like the io_uring path. It is the fallback when
// io_uring is unavailable.
type syncBackend struct {
	rfd, wfd  int
	completed []completion
}

func newSyncBackend(size int) (backend, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("aio: pipe: %w", err)
	}
	return &syncBackend{rfd: fds[0], wfd: fds[1]}, nil
}

func (b *syncBackend) name() string { return BackendSync }

func (b *syncBackend) pollFd() int { return b.rfd }

func (b *syncBackend) submit(batch []*merged) (int, error) {
	for _, m := range batch {
		var n int
		var err error
		switch m.op {
		case OpRead:
			n, err = unix.Preadv(m.fd, bufs(m), m.offset)
		case OpWrite:
			n, err = unix.Pwritev(m.fd, bufs(m), m.offset)
		}

		res := int64(n)
		if err != nil {
			if errno, ok := err.(syscall.Errno); ok {
				res = -int64(errno)
			} else {
				res = -int64(unix.EIO)
			}
		}
		b.completed = append(b.completed, completion{m: m, res: res})
	}

	unix.Write(b.wfd, []byte{0})
	return len(batch), nil
}

func bufs(m *merged) [][]byte {
	out := make([][]byte, len(m.members))
	for i, t := range m.members {
		out[i] = t.Buf
	}
	return out
}

func (b *syncBackend) reap() []completion {
	var tok [64]byte
	unix.Read(b.rfd, tok[:])

	out := b.completed
	b.completed = nil
	return out
}

func (b *syncBackend) inflight() []*merged {
	// Synchronous I/O never leaves anything with the kernel, but
	// unreaped completions count as in flight for cancellation.
	out := make([]*merged, len(b.completed))
	for i, c := range b.completed {
		out[i] = c.m
	}
	b.completed = nil
	return out
}

func (b *syncBackend) close() {
	unix.Close(b.rfd)
	unix.Close(b.wfd)
}
