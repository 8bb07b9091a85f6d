package aio

import (
	"golang.org/x/sys/unix"
)

const eio = int(unix.EIO)

// maxIov caps one vectored iocb, matching the kernel's UIO_MAXIOV.
const maxIov = 1024

// merged is one kernel iocb covering one or more coalesced tiocbs.
// The iovec array references the member buffers and must stay reachable
// until the completion is reaped.
type merged struct {
	fd     int
	op     Op
	offset int64
	size   int64

	members []*Tiocb
	iov     []unix.Iovec
}

func (m *merged) extend(t *Tiocb) {
	m.members = append(m.members, t)
	m.size += int64(len(t.Buf))

	var v unix.Iovec
	v.Base = &t.Buf[0]
	v.SetLen(len(t.Buf))
	m.iov = append(m.iov, v)
}

// contiguous reports whether t directly follows m on the same fd with
// the same direction.
func (m *merged) contiguous(t *Tiocb) bool {
	return m.fd == t.Fd && m.op == t.Op && m.offset+m.size == t.Offset
}

// merge coalesces adjacent contiguous same-fd same-op tiocbs into
// vectored kernel iocbs. Requests are taken in arrival order; no
// reordering happens, so coalescing only catches runs the producer
// already issued sequentially.
func merge(tiocbs []*Tiocb) []*merged {
	var batch []*merged
	var cur *merged

	for _, t := range tiocbs {
		if cur != nil && cur.contiguous(t) && len(cur.iov) < maxIov {
			cur.extend(t)
			continue
		}
		cur = &merged{
			fd:     t.Fd,
			op:     t.Op,
			offset: t.Offset,
		}
		cur.extend(t)
		batch = append(batch, cur)
	}

	return batch
}
