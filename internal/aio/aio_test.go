package aio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tapdisk/internal/scheduler"
)

func tempFile(t *testing.T, size int64) int {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	fd := int(f.Fd())
	t.Cleanup(func() { f.Close() })
	return fd
}

func newTestQueue(t *testing.T, size int) (*scheduler.Scheduler, *Queue) {
	t.Helper()
	sched := scheduler.New()
	q, err := NewQueue(sched, size, BackendSync)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	t.Cleanup(q.Free)
	return sched, q
}

func TestMergeAdjacent(t *testing.T) {
	mk := func(fd int, op Op, off int64, n int) *Tiocb {
		t := &Tiocb{}
		Prep(t, fd, op, make([]byte, n), off, func(*Tiocb, int) {}, nil)
		return t
	}

	batch := merge([]*Tiocb{
		mk(3, OpWrite, 0, 4096),
		mk(3, OpWrite, 4096, 4096),
		mk(3, OpWrite, 8192, 512),
		mk(3, OpRead, 8704, 512),  // direction change breaks the run
		mk(4, OpRead, 9216, 512),  // fd change breaks the run
		mk(3, OpWrite, 100, 512),  // discontiguous
	})

	if len(batch) != 4 {
		t.Fatalf("merged into %d iocbs, want 4", len(batch))
	}
	if len(batch[0].members) != 3 || batch[0].size != 8704 {
		t.Errorf("first run: %d members size %d, want 3 members size 8704",
			len(batch[0].members), batch[0].size)
	}
	if len(batch[0].iov) != 3 {
		t.Errorf("first run iov = %d, want 3", len(batch[0].iov))
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	sched, q := newTestQueue(t, 8)
	fd := tempFile(t, 1<<20)

	pattern := bytes.Repeat([]byte{0xAB}, 4096)
	done := 0

	var wr Tiocb
	PrepWrite(&wr, fd, append([]byte(nil), pattern...), 0, func(_ *Tiocb, err int) {
		if err != 0 {
			t.Errorf("write err = %d", err)
		}
		done++
	}, nil)
	q.Queue(&wr)
	q.SubmitAll()

	if _, err := sched.WaitForEvents(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done != 1 {
		t.Fatalf("write not completed")
	}

	rbuf := make([]byte, 4096)
	var rd Tiocb
	PrepRead(&rd, fd, rbuf, 0, func(_ *Tiocb, err int) {
		if err != 0 {
			t.Errorf("read err = %d", err)
		}
		done++
	}, nil)
	q.Queue(&rd)
	q.SubmitAll()

	if _, err := sched.WaitForEvents(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done != 2 {
		t.Fatalf("read not completed")
	}
	if !bytes.Equal(rbuf, pattern) {
		t.Errorf("read back wrong data")
	}
}

func TestDeferredBeyondQueueSize(t *testing.T) {
	sched, q := newTestQueue(t, 2)
	fd := tempFile(t, 1<<20)

	completed := 0
	for i := 0; i < 5; i++ {
		tb := &Tiocb{}
		PrepWrite(tb, fd, make([]byte, 512), int64(i)*512, func(_ *Tiocb, err int) {
			if err != 0 {
				t.Errorf("err = %d", err)
			}
			completed++
		}, nil)
		q.Queue(tb)
	}

	if len(q.deferred) == 0 {
		t.Fatalf("nothing deferred with queue size 2")
	}

	q.SubmitAll()
	for completed < 5 {
		if _, err := sched.WaitForEvents(); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if q.Pending() != 0 || len(q.deferred) != 0 {
		t.Errorf("pending = %d deferred = %d after drain", q.Pending(), len(q.deferred))
	}
}

func TestShortTransferFails(t *testing.T) {
	sched, q := newTestQueue(t, 8)
	fd := tempFile(t, 1024)

	// Reads past EOF come back short and must fail with -EIO.
	got := 0
	tb := &Tiocb{}
	PrepRead(tb, fd, make([]byte, 4096), 0, func(_ *Tiocb, err int) {
		got = err
	}, nil)
	q.Queue(tb)
	q.SubmitAll()

	if _, err := sched.WaitForEvents(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got != -int(unix.EIO) {
		t.Errorf("err = %d, want -EIO", got)
	}
}

func TestCancelAll(t *testing.T) {
	_, q := newTestQueue(t, 2)
	fd := tempFile(t, 1<<20)

	errs := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		tb := &Tiocb{}
		PrepWrite(tb, fd, make([]byte, 512), int64(i)*512, func(_ *Tiocb, err int) {
			errs = append(errs, err)
		}, nil)
		q.Queue(tb)
	}

	n := q.CancelAll()
	if n != 4 {
		t.Fatalf("cancelled %d, want 4", n)
	}
	for _, e := range errs {
		if e != -int(unix.EIO) {
			t.Errorf("cancel err = %d, want -EIO", e)
		}
	}
	if q.Pending() != 0 {
		t.Errorf("pending = %d after cancel", q.Pending())
	}
}
