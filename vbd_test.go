package tapdisk

import (
	"bytes"
	"testing"
	"time"

	"github.com/behrlich/go-tapdisk/internal/aio"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	params := DefaultParams()
	params.AIOBackend = aio.BackendSync
	s, err := NewServer(params)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

type retired struct {
	vreq  *VBDRequest
	err   int
	final bool
	count int
}

func (r *retired) cb(vreq *VBDRequest, err int, token any, final bool) {
	if r.count > 0 && r.final {
		panic("callback after final")
	}
	r.vreq = vreq
	r.err = err
	r.final = final
	r.count++
}

func openTestVBD(t *testing.T, s *Server, name string, sizeSectors uint64, flags OpenFlag) *VBD {
	t.Helper()
	mock := UseMockDriver()
	mock.CreateImage(name, sizeSectors)

	vbd := NewVBD(s, 1)
	if err := vbd.Open(MockType, name, flags, -1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if vbd.State()&VBDDead == 0 {
			vbd.Close()
			vbd.CheckState()
		}
	})
	return vbd
}

// drive pumps the request engine the way the server loop would.
func drive(vbd *VBD) {
	vbd.IssueRequests()
	vbd.CheckState()
}

func TestReadPrefilledImage(t *testing.T) {
	s := newTestServer(t)
	mock := UseMockDriver()
	vbd := openTestVBD(t, s, "disk-read", 2048, 0)

	// Pre-fill sector 0..7 with 0xAB through a write.
	pattern := bytes.Repeat([]byte{0xAB}, 8*SectorSize)
	var wr retired
	wreq := vbd.AllocRequest()
	wreq.Op = OpWrite
	wreq.Sec = 0
	wreq.Iov = []Iovec{{Buf: append([]byte(nil), pattern...)}}
	wreq.Cb = wr.cb
	if err := vbd.QueueRequest(wreq); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}
	drive(vbd)
	if wr.count != 1 || wr.err != 0 || !wr.final {
		t.Fatalf("write retired count=%d err=%d final=%v", wr.count, wr.err, wr.final)
	}

	buf := make([]byte, 8*SectorSize)
	var rd retired
	rreq := vbd.AllocRequest()
	rreq.Op = OpRead
	rreq.Sec = 0
	rreq.Iov = []Iovec{{Buf: buf}}
	rreq.Cb = rd.cb
	if err := vbd.QueueRequest(rreq); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}
	drive(vbd)

	if rd.count != 1 || rd.err != 0 {
		t.Fatalf("read retired count=%d err=%d", rd.count, rd.err)
	}
	if !bytes.Equal(buf, pattern) {
		t.Errorf("read data mismatch")
	}

	_, _, reads, writes := mock.Counts("disk-read")
	if reads != 1 || writes != 1 {
		t.Errorf("driver saw reads=%d writes=%d, want 1 1", reads, writes)
	}
}

func TestWriteThenReadBack(t *testing.T) {
	s := newTestServer(t)
	vbd := openTestVBD(t, s, "disk-rw", 4096, 0)

	data := make([]byte, 8*SectorSize)
	for i := range data {
		data[i] = byte(i)
	}

	var wr retired
	wreq := vbd.AllocRequest()
	wreq.Op = OpWrite
	wreq.Sec = 100
	wreq.Iov = []Iovec{{Buf: append([]byte(nil), data...)}}
	wreq.Cb = wr.cb
	vbd.QueueRequest(wreq)
	drive(vbd)

	buf := make([]byte, 8*SectorSize)
	var rd retired
	rreq := vbd.AllocRequest()
	rreq.Op = OpRead
	rreq.Sec = 100
	rreq.Iov = []Iovec{{Buf: buf}}
	rreq.Cb = rd.cb
	vbd.QueueRequest(rreq)
	drive(vbd)

	if wr.err != 0 || rd.err != 0 {
		t.Fatalf("errs: write %d read %d", wr.err, rd.err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("round trip mismatch")
	}
}

func TestOutOfRangeWrite(t *testing.T) {
	s := newTestServer(t)
	mock := UseMockDriver()
	// 2 MiB = 4096 sectors.
	vbd := openTestVBD(t, s, "disk-small", 4096, 0)

	var r retired
	vreq := vbd.AllocRequest()
	vreq.Op = OpWrite
	vreq.Sec = 10000
	vreq.Iov = []Iovec{{Buf: make([]byte, SectorSize)}}
	vreq.Cb = r.cb
	if err := vbd.QueueRequest(vreq); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}

	// The request must land directly on the completed queue.
	if len(vbd.completedReqs) != 1 {
		t.Fatalf("completed = %d, want 1", len(vbd.completedReqs))
	}
	vbd.CheckState()

	if r.count != 1 || r.err != EINVAL {
		t.Fatalf("retired count=%d err=%d, want 1 -EINVAL", r.count, r.err)
	}
	_, _, _, writes := mock.Counts("disk-small")
	if writes != 0 {
		t.Errorf("driver touched on invalid request")
	}
}

func TestReadOnlyWriteRefused(t *testing.T) {
	s := newTestServer(t)
	mock := UseMockDriver()
	vbd := openTestVBD(t, s, "disk-ro", 2048, OpenRdonly)

	var r retired
	vreq := vbd.AllocRequest()
	vreq.Op = OpWrite
	vreq.Sec = 0
	vreq.Iov = []Iovec{{Buf: make([]byte, SectorSize)}}
	vreq.Cb = r.cb
	vbd.QueueRequest(vreq)
	drive(vbd)

	if r.err != EPERM {
		t.Fatalf("err = %d, want -EPERM", r.err)
	}
	_, _, _, writes := mock.Counts("disk-ro")
	if writes != 0 {
		t.Errorf("driver touched on read-only write")
	}
}

func TestBusyRetryRecovers(t *testing.T) {
	s := newTestServer(t)
	mock := UseMockDriver()
	vbd := openTestVBD(t, s, "disk-busy", 2048, 0)

	const interval = 10 * time.Millisecond
	vbd.SetRetryInterval(interval)
	mock.FailReads("disk-busy", EBUSY, EBUSY)

	var r retired
	vreq := vbd.AllocRequest()
	vreq.Op = OpRead
	vreq.Sec = 42
	vreq.Iov = []Iovec{{Buf: make([]byte, SectorSize)}}
	vreq.Cb = r.cb

	start := time.Now()
	vbd.QueueRequest(vreq)

	for r.count == 0 {
		drive(vbd)
		if time.Since(start) > 5*time.Second {
			t.Fatal("request never completed")
		}
		time.Sleep(time.Millisecond)
	}

	if r.err != 0 {
		t.Fatalf("err = %d, want 0 after retries", r.err)
	}
	if vbd.retries != 2 {
		t.Errorf("vbd.retries = %d, want 2", vbd.retries)
	}
	if elapsed := time.Since(start); elapsed < 2*interval {
		t.Errorf("completed after %v, want >= %v", elapsed, 2*interval)
	}
}

func TestRetryCeiling(t *testing.T) {
	s := newTestServer(t)
	mock := UseMockDriver()
	vbd := openTestVBD(t, s, "disk-eio", 2048, 0)
	vbd.SetRetryInterval(0)

	// Always fail with EIO: the request must surface the error after
	// MaxRetries reissues.
	errs := make([]int, MaxRetries+1)
	for i := range errs {
		errs[i] = EIO
	}
	mock.FailReads("disk-eio", errs...)

	var r retired
	vreq := vbd.AllocRequest()
	vreq.Op = OpRead
	vreq.Sec = 0
	vreq.Iov = []Iovec{{Buf: make([]byte, SectorSize)}}
	vreq.Cb = r.cb
	vbd.QueueRequest(vreq)

	for i := 0; i < MaxRetries+10 && r.count == 0; i++ {
		drive(vbd)
	}

	if r.count != 1 {
		t.Fatalf("request did not retire")
	}
	if r.err != EIO {
		t.Errorf("err = %d, want -EIO", r.err)
	}
	_, _, reads, _ := mock.Counts("disk-eio")
	if reads != MaxRetries+1 {
		t.Errorf("driver saw %d reads, want %d", reads, MaxRetries+1)
	}
}

func TestChainParentLinkage(t *testing.T) {
	s := newTestServer(t)
	mock := UseMockDriver()

	// The mock driver answers every read itself, so this checks chain
	// construction: leaf over base, with the parent opened read-only
	// and shareable.
	mock.CreateImage("leaf", 2048)
	mock.CreateImage("base", 2048)
	mock.SetParent("leaf", "base")

	vbd := NewVBD(s, 7)
	if err := vbd.Open(MockType, "leaf", 0, -1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		vbd.Close()
		vbd.CheckState()
	}()

	images := vbd.Images()
	if len(images) != 2 {
		t.Fatalf("chain length = %d, want 2", len(images))
	}
	if images[0].Name != "leaf" || images[1].Name != "base" {
		t.Errorf("chain order wrong: %s, %s", images[0].Name, images[1].Name)
	}
	if images[1].Flags&OpenRdonly == 0 || images[1].Flags&OpenShareable == 0 {
		t.Errorf("parent not opened rdonly+shareable: %#x", images[1].Flags)
	}
}

func TestShareableDriverUniqueness(t *testing.T) {
	s := newTestServer(t)
	mock := UseMockDriver()
	mock.CreateImage("shared-base", 2048)

	v1 := NewVBD(s, 11)
	if err := v1.Open(MockType, "shared-base", OpenRdonly|OpenShareable, -1); err != nil {
		t.Fatalf("Open v1: %v", err)
	}
	v2 := NewVBD(s, 12)
	if err := v2.Open(MockType, "shared-base", OpenRdonly|OpenShareable, -1); err != nil {
		t.Fatalf("Open v2: %v", err)
	}

	d1 := v1.Images()[0].Driver()
	d2 := v2.Images()[0].Driver()
	if d1 != d2 {
		t.Errorf("shareable image opened twice")
	}
	if d1.Refcnt() != 2 {
		t.Errorf("refcnt = %d, want 2", d1.Refcnt())
	}

	opens, _, _, _ := mock.Counts("shared-base")
	if opens != 1 {
		t.Errorf("driver opened %d times, want 1", opens)
	}

	// A read-write open against the read-only shared instance must be
	// refused.
	v3 := NewVBD(s, 13)
	if err := v3.Open(MockType, "shared-base", OpenShareable, -1); err == nil {
		t.Errorf("rw open of ro-shared image succeeded")
		v3.Close()
		v3.CheckState()
	}

	v1.Close()
	v1.CheckState()
	_, closes, _, _ := mock.Counts("shared-base")
	if closes != 0 {
		t.Errorf("driver closed while still referenced")
	}

	v2.Close()
	v2.CheckState()
	_, closes, _, _ = mock.Counts("shared-base")
	if closes != 1 {
		t.Errorf("driver not closed on last reference, closes=%d", closes)
	}
}

func TestPauseResume(t *testing.T) {
	s := newTestServer(t)
	mock := UseMockDriver()
	vbd := openTestVBD(t, s, "disk-pause", 2048, 0)

	// Write a pattern, pause, resume, read it back.
	data := bytes.Repeat([]byte{0x5C}, SectorSize)
	var wr retired
	wreq := vbd.AllocRequest()
	wreq.Op = OpWrite
	wreq.Sec = 5
	wreq.Iov = []Iovec{{Buf: append([]byte(nil), data...)}}
	wreq.Cb = wr.cb
	vbd.QueueRequest(wreq)
	drive(vbd)

	vbd.Pause()
	if vbd.State()&VBDPaused == 0 {
		t.Fatalf("not paused: state %#x", vbd.State())
	}
	if len(vbd.Images()) != 0 {
		t.Fatalf("chain open across pause")
	}

	// Queueing while paused is refused.
	q := vbd.AllocRequest()
	q.Op = OpRead
	q.Iov = []Iovec{{Buf: make([]byte, SectorSize)}}
	q.Cb = (&retired{}).cb
	if err := vbd.QueueRequest(q); err == nil {
		t.Errorf("queue accepted while paused")
	}
	vbd.putRequest(q)

	if err := vbd.Resume(MockType, "disk-pause"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	buf := make([]byte, SectorSize)
	var rd retired
	rreq := vbd.AllocRequest()
	rreq.Op = OpRead
	rreq.Sec = 5
	rreq.Iov = []Iovec{{Buf: buf}}
	rreq.Cb = rd.cb
	vbd.QueueRequest(rreq)
	drive(vbd)

	if rd.err != 0 || !bytes.Equal(buf, data) {
		t.Errorf("read after resume: err=%d match=%v", rd.err, bytes.Equal(buf, data))
	}

	opens, closes, _, _ := mock.Counts("disk-pause")
	if opens != 2 || closes != 1 {
		t.Errorf("opens=%d closes=%d across pause cycle, want 2 1", opens, closes)
	}
}

func TestAccountingClosure(t *testing.T) {
	s := newTestServer(t)
	vbd := openTestVBD(t, s, "disk-acct", 4096, 0)

	// Multi-iov request: secs_pending must sum the vector and drain
	// exactly once.
	var r retired
	vreq := vbd.AllocRequest()
	vreq.Op = OpWrite
	vreq.Sec = 0
	vreq.Iov = []Iovec{
		{Buf: make([]byte, 2*SectorSize)},
		{Buf: make([]byte, 3*SectorSize)},
		{Buf: make([]byte, SectorSize)},
	}
	vreq.Cb = r.cb

	if vreq.TotalSecs() != 6 {
		t.Fatalf("TotalSecs = %d, want 6", vreq.TotalSecs())
	}
	vbd.QueueRequest(vreq)
	drive(vbd)

	if r.count != 1 || !r.final || r.err != 0 {
		t.Fatalf("retired count=%d final=%v err=%d", r.count, r.final, r.err)
	}
	if vbd.secsPending != 0 {
		t.Errorf("vbd.secsPending = %d after completion", vbd.secsPending)
	}
	if vbd.secs[1] != 6 {
		t.Errorf("secs written = %d, want 6", vbd.secs[1])
	}
}
