package blkif

import (
	"testing"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/uapi"
)

func TestParseSegmentsCoalescing(t *testing.T) {
	r := &Ring{}
	req := &ringReq{vma: make([]byte, uapi.BlkifMaxSegments*uapi.PageSize)}

	// Two fully-used pages: A={page 0, first 0, last 7},
	// B={page 1, first 0, last 7} -> one 16-sector iov.
	req.msg.Segments[0] = uapi.Segment{Gref: 10, FirstSect: 0, LastSect: 7}
	req.msg.Segments[1] = uapi.Segment{Gref: 11, FirstSect: 0, LastSect: 7}

	if err := r.parseSegments(req, 2); err != 0 {
		t.Fatalf("parseSegments err = %d", err)
	}
	if len(req.iov) != 1 {
		t.Fatalf("iov length = %d, want 1", len(req.iov))
	}
	if got := req.iov[0].Secs(); got != 16 {
		t.Errorf("coalesced secs = %d, want 16", got)
	}
	if &req.iov[0].Buf[0] != &req.vma[0] {
		t.Errorf("iov base not at vma start")
	}
}

func TestParseSegmentsPartialPagesDoNotCoalesce(t *testing.T) {
	r := &Ring{}
	req := &ringReq{vma: make([]byte, uapi.BlkifMaxSegments*uapi.PageSize)}

	// First page not used through its end: no coalescing.
	req.msg.Segments[0] = uapi.Segment{FirstSect: 0, LastSect: 6}
	req.msg.Segments[1] = uapi.Segment{FirstSect: 0, LastSect: 7}

	if err := r.parseSegments(req, 2); err != 0 {
		t.Fatalf("parseSegments err = %d", err)
	}
	if len(req.iov) != 2 {
		t.Fatalf("iov length = %d, want 2", len(req.iov))
	}
	if req.iov[0].Secs() != 7 || req.iov[1].Secs() != 8 {
		t.Errorf("secs = %d, %d", req.iov[0].Secs(), req.iov[1].Secs())
	}
}

func TestParseSegmentsRejectsBadSectors(t *testing.T) {
	r := &Ring{}
	req := &ringReq{vma: make([]byte, uapi.BlkifMaxSegments*uapi.PageSize)}

	req.msg.Segments[0] = uapi.Segment{FirstSect: 5, LastSect: 2}
	if err := r.parseSegments(req, 1); err != tapdisk.EINVAL {
		t.Errorf("reversed sectors: err = %d, want -EINVAL", err)
	}

	req.msg.Segments[0] = uapi.Segment{FirstSect: 0, LastSect: 8}
	if err := r.parseSegments(req, 1); err != tapdisk.EINVAL {
		t.Errorf("sector beyond page: err = %d, want -EINVAL", err)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  int
		want int16
	}{
		{0, uapi.BlkifRspOkay},
		{tapdisk.EOPNOTSUPP, uapi.BlkifRspEopnotsupp},
		{tapdisk.EIO, uapi.BlkifRspError},
		{tapdisk.EINVAL, uapi.BlkifRspError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%d) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestBarrierPredicate(t *testing.T) {
	r := &Ring{}

	if r.barrierShouldComplete() {
		t.Error("no barrier parked but predicate true")
	}

	req := &ringReq{}
	r.barrier = req
	r.barrierDataDone = false
	r.pending = 1
	if r.barrierShouldComplete() {
		t.Error("data outstanding but predicate true")
	}

	r.barrierDataDone = true
	r.pending = 3
	if r.barrierShouldComplete() {
		t.Error("other requests pending but predicate true")
	}

	r.pending = 1
	if !r.barrierShouldComplete() {
		t.Error("predicate false with data done and ring drained")
	}
}
