package tapdisk

import (
	"time"

	"github.com/behrlich/go-tapdisk/internal/constants"
)

// Op is a VBD request operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpBlockStatus
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpBlockStatus:
		return "block-status"
	}
	return "<bad-op>"
}

// Iovec is one run of whole sectors. len(Buf) is always a multiple of
// the sector size and non-zero.
type Iovec struct {
	Buf []byte
}

// Secs returns the vector length in sectors.
func (v Iovec) Secs() int {
	return len(v.Buf) >> constants.SectorShift
}

// TreqCallback completes a treq with 0 or a negative errno.
type TreqCallback func(t Treq, err int)

// Treq is the per-segment descriptor passed between chain layers. It
// is a value: layers forward copies, and a treq never outlives the
// vreq it was split from.
type Treq struct {
	Op   Op
	Sec  uint64
	Secs int
	Buf  []byte

	Image *Image
	Sidx  int

	// Cb completes the treq. Interposing filter drivers save and
	// replace it; exactly one completion reaches each Cb.
	Cb TreqCallback
	// Data rides along for interposing drivers.
	Data any

	vreq *VBDRequest
}

// Vreq returns the owning VBD request.
func (t Treq) Vreq() *VBDRequest { return t.vreq }

// Complete terminates the treq at this layer.
func (t Treq) Complete(err int) {
	t.Cb(t, err)
}

// Forward passes the treq unchanged to the next image down the chain,
// transferring responsibility for its completion.
func (t Treq) Forward() {
	t.Image.vbd.forwardRequest(t)
}

// request queue membership
type reqQueue int

const (
	queueFree reqQueue = iota
	queueNew
	queuePending
	queueFailed
	queueCompleted
)

// VBDCallback retires a vreq to its frontend. final is true exactly
// once per completion batch, on its last callback.
type VBDCallback func(vreq *VBDRequest, err int, token any, final bool)

// VBDRequest is a request bound to one VBD. Frontends fill the public
// fields and queue it; it transitions new -> pending -> (failed ->
// pending)* -> completed, then retires through Cb.
type VBDRequest struct {
	Op   Op
	Sec  uint64
	Iov  []Iovec
	// Secs carries the query length of a block-status request, which
	// moves no data.
	Secs int
	ID   uint64
	Name string

	Token any
	Cb    VBDCallback

	// Extents accumulates block-status results.
	Extents []Extent

	vbd   *VBD
	list  reqQueue
	slab  bool

	secsPending int
	submitting  int
	numRetries  int
	err         int

	lastTry time.Time
	arrival time.Time
}

// TotalSecs sums the request's vector lengths.
func (vreq *VBDRequest) TotalSecs() int {
	secs := 0
	for _, v := range vreq.Iov {
		secs += v.Secs()
	}
	return secs
}

// VBD returns the device the request is bound to, nil before queueing.
func (vreq *VBDRequest) VBD() *VBD { return vreq.vbd }

// Error returns the accumulated errno of the request.
func (vreq *VBDRequest) Error() int { return vreq.err }

// Retries returns how many times the request was reissued.
func (vreq *VBDRequest) Retries() int { return vreq.numRetries }

func (vreq *VBDRequest) reset() {
	*vreq = VBDRequest{slab: vreq.slab}
}
