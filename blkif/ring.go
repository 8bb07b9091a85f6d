// Package blkif implements the Xen shared-ring backend: per-VBD
// attachments to a guest via a grant-mapped ring and an interdomain
// event channel, with grant-copy data movement and adaptive polling.
package blkif

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/constants"
	"github.com/behrlich/go-tapdisk/internal/logging"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
	"github.com/behrlich/go-tapdisk/internal/uapi"
	"github.com/behrlich/go-tapdisk/internal/xenio"
)

// ConnectParams carries everything the control plane learned from the
// xenstore handshake.
type ConnectParams struct {
	Domid uint16
	Devid int

	// Grefs are the shared ring's grant references; len(Grefs) must
	// be 1 << Order.
	Grefs []uint32
	Order int

	EvtchnPort uint32
	Proto      uapi.Proto
	Pool       string

	// Adaptive polling: after a notification with system idle CPU
	// above the threshold (percent), the ring is polled for
	// PollDuration instead of waiting for the next event. Zero
	// disables polling.
	PollDuration      time.Duration
	PollIdleThreshold int
}

// ringStats counts per-ring traffic for the control plane.
type ringStats struct {
	KicksIn    uint64 `json:"kicks_in"`
	KicksOut   uint64 `json:"kicks_out"`
	ReqsIn     uint64 `json:"reqs_in"`
	ReqsOut    uint64 `json:"reqs_out"`
	ErrorsMsg  uint64 `json:"errors_msg"`
	ErrorsMap  uint64 `json:"errors_map"`
	ErrorsVBD  uint64 `json:"errors_vbd"`
	ErrorsImg  uint64 `json:"errors_img"`
}

// ringReq is one slot of the ring's request pool. It owns the vreq
// handed to the VBD and an aligned bounce buffer big enough for a
// maximal request; the guest descriptor is copied in exactly once.
type ringReq struct {
	msg  uapi.BlkifRequest
	vreq tapdisk.VBDRequest

	vma  []byte
	iov  []tapdisk.Iovec
	gref [uapi.BlkifMaxSegments]uint32
	nseg int

	barrier bool
}

// Ring is one connected frontend ring.
type Ring struct {
	domid uint16
	devid int

	ctx   *xenio.Ctx
	proto uapi.Proto

	mem       []byte
	mapOffset uint64
	nPages    int
	sring     *uapi.SharedRing

	port uint32

	reqs     []*ringReq
	freeReqs []*ringReq
	size     int
	pending  int

	reqCons    uint32
	rspProdPvt uint32
	pushedProd uint32

	barrier         *ringReq
	barrierDataDone bool
	barrierErr      int

	checkID scheduler.EventID
	stopID  scheduler.EventID
	polling bool
	masked  bool
	dead    bool

	pollDuration  time.Duration
	pollThreshold int
	idle          idleMeter

	vbd   *tapdisk.VBD
	sched *scheduler.Scheduler
	stats ringStats
	log   *logging.Logger
}

// Connect attaches a guest ring to the VBD.
func Connect(vbd *tapdisk.VBD, params ConnectParams) (*Ring, error) {
	if len(params.Grefs) != 1<<params.Order ||
		params.Order > constants.MaxRingPageOrder {
		return nil, tapdisk.NewError("ring-connect", tapdisk.ErrCodeInvalid,
			fmt.Sprintf("bad ring geometry: %d grefs, order %d",
				len(params.Grefs), params.Order))
	}

	sched := vbd.Server().Scheduler()
	ctx, err := xenio.Get(sched, params.Pool)
	if err != nil {
		return nil, err
	}

	r := &Ring{
		domid:         params.Domid,
		devid:         params.Devid,
		ctx:           ctx,
		proto:         params.Proto,
		nPages:        len(params.Grefs),
		pollDuration:  params.PollDuration,
		pollThreshold: params.PollIdleThreshold,
		vbd:           vbd,
		sched:         sched,
		log: logging.Default().With(
			fmt.Sprintf("ring-%d.%d", params.Domid, params.Devid)),
	}

	fail := func(err error) (*Ring, error) {
		r.teardown()
		return nil, err
	}

	r.mem, r.mapOffset, err = ctx.GrantMap(params.Domid, params.Grefs)
	if err != nil {
		return fail(err)
	}

	r.sring, err = uapi.NewSharedRing(r.mem, params.Proto, r.nPages)
	if err != nil {
		return fail(tapdisk.WrapError("ring-connect", err))
	}
	r.size = r.sring.Entries()
	r.rspProdPvt = r.sring.RspProd()
	r.pushedProd = r.rspProdPvt
	r.reqCons = r.rspProdPvt

	r.port, err = ctx.BindEvtchn(params.Domid, params.EvtchnPort)
	if err != nil {
		return fail(tapdisk.WrapError("ring-connect", err))
	}

	if err := r.allocRequests(); err != nil {
		return fail(err)
	}

	// Private polling events, disarmed until a notification elects to
	// poll.
	r.checkID, err = sched.RegisterEvent(scheduler.PollTimeout, -1, scheduler.TimeoutInf,
		func(scheduler.EventID, scheduler.Mode) { r.processRing(false) })
	if err != nil {
		return fail(err)
	}
	r.stopID, err = sched.RegisterEvent(scheduler.PollTimeout, -1, scheduler.TimeoutInf,
		func(scheduler.EventID, scheduler.Mode) { r.stopPolling() })
	if err != nil {
		return fail(err)
	}

	ctx.AddRing(r)
	vbd.AddFrontend(r)

	r.log.Info("connected", "proto", r.proto, "ring_size", r.size,
		"pages", r.nPages, "port", r.port)
	return r, nil
}

func (r *Ring) allocRequests() error {
	r.reqs = make([]*ringReq, r.size)
	r.freeReqs = make([]*ringReq, 0, r.size)

	for i := 0; i < r.size; i++ {
		vma, err := unix.Mmap(-1, 0,
			uapi.BlkifMaxSegments*uapi.PageSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return tapdisk.WrapError("ring-connect", err)
		}
		req := &ringReq{vma: vma}
		r.reqs[i] = req
		r.freeReqs = append(r.freeReqs, req)
	}
	return nil
}

// Port implements xenio.RingHandler.
func (r *Ring) Port() uint32 { return r.port }

// Notified implements xenio.RingHandler: an event-channel fire either
// processes the ring once or enters the polling state.
func (r *Ring) Notified() {
	r.stats.KicksIn++

	if r.pollDuration > 0 && !r.polling &&
		r.idle.percent() >= r.pollThreshold {
		r.startPolling()
		return
	}
	r.processRing(true)
}

func (r *Ring) startPolling() {
	r.polling = true
	r.sched.SetTimeout(r.checkID, scheduler.TimeoutZero)
	r.sched.SetTimeout(r.stopID, r.pollDuration)
	r.processRing(false)
}

func (r *Ring) stopPolling() {
	r.polling = false
	r.sched.SetTimeout(r.checkID, scheduler.TimeoutInf)
	r.sched.SetTimeout(r.stopID, scheduler.TimeoutInf)
	// Leaving polling re-arms the event counter.
	r.processRing(true)
}

// processRing pulls guest requests while descriptors and free slots
// last. rearm controls the final req_event re-check: polling passes
// skip it.
func (r *Ring) processRing(rearm bool) {
	if r.masked || r.dead || r.sring == nil {
		return
	}

	// Memory-mode throttling: under pressure at most one new request
	// between completions.
	limit := -1
	if r.vbd.Server().MemoryMode() == tapdisk.MemoryModeLow {
		if r.pending > 0 {
			limit = 0
		} else {
			limit = 1
		}
	}

	pulled := 0
	for {
		rp := r.sring.ReqProd()
		for r.reqCons != rp {
			if limit >= 0 && pulled >= limit {
				goto issue
			}
			if len(r.freeReqs) == 0 {
				// Stalled on the request pool; completions resume us.
				goto issue
			}

			req := r.freeReqs[len(r.freeReqs)-1]
			r.freeReqs = r.freeReqs[:len(r.freeReqs)-1]

			r.sring.GetRequest(r.reqCons, &req.msg)
			r.reqCons++
			pulled++
			r.pending++
			r.stats.ReqsIn++

			r.submit(req)
		}

		if !rearm {
			break
		}
		if !r.sring.FinalCheckForRequests(r.reqCons) {
			break
		}
	}

issue:
	r.vbd.IssueRequests()
}

// submit translates one copied descriptor into a vreq and queues it.
func (r *Ring) submit(req *ringReq) {
	msg := &req.msg

	var op tapdisk.Op
	barrier := false
	switch msg.Operation {
	case uapi.BlkifOpRead:
		op = tapdisk.OpRead
	case uapi.BlkifOpWrite:
		op = tapdisk.OpWrite
	case uapi.BlkifOpWriteBarrier:
		op = tapdisk.OpWrite
		barrier = true
	default:
		r.stats.ErrorsMsg++
		r.fail(req, uapi.BlkifRspEopnotsupp)
		return
	}

	if barrier && r.barrier != nil {
		// One barrier at a time.
		r.stats.ErrorsMsg++
		r.fail(req, uapi.BlkifRspError)
		return
	}

	nseg := int(msg.NrSegments)
	if nseg < 1 || nseg > uapi.BlkifMaxSegments {
		if !(barrier && nseg == 0) {
			r.stats.ErrorsMsg++
			r.fail(req, uapi.BlkifRspError)
			return
		}
	}

	if err := r.parseSegments(req, nseg); err != 0 {
		r.stats.ErrorsMsg++
		r.fail(req, uapi.BlkifRspError)
		return
	}

	if op == tapdisk.OpWrite && nseg > 0 {
		if err := r.grantCopy(req, nseg, false); err != nil {
			r.stats.ErrorsMap++
			r.log.Error("grant copy in", "req", msg.ID, "error", err)
			r.fail(req, uapi.BlkifRspError)
			return
		}
	}

	req.barrier = barrier
	if barrier {
		r.barrier = req
		r.barrierDataDone = nseg == 0
		r.barrierErr = 0
		if nseg == 0 {
			r.maybeCompleteBarrier(true)
			return
		}
	}

	vreq := &req.vreq
	*vreq = tapdisk.VBDRequest{
		Op:    op,
		Sec:   msg.SectorNumber,
		Iov:   req.iov,
		ID:    msg.ID,
		Token: req,
		Cb:    r.complete,
	}
	if barrier {
		vreq.Cb = r.completeBarrierData
	}

	if err := r.vbd.QueueRequest(vreq); err != nil {
		r.stats.ErrorsVBD++
		if barrier {
			r.barrier = nil
		}
		r.fail(req, uapi.BlkifRspError)
	}
}

// parseSegments builds the request's iov out of its bounce buffer,
// coalescing segments whose pages are data-contiguous. Returns a
// negative errno on malformed segments.
func (r *Ring) parseSegments(req *ringReq, nseg int) int {
	req.iov = req.iov[:0]
	req.nseg = nseg

	for i := 0; i < nseg; i++ {
		seg := &req.msg.Segments[i]
		if seg.FirstSect > seg.LastSect ||
			int(seg.LastSect) >= uapi.PageSize/constants.SectorSize {
			return tapdisk.EINVAL
		}

		req.gref[i] = seg.Gref
		off := i*uapi.PageSize + int(seg.FirstSect)*constants.SectorSize
		length := (int(seg.LastSect) - int(seg.FirstSect) + 1) * constants.SectorSize
		buf := req.vma[off : off+length]

		// A segment running to its page end followed by one starting
		// at a page start is contiguous in the bounce buffer.
		const lastPageSect = uapi.PageSize/constants.SectorSize - 1
		if n := len(req.iov); n > 0 && i > 0 && seg.FirstSect == 0 &&
			req.msg.Segments[i-1].LastSect == lastPageSect {
			req.iov[n-1].Buf = req.iov[n-1].Buf[:len(req.iov[n-1].Buf)+length]
			continue
		}
		req.iov = append(req.iov, tapdisk.Iovec{Buf: buf})
	}
	return 0
}

// grantCopy moves request data between the guest and the bounce
// buffer: out=false copies guest->local (writes), out=true local->
// guest (read responses).
func (r *Ring) grantCopy(req *ringReq, nseg int, out bool) error {
	segs := make([]uapi.GrantCopySegment, 0, nseg)

	for i := 0; i < nseg; i++ {
		seg := &req.msg.Segments[i]
		off := i*uapi.PageSize + int(seg.FirstSect)*constants.SectorSize
		length := (int(seg.LastSect) - int(seg.FirstSect) + 1) * constants.SectorSize

		gc := uapi.GrantCopySegment{
			Len:    uint16(length),
			Ptr:    unsafe.Pointer(&req.vma[off]),
			Ref:    req.gref[i],
			Offset: uint16(int(seg.FirstSect) * constants.SectorSize),
			Domid:  r.domid,
		}
		if out {
			gc.Flags = uapi.GntcopyDestGref
		} else {
			gc.Flags = uapi.GntcopySourceGref
		}
		segs = append(segs, gc)
	}

	return r.ctx.GrantCopy(segs)
}

func statusFor(err int) int16 {
	switch err {
	case 0:
		return uapi.BlkifRspOkay
	case tapdisk.EOPNOTSUPP:
		return uapi.BlkifRspEopnotsupp
	default:
		return uapi.BlkifRspError
	}
}

// complete is the vreq callback: copy read data back, post the
// response, recycle the slot.
func (r *Ring) complete(vreq *tapdisk.VBDRequest, err int, token any, final bool) {
	req := token.(*ringReq)

	if req.msg.Operation == uapi.BlkifOpRead && err == 0 && r.mem != nil {
		if cerr := r.grantCopy(req, req.nseg, true); cerr != nil {
			r.stats.ErrorsMap++
			r.log.Error("grant copy out", "req", req.msg.ID, "error", cerr)
			err = tapdisk.EIO
		}
	}

	r.respond(req, statusFor(err), final)
}

// completeBarrierData lands the data half of a write barrier. The
// response waits until the ring has drained.
func (r *Ring) completeBarrierData(vreq *tapdisk.VBDRequest, err int, token any, final bool) {
	r.barrierDataDone = true
	r.barrierErr = err
	r.maybeCompleteBarrier(final)
}

// barrierShouldComplete: the data part landed and the barrier is the
// only request left on the ring.
func (r *Ring) barrierShouldComplete() bool {
	return r.barrier != nil && r.barrierDataDone && r.pending == 1
}

func (r *Ring) maybeCompleteBarrier(final bool) {
	if !r.barrierShouldComplete() {
		return
	}
	req := r.barrier
	r.barrier = nil
	r.barrierDataDone = false
	r.respond(req, statusFor(r.barrierErr), final)
}

// fail responds immediately without touching the VBD.
func (r *Ring) fail(req *ringReq, status int16) {
	r.respond(req, status, true)
}

// respond writes the response descriptor, recycles the slot, and on
// final pushes rsp_prod and notifies if the frontend asked.
func (r *Ring) respond(req *ringReq, status int16, final bool) {
	if r.sring != nil {
		rsp := uapi.BlkifResponse{
			ID:        req.msg.ID,
			Operation: req.msg.Operation,
			Status:    status,
		}
		r.sring.PutResponse(r.rspProdPvt, &rsp)
		r.rspProdPvt++
	}

	r.pending--
	r.stats.ReqsOut++
	r.freeReqs = append(r.freeReqs, req)

	if final {
		r.push()
	}

	r.maybeCompleteBarrier(final)

	if r.dead && r.pending == 0 {
		r.destroy()
		return
	}

	// Completions replenish the pool; resume a stalled pull.
	if !r.dead && r.sring != nil && r.reqCons != r.sring.ReqProd() {
		r.processRing(false)
	}
}

// push publishes private response production and notifies the guest
// when the event counter asks for it.
func (r *Ring) push() {
	if r.sring == nil || r.rspProdPvt == r.pushedProd {
		return
	}
	notify := r.sring.PushResponses(r.pushedProd, r.rspProdPvt)
	r.pushedProd = r.rspProdPvt
	if notify {
		r.stats.KicksOut++
		r.ctx.Notify(r.port)
	}
}

// Frontend interface

// Kick publishes any batched responses.
func (r *Ring) Kick() {
	r.push()
}

// Mask pauses ring processing without losing state.
func (r *Ring) Mask(masked bool) {
	r.masked = masked
	if !masked {
		r.processRing(true)
	}
}

// Pending returns the in-flight request count.
func (r *Ring) Pending() int { return r.pending }

// Close disconnects the ring. With requests pending, the ring turns
// dead and drains: completions still post responses (ignored by the
// departed frontend) and the last one destroys the ring.
func (r *Ring) Close() {
	if r.dead {
		return
	}

	r.log.Info("disconnect", "pending", r.pending)
	r.vbd.RemoveFrontend(r)

	if r.pending == 0 {
		r.destroy()
		return
	}

	r.dead = true
	if r.port != 0 {
		r.ctx.UnbindEvtchn(r.port)
		r.ctx.RemoveRing(r)
		r.port = 0
	}
}

func (r *Ring) destroy() {
	r.vbd.ReleaseFrontend(r)
	r.teardown()
	r.log.Info("destroyed")
}

func (r *Ring) teardown() {
	if r.checkID > 0 {
		r.sched.UnregisterEvent(r.checkID)
		r.checkID = 0
	}
	if r.stopID > 0 {
		r.sched.UnregisterEvent(r.stopID)
		r.stopID = 0
	}
	if r.port != 0 {
		r.ctx.UnbindEvtchn(r.port)
		r.ctx.RemoveRing(r)
		r.port = 0
	}
	for _, req := range r.reqs {
		if req.vma != nil {
			unix.Munmap(req.vma)
			req.vma = nil
		}
	}
	r.reqs = nil
	r.freeReqs = nil
	if r.mem != nil {
		r.ctx.GrantUnmap(r.mem, r.mapOffset, r.nPages)
		r.mem = nil
		r.sring = nil
	}
	if r.ctx != nil {
		xenio.Put(r.ctx)
		r.ctx = nil
	}
}

// Stats snapshots ring counters.
func (r *Ring) Stats() ringStats { return r.stats }
