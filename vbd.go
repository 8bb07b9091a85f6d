package tapdisk

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/behrlich/go-tapdisk/internal/constants"
	"github.com/behrlich/go-tapdisk/internal/logging"
)

// StateFlag is the VBD state bitmask. Flags are semantic and not all
// mutually exclusive.
type StateFlag uint16

const (
	VBDDead StateFlag = 1 << iota
	VBDClosed
	VBDQuiesceRequested
	VBDQuiesced
	VBDPauseRequested
	VBDPaused
	VBDShutdownRequested
	VBDLogDropped
	VBDRetryNeeded
)

// Frontend is a request source attached to a VBD: a shared ring, an
// NBD client set, or the legacy character-device ring. The VBD drives
// lifecycle through it; responses travel through each request's own
// callback.
type Frontend interface {
	// Kick publishes any batched responses and notifies the peer.
	Kick()
	// Mask pauses or resumes event delivery without tearing state
	// down.
	Mask(masked bool)
	// Pending returns the number of requests in flight.
	Pending() int
	// Close initiates teardown; the frontend drains first if requests
	// are pending.
	Close()
}

// VBD is one virtual block device: a driver chain, four request
// queues, and the frontends feeding them.
type VBD struct {
	UUID uint16
	Name string
	Type DiskType

	server *Server
	flags  OpenFlag
	state  StateFlag

	images      []*Image
	parentMinor int

	newReqs       []*VBDRequest
	pendingReqs   []*VBDRequest
	failedReqs    []*VBDRequest
	completedReqs []*VBDRequest

	reqs     [constants.DataRequests]VBDRequest
	freeReqs []*VBDRequest

	rings     []Frontend
	deadRings []Frontend

	ts time.Time

	// Counters reported through the control plane.
	received    uint64
	returned    uint64
	kicked      uint64
	retries     uint64
	errors      uint64
	secsPending uint64
	secs        [2]uint64

	retryInterval time.Duration
	retryPolicy   backoff.BackOff

	log *logging.Logger
}

// NewVBD creates an empty VBD registered on the server.
func NewVBD(s *Server, uuid uint16) *VBD {
	vbd := &VBD{
		UUID:          uuid,
		server:        s,
		parentMinor:   -1,
		ts:            time.Now(),
		retryInterval: constants.RetryInterval,
		log:           logging.Default().With(fmt.Sprintf("vbd-%d", uuid)),
	}
	vbd.retryPolicy = backoff.NewConstantBackOff(vbd.retryInterval)

	for i := range vbd.reqs {
		vbd.reqs[i].slab = true
		vbd.freeReqs = append(vbd.freeReqs, &vbd.reqs[i])
	}

	s.addVBD(vbd)
	return vbd
}

// Server returns the owning server.
func (vbd *VBD) Server() *Server { return vbd.server }

// SetRetryInterval overrides the failed-request retry interval.
func (vbd *VBD) SetRetryInterval(d time.Duration) {
	vbd.retryInterval = d
	vbd.retryPolicy = backoff.NewConstantBackOff(d)
}

// State returns the current state flags.
func (vbd *VBD) State() StateFlag { return vbd.state }

// Images returns the chain, head first.
func (vbd *VBD) Images() []*Image { return vbd.images }

// Info returns the chain head's disk info.
func (vbd *VBD) Info() (DiskInfo, error) {
	if len(vbd.images) == 0 {
		return DiskInfo{}, NewVBDError("disk-info", int(vbd.UUID), ErrCodeNotFound, "no chain")
	}
	return vbd.images[0].Info, nil
}

// Rdonly reports whether the VBD was opened read-only.
func (vbd *VBD) Rdonly() bool { return vbd.flags&OpenRdonly != 0 }

func (vbd *VBD) imageIndex(img *Image) int {
	for i, x := range vbd.images {
		if x == img {
			return i
		}
	}
	return len(vbd.images)
}

// Open opens the VBD's chain. parentMinor nominates a local block
// device as the immediate parent (-1 for the natural chain).
func (vbd *VBD) Open(typ DiskType, name string, flags OpenFlag, parentMinor int) error {
	if len(vbd.images) > 0 {
		return NewVBDError("open", int(vbd.UUID), ErrCodeBusy, "already open")
	}

	images, err := vbd.server.OpenChain(vbd, typ, name, flags, parentMinor)
	if err != nil {
		return err
	}

	vbd.Name = name
	vbd.Type = typ
	vbd.flags = flags
	vbd.parentMinor = parentMinor
	vbd.images = images
	vbd.state &^= VBDClosed
	return nil
}

// closeVDI drops the chain.
func (vbd *VBD) closeVDI() {
	vbd.server.closeChain(vbd.images)
	vbd.images = nil
}

// AllocRequest takes a slot from the VBD's request slab. Frontends
// with their own embedded requests do not need it.
func (vbd *VBD) AllocRequest() *VBDRequest {
	if len(vbd.freeReqs) == 0 {
		return nil
	}
	vreq := vbd.freeReqs[len(vbd.freeReqs)-1]
	vbd.freeReqs = vbd.freeReqs[:len(vbd.freeReqs)-1]
	return vreq
}

func (vbd *VBD) putRequest(vreq *VBDRequest) {
	vreq.reset()
	vbd.freeReqs = append(vbd.freeReqs, vreq)
}

// queue membership plumbing. A request is on exactly one queue; moves
// are O(queue length) with queues bounded by the request pools.

func (vbd *VBD) queueFor(q reqQueue) *[]*VBDRequest {
	switch q {
	case queueNew:
		return &vbd.newReqs
	case queuePending:
		return &vbd.pendingReqs
	case queueFailed:
		return &vbd.failedReqs
	case queueCompleted:
		return &vbd.completedReqs
	}
	return nil
}

func (vbd *VBD) moveRequest(vreq *VBDRequest, to reqQueue) {
	if from := vbd.queueFor(vreq.list); from != nil {
		for i, r := range *from {
			if r == vreq {
				*from = append((*from)[:i], (*from)[i+1:]...)
				break
			}
		}
	}
	vreq.list = to
	if dst := vbd.queueFor(to); dst != nil {
		*dst = append(*dst, vreq)
	}
}

func (vbd *VBD) queueReady() bool {
	return vbd.state&(VBDDead|VBDClosed|VBDQuiesced|VBDPaused) == 0
}

// RetryNeeded reports whether failed requests are waiting for their
// retry interval.
func (vbd *VBD) RetryNeeded() bool {
	return vbd.state&VBDRetryNeeded != 0
}

// QueueRequest validates and accepts a frontend request. Requests that
// fail validation are accepted and retired with the error so the
// frontend always sees a well-formed response; only a dead, closed,
// paused or quiesced VBD, or a request without a callback, is refused
// outright.
func (vbd *VBD) QueueRequest(vreq *VBDRequest) error {
	if vbd.state&(VBDDead|VBDClosed) != 0 {
		return NewVBDError("queue-request", int(vbd.UUID), ErrCodeShutdown, "device closed")
	}
	if !vbd.queueReady() {
		return NewVBDError("queue-request", int(vbd.UUID), ErrCodeBusy, "device paused")
	}
	if vreq.Cb == nil {
		return NewVBDError("queue-request", int(vbd.UUID), ErrCodeInvalid, "request without callback")
	}

	vreq.vbd = vbd
	vreq.arrival = time.Now()
	vreq.err = 0
	vreq.numRetries = 0
	vbd.received++

	if err := vbd.checkRequest(vreq); err != 0 {
		vreq.err = err
		vbd.errors++
		vbd.moveRequest(vreq, queueCompleted)
		return nil
	}

	vbd.moveRequest(vreq, queueNew)
	return nil
}

// checkRequest validates a vreq before any driver sees it.
func (vbd *VBD) checkRequest(vreq *VBDRequest) int {
	switch vreq.Op {
	case OpRead, OpWrite, OpBlockStatus:
	default:
		return EOPNOTSUPP
	}

	if vreq.Op == OpWrite && vbd.Rdonly() {
		return EPERM
	}

	secs := vreq.TotalSecs()
	if vreq.Op == OpBlockStatus && secs == 0 {
		secs = vreq.Secs
	}
	if secs <= 0 {
		return EINVAL
	}
	if len(vbd.images) == 0 {
		return EBADF
	}
	if vreq.Sec+uint64(secs) > vbd.images[0].Info.Size {
		return EINVAL
	}
	return 0
}

// IssueRequests drains the new queue and reissues eligible failed
// requests.
func (vbd *VBD) IssueRequests() error {
	if vbd.state&VBDDead != 0 {
		vbd.killRequests()
		return nil
	}
	if !vbd.queueReady() {
		return ErrnoError(EAGAIN)
	}

	if err := vbd.reissueFailedRequests(); err != nil {
		return err
	}
	return vbd.issueNewRequests()
}

func (vbd *VBD) issueNewRequests() error {
	for len(vbd.newReqs) > 0 {
		vreq := vbd.newReqs[0]
		if err := vbd.issueRequest(vreq); err != nil {
			return err
		}
	}
	return nil
}

func (vbd *VBD) reissueFailedRequests() error {
	now := time.Now()

	failed := append([]*VBDRequest(nil), vbd.failedReqs...)
	for _, vreq := range failed {
		if vreq.secsPending > 0 {
			continue
		}

		if vbd.state&VBDShutdownRequested != 0 {
			vbd.log.Info("failing request on shutdown", "req", vreq.ID,
				"retries", vreq.numRetries)
			vbd.completeVbdRequest(vreq)
			continue
		}

		if now.Sub(vreq.lastTry) < vbd.retryInterval {
			continue
		}

		if vreq.numRetries >= constants.MaxRetries {
			vbd.log.Info("request exhausted retries", "req", vreq.ID,
				"retries", vreq.numRetries)
			vbd.moveRequest(vreq, queueCompleted)
			continue
		}

		vbd.retries++
		vreq.numRetries++
		prevErr := vreq.err
		vreq.err = 0
		if prevErr != EBUSY {
			vbd.log.Warn("retrying request", "req", vreq.ID,
				"attempt", vreq.numRetries, "error", -prevErr)
		}
		// Constant-interval policy; the call keeps the policy's
		// bookkeeping honest should it ever become adaptive.
		vbd.retryPolicy.NextBackOff()

		if err := vbd.issueRequest(vreq); err != nil {
			return err
		}
	}

	if len(vbd.failedReqs) == 0 {
		vbd.state &^= VBDRetryNeeded
	} else {
		vbd.state |= VBDRetryNeeded
	}
	return nil
}

// issueRequest splits a vreq into per-segment treqs and pushes them at
// the chain head.
func (vbd *VBD) issueRequest(vreq *VBDRequest) error {
	now := time.Now()
	vbd.ts = now
	vreq.lastTry = now
	vreq.submitting++
	vbd.moveRequest(vreq, queuePending)

	head := vbd.images[0]

	if vreq.Op == OpBlockStatus {
		vbd.issueBlockStatus(vreq, head)
	} else {
		sec := vreq.Sec
		for i, iov := range vreq.Iov {
			treq := Treq{
				Op:    vreq.Op,
				Sec:   sec,
				Secs:  iov.Secs(),
				Buf:   iov.Buf,
				Image: head,
				Sidx:  i,
				Cb:    vbd.completeTdRequest,
				vreq:  vreq,
			}

			vreq.secsPending += treq.Secs
			vbd.secsPending += uint64(treq.Secs)

			switch vreq.Op {
			case OpWrite:
				head.QueueWrite(treq)
			case OpRead:
				head.QueueRead(treq)
			}

			sec += uint64(treq.Secs)
		}
	}

	vreq.submitting--
	if vreq.secsPending == 0 {
		vbd.completeVbdRequest(vreq)
	}
	return nil
}

// issueBlockStatus resolves an allocation query against the chain.
// The walk is synchronous; the result still travels the normal
// completion path.
func (vbd *VBD) issueBlockStatus(vreq *VBDRequest, head *Image) {
	secs := vreq.blockStatusSecs()
	vreq.secsPending += secs
	vbd.secsPending += uint64(secs)

	extents, err := head.extents(vreq.Sec, secs)
	if err == nil {
		vreq.Extents = extents
	}

	treq := Treq{
		Op:    OpBlockStatus,
		Sec:   vreq.Sec,
		Secs:  secs,
		Image: head,
		Cb:    vbd.completeTdRequest,
		vreq:  vreq,
	}
	treq.Complete(Errno(err))
}

// blockStatusSecs is the query length of a block-status vreq: the
// vector sum when data rides along, else the explicit Secs field.
func (vreq *VBDRequest) blockStatusSecs() int {
	if secs := vreq.TotalSecs(); secs > 0 {
		return secs
	}
	return vreq.Secs
}

// completeTdRequest is the treq callback bound at issue time: it
// accounts the segment and retires the vreq once the last segment is
// home.
func (vbd *VBD) completeTdRequest(treq Treq, err int) {
	vreq := treq.vreq

	vbd.ts = time.Now()
	vbd.secsPending -= uint64(treq.Secs)
	vreq.secsPending -= treq.Secs

	// EBUSY restarts are not accounted; they would skew the per-image
	// hit counters across retries.
	if treq.Image != nil && err != EBUSY {
		treq.Image.account(treq.Op, treq.Secs, err)
	}

	if err != 0 {
		if vreq.err == 0 {
			vreq.err = err
		}
		if err != EBUSY {
			vbd.errors++
			vbd.log.Error("segment failed", "req", vreq.ID, "op", treq.Op,
				"sec", treq.Sec, "secs", treq.Secs, "error", -err)
		}
	} else if treq.Op == OpWrite {
		vbd.secs[1] += uint64(treq.Secs)
	} else if treq.Op == OpRead {
		vbd.secs[0] += uint64(treq.Secs)
	}

	if vreq.submitting == 0 && vreq.secsPending == 0 {
		vbd.completeVbdRequest(vreq)
	}
}

func retryable(err int) bool {
	return err == EBUSY || err == EIO
}

// completeVbdRequest routes a finished vreq: failed and retryable goes
// back for another attempt, everything else to completion.
func (vbd *VBD) completeVbdRequest(vreq *VBDRequest) {
	if vreq.submitting != 0 || vreq.secsPending != 0 {
		return
	}

	if vreq.err != 0 &&
		retryable(vreq.err) &&
		vreq.numRetries < constants.MaxRetries &&
		vbd.state&(VBDDead|VBDShutdownRequested) == 0 {
		vbd.moveRequest(vreq, queueFailed)
		vbd.state |= VBDRetryNeeded
		return
	}

	vbd.moveRequest(vreq, queueCompleted)
}

// forwardRequest dispatches a treq to the next image down the chain.
// Reads that fall off the end of the chain are sparse: the buffer is
// zero-filled and the treq completes successfully.
func (vbd *VBD) forwardRequest(treq Treq) {
	vreq := treq.vreq
	vbd.ts = time.Now()

	if !vbd.queueReady() {
		vbd.completeTdRequest(treq, EIO)
		return
	}

	vreq.lastTry = time.Now()
	vreq.submitting++

	idx := vbd.imageIndex(treq.Image)
	if idx+1 >= len(vbd.images) {
		for i := range treq.Buf {
			treq.Buf[i] = 0
		}
		treq.Complete(0)
	} else {
		parent := vbd.images[idx+1]
		treq.Image = parent
		switch treq.Op {
		case OpWrite:
			parent.QueueWrite(treq)
		case OpRead:
			parent.QueueRead(treq)
		default:
			treq.Complete(EOPNOTSUPP)
		}
	}

	vreq.submitting--
	if vreq.secsPending == 0 {
		vbd.completeVbdRequest(vreq)
	}
}

// killRequests fails everything not yet in flight.
func (vbd *VBD) killRequests() {
	for _, q := range []reqQueue{queueNew, queueFailed} {
		reqs := append([]*VBDRequest(nil), *vbd.queueFor(q)...)
		for _, vreq := range reqs {
			if vreq.err == 0 {
				vreq.err = EIO
			}
			vbd.moveRequest(vreq, queueCompleted)
		}
	}
}

// CheckState advances pause/quiesce/shutdown transitions and retires
// completed requests to their frontends.
func (vbd *VBD) CheckState() {
	vbd.retireCompleted()

	drained := len(vbd.pendingReqs) == 0

	if vbd.state&VBDQuiesceRequested != 0 && drained {
		vbd.state &^= VBDQuiesceRequested
		vbd.state |= VBDQuiesced
		vbd.log.Info("queue quiesced")
	}

	if vbd.state&VBDPauseRequested != 0 && drained &&
		len(vbd.newReqs) == 0 && len(vbd.failedReqs) == 0 {
		vbd.closeVDI()
		vbd.state &^= VBDPauseRequested
		vbd.state |= VBDPaused
		vbd.maskFrontends(true)
		vbd.log.Info("paused")
	}

	if vbd.state&VBDShutdownRequested != 0 {
		vbd.killRequests()
		vbd.retireCompleted()
		if drained && len(vbd.completedReqs) == 0 {
			vbd.state &^= VBDShutdownRequested
			vbd.doClose()
		}
	}
}

// retireCompleted posts responses for finished requests. final is
// asserted on the last response of the batch, letting ring frontends
// push once.
func (vbd *VBD) retireCompleted() {
	for len(vbd.completedReqs) > 0 {
		vreq := vbd.completedReqs[0]
		final := len(vbd.completedReqs) == 1

		if vreq.numRetries > 0 && vreq.err == 0 {
			vbd.log.Info("request recovered", "req", vreq.ID,
				"retries", vreq.numRetries)
		}

		vbd.moveRequest(vreq, queueFree)
		vbd.returned++

		slab := vreq.slab
		vreq.Cb(vreq, vreq.err, vreq.Token, final)
		if slab {
			vbd.putRequest(vreq)
		}
	}

	if len(vbd.pendingReqs) == 0 {
		vbd.state &^= VBDLogDropped
	}
}

// Kick pushes batched responses on every frontend.
func (vbd *VBD) Kick() {
	vbd.kicked++
	for _, r := range vbd.rings {
		r.Kick()
	}
	for _, r := range vbd.deadRings {
		r.Kick()
	}
}

func (vbd *VBD) maskFrontends(masked bool) {
	for _, r := range vbd.rings {
		r.Mask(masked)
	}
}

// AddFrontend attaches a request source.
func (vbd *VBD) AddFrontend(r Frontend) {
	vbd.rings = append(vbd.rings, r)
}

// RemoveFrontend detaches a request source. With requests pending it
// migrates to the dead list and drains; ReleaseFrontend finishes the
// job.
func (vbd *VBD) RemoveFrontend(r Frontend) {
	for i, x := range vbd.rings {
		if x == r {
			vbd.rings = append(vbd.rings[:i], vbd.rings[i+1:]...)
			break
		}
	}
	if r.Pending() > 0 {
		vbd.deadRings = append(vbd.deadRings, r)
	}
	vbd.maybeFree()
}

// ReleaseFrontend drops a drained frontend from the dead list.
func (vbd *VBD) ReleaseFrontend(r Frontend) {
	for i, x := range vbd.deadRings {
		if x == r {
			vbd.deadRings = append(vbd.deadRings[:i], vbd.deadRings[i+1:]...)
			break
		}
	}
	vbd.maybeFree()
}

// maybeFree finishes teardown once a closed VBD has lost its last
// frontend.
func (vbd *VBD) maybeFree() {
	if vbd.state&VBDClosed == 0 || vbd.state&VBDDead != 0 {
		return
	}
	if len(vbd.rings) != 0 || len(vbd.deadRings) != 0 {
		return
	}
	vbd.state |= VBDDead
	vbd.server.removeVBD(vbd)
	vbd.log.Info("closed")
}

// Quiesce stops issuing and waits for in-flight requests to land.
func (vbd *VBD) Quiesce() {
	vbd.state |= VBDQuiesceRequested
	vbd.CheckState()
}

// StartQueue resumes a quiesced VBD.
func (vbd *VBD) StartQueue() {
	vbd.state &^= VBDQuiesceRequested | VBDQuiesced
}

// Pause drains the queue and closes the chain, keeping frontends
// attached but masked. Completion is asynchronous; state shows
// VBDPaused when done.
func (vbd *VBD) Pause() {
	vbd.log.Info("pause requested")
	vbd.state |= VBDPauseRequested
	vbd.CheckState()
}

// Resume reopens the chain under a possibly new name and type and
// restarts the queue.
func (vbd *VBD) Resume(typ DiskType, name string) error {
	if vbd.state&(VBDPaused|VBDPauseRequested) == 0 {
		return NewVBDError("resume", int(vbd.UUID), ErrCodeInvalid, "not paused")
	}
	if vbd.state&VBDPaused == 0 {
		return NewVBDError("resume", int(vbd.UUID), ErrCodeBusy, "pause in progress")
	}

	if name == "" {
		name = vbd.Name
		typ = vbd.Type
	}

	if err := vbd.Open(typ, name, vbd.flags, vbd.parentMinor); err != nil {
		return err
	}

	vbd.state &^= VBDPaused
	vbd.maskFrontends(false)
	vbd.IssueRequests()
	vbd.Kick()
	return nil
}

// Shutdown fails queued-but-unsent requests and closes once pending
// I/O lands.
func (vbd *VBD) Shutdown() {
	vbd.log.Info("shutdown requested")
	vbd.state |= VBDShutdownRequested
	vbd.CheckState()
}

// Close tears the VBD down. In-flight requests run to completion
// first.
func (vbd *VBD) Close() {
	vbd.Shutdown()
}

func (vbd *VBD) doClose() {
	vbd.closeVDI()
	vbd.state |= VBDClosed

	for _, r := range append(append([]Frontend(nil), vbd.rings...), vbd.deadRings...) {
		r.Close()
	}
	vbd.maybeFree()
}

// CheckProgress is the stall watchdog: pending requests with no
// completion activity for the watchdog window produce one diagnostic
// dump per stall.
func (vbd *VBD) CheckProgress(now time.Time) {
	if len(vbd.pendingReqs) == 0 {
		return
	}

	vbd.server.sched.SetMaxTimeout(constants.RetryInterval)

	if now.Sub(vbd.ts) < constants.WatchdogTimeout {
		return
	}
	if vbd.state&VBDLogDropped != 0 {
		return
	}

	vbd.state |= VBDLogDropped
	vbd.log.Warn("watchdog: no progress", "stalled", now.Sub(vbd.ts))
	vbd.Debug()
}

// Debug dumps the VBD's queues, chain and counters.
func (vbd *VBD) Debug() {
	vbd.log.Info("state",
		"name", vbd.Name,
		"flags", fmt.Sprintf("%#x", vbd.flags),
		"state", fmt.Sprintf("%#x", vbd.state),
		"new", len(vbd.newReqs),
		"pending", len(vbd.pendingReqs),
		"failed", len(vbd.failedReqs),
		"completed", len(vbd.completedReqs),
		"received", vbd.received,
		"returned", vbd.returned,
		"kicked", vbd.kicked,
		"errors", vbd.errors,
		"retries", vbd.retries,
		"secs_pending", vbd.secsPending)

	now := time.Now()
	for _, vreq := range vbd.pendingReqs {
		if now.Sub(vreq.lastTry) < constants.RequestTimeout {
			continue
		}
		vbd.log.Warn("aged request", "req", vreq.ID, "op", vreq.Op,
			"sec", vreq.Sec, "secs_pending", vreq.secsPending,
			"retries", vreq.numRetries, "age", now.Sub(vreq.lastTry))
	}

	for _, img := range vbd.images {
		vbd.log.Info("image", "name", img.Name, "type", TypeName(img.Type),
			"hits_rd", img.hits[0], "hits_wr", img.hits[1],
			"fail_rd", img.fail[0], "fail_wr", img.fail[1])
		if dbg, ok := img.driver.ops.(DebugDriver); ok {
			dbg.Debug()
		}
	}
}
