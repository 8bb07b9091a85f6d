package nbd

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/constants"
	"github.com/behrlich/go-tapdisk/internal/logging"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
	"github.com/behrlich/go-tapdisk/internal/uapi"
)

// client read-side states
type clientState int

const (
	stateClientFlags clientState = iota
	stateOptHeader
	stateOptPayload
	stateReqHeader
	stateWritePayload
)

// baseAllocationContextID is the id handed out for base:allocation.
const baseAllocationContextID = 1

// clientReq is one slot of the per-client request pool.
type clientReq struct {
	vreq tapdisk.VBDRequest
	hdr  uapi.NBDRequest
	buf  []byte
	c    *Client
}

// Client is one NBD connection in either negotiation or transmission
// phase. All reads are incremental: the event callback consumes
// whatever the socket has and advances the state machine when a full
// frame is in.
type Client struct {
	srv *Server
	fd  int

	eventID  scheduler.EventID
	newstyle bool

	state clientState
	buf   []byte
	have  int
	want  int

	// negotiation
	optCount   int
	curOpt     uint32
	structured bool
	metaBase   bool
	noZeroes   bool

	// transmission
	hdr     uapi.NBDRequest
	reqs    [constants.NBDServerNumReqs]clientReq
	free    []*clientReq
	cur     *clientReq
	pending int
	masked  bool

	dead   bool
	closed bool

	log *logging.Logger
}

func (s *Server) newClient(fd int, newstyle bool) (*Client, error) {
	c := &Client{
		srv:      s,
		fd:       fd,
		newstyle: newstyle,
		log:      s.log.With(fmt.Sprintf("client-%d", fd)),
	}
	for i := range c.reqs {
		c.reqs[i].c = c
		c.free = append(c.free, &c.reqs[i])
	}

	var err error
	c.eventID, err = s.sched.RegisterEvent(scheduler.PollReadFD, fd, 0,
		func(scheduler.EventID, scheduler.Mode) { c.readable() })
	if err != nil {
		return nil, err
	}
	if s.paused {
		s.sched.MaskEvent(c.eventID, true)
		c.masked = true
	}

	s.clients = append(s.clients, c)

	if newstyle {
		if err := c.sendGreeting(); err != nil {
			c.close()
			return nil, err
		}
		c.expect(stateClientFlags, 4)
	} else {
		if err := c.sendOldHandshake(); err != nil {
			c.close()
			return nil, err
		}
		c.enterTransmission()
	}
	return c, nil
}

// newClientAdopted wraps an fd whose negotiation happened elsewhere
// (migration handoff): straight to transmission, nothing sent.
func (s *Server) newClientAdopted(fd int) (*Client, error) {
	c := &Client{
		srv: s,
		fd:  fd,
		log: s.log.With(fmt.Sprintf("client-%d", fd)),
	}
	for i := range c.reqs {
		c.reqs[i].c = c
		c.free = append(c.free, &c.reqs[i])
	}

	var err error
	c.eventID, err = s.sched.RegisterEvent(scheduler.PollReadFD, fd, 0,
		func(scheduler.EventID, scheduler.Mode) { c.readable() })
	if err != nil {
		return nil, err
	}
	s.clients = append(s.clients, c)
	c.enterTransmission()
	return c, nil
}

func (c *Client) freeSlots() int { return len(c.free) }

func (c *Client) expect(state clientState, n int) {
	c.state = state
	c.want = n
	c.have = 0
	if cap(c.buf) < n {
		c.buf = make([]byte, n)
	}
	c.buf = c.buf[:n]
}

// expectInto points the reader at an externally owned buffer (write
// payloads land directly in the request buffer).
func (c *Client) expectInto(state clientState, buf []byte) {
	c.state = state
	c.want = len(buf)
	c.have = 0
	c.buf = buf
}

// fill pulls bytes until the current frame is complete or the socket
// runs dry. Returns false when more data is needed.
func (c *Client) fill() bool {
	for c.have < c.want {
		n, err := unix.Read(c.fd, c.buf[c.have:c.want])
		if n > 0 {
			c.have += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false
		}
		// EOF or hard error.
		c.log.Info("connection closed", "error", err)
		c.close()
		return false
	}
	return true
}

// readable drains the socket, advancing frame by frame.
func (c *Client) readable() {
	for {
		if c.closed || c.masked {
			return
		}
		if !c.fill() {
			return
		}

		switch c.state {
		case stateClientFlags:
			c.handleClientFlags()
		case stateOptHeader:
			c.handleOptHeader()
		case stateOptPayload:
			c.handleOptPayload()
		case stateReqHeader:
			c.handleReqHeader()
		case stateWritePayload:
			c.handleWritePayload()
		}
	}
}

// sendFully writes the whole buffer, riding out EINTR and EAGAIN; a
// hard send error kills the client.
func (c *Client) sendFully(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(c.fd, buf)
		if n > 0 {
			buf = buf[n:]
			continue
		}
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err == nil {
			err = unix.EIO
		}
		c.log.Error("send failed", "error", err)
		c.close()
		return err
	}
	return nil
}

// ---- negotiation ----

func (c *Client) sendGreeting() error {
	buf := make([]byte, 18)
	copy(buf[0:8], uapi.NBDPassword)
	binary.BigEndian.PutUint64(buf[8:16], uapi.NBDOptMagic)
	binary.BigEndian.PutUint16(buf[16:18],
		uapi.NBDFlagFixedNewstyle|uapi.NBDFlagNoZeroes)
	return c.sendFully(buf)
}

func (c *Client) sendOldHandshake() error {
	return c.sendFully(uapi.MarshalOldHandshake(
		c.srv.exportSize(), uint32(c.srv.exportFlags())))
}

func (c *Client) handleClientFlags() {
	flags := binary.BigEndian.Uint32(c.buf[:4])
	c.noZeroes = flags&uapi.NBDFlagCNoZeroes != 0
	c.expect(stateOptHeader, 16)
}

func (c *Client) handleOptHeader() {
	if binary.BigEndian.Uint64(c.buf[0:8]) != uapi.NBDOptMagic {
		c.log.Warn("bad option magic")
		c.close()
		return
	}
	c.curOpt = binary.BigEndian.Uint32(c.buf[8:12])
	length := binary.BigEndian.Uint32(c.buf[12:16])

	c.optCount++
	if c.optCount > constants.NBDMaxOptions || length > constants.NBDMaxOptionLen {
		c.log.Warn("option limits exceeded", "count", c.optCount, "len", length)
		c.close()
		return
	}

	c.expect(stateOptPayload, int(length))
}

func (c *Client) optReply(reply uint32, payload []byte) error {
	hdr := uapi.MarshalOptReply(c.curOpt, reply, uint32(len(payload)))
	if err := c.sendFully(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		return c.sendFully(payload)
	}
	return nil
}

func (c *Client) handleOptPayload() {
	payload := append([]byte(nil), c.buf[:c.want]...)

	switch c.curOpt {
	case uapi.NBDOptExportName:
		c.sendExportInfoOld()
		return

	case uapi.NBDOptInfo, uapi.NBDOptGo:
		c.handleInfoOrGo(payload)
		return

	case uapi.NBDOptStructuredReply:
		if len(payload) != 0 {
			c.optReply(uapi.NBDRepErrInvalid, nil)
		} else {
			c.structured = true
			c.optReply(uapi.NBDRepAck, nil)
		}

	case uapi.NBDOptSetMetaContext, uapi.NBDOptListMetaContext:
		c.handleMetaContext(payload)

	case uapi.NBDOptList:
		name := []byte(c.srv.export)
		rep := make([]byte, 4+len(name))
		binary.BigEndian.PutUint32(rep[0:4], uint32(len(name)))
		copy(rep[4:], name)
		c.optReply(uapi.NBDRepServer, rep)
		c.optReply(uapi.NBDRepAck, nil)

	case uapi.NBDOptAbort:
		c.optReply(uapi.NBDRepAck, nil)
		c.close()
		return

	default:
		c.optReply(uapi.NBDRepErrUnsup, nil)
	}

	if !c.closed {
		c.expect(stateOptHeader, 16)
	}
}

// sendExportInfoOld answers NBD_OPT_EXPORT_NAME: size + flags + the
// 124 reserved zeroes unless the client negotiated them away, then
// transmission.
func (c *Client) sendExportInfoOld() {
	size := 10
	if !c.noZeroes {
		size += 124
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint64(buf[0:8], c.srv.exportSize())
	binary.BigEndian.PutUint16(buf[8:10], c.srv.exportFlags())
	if c.sendFully(buf) == nil {
		c.enterTransmission()
	}
}

func (c *Client) handleInfoOrGo(payload []byte) {
	if len(payload) < 6 {
		c.optReply(uapi.NBDRepErrInvalid, nil)
		c.expect(stateOptHeader, 16)
		return
	}
	nameLen := binary.BigEndian.Uint32(payload[0:4])
	if uint32(len(payload)) < 6+nameLen {
		c.optReply(uapi.NBDRepErrInvalid, nil)
		c.expect(stateOptHeader, 16)
		return
	}

	// NBD_INFO_EXPORT
	info := make([]byte, 12)
	binary.BigEndian.PutUint16(info[0:2], uapi.NBDInfoExport)
	binary.BigEndian.PutUint64(info[2:10], c.srv.exportSize())
	binary.BigEndian.PutUint16(info[10:12], c.srv.exportFlags())
	if c.optReply(uapi.NBDRepInfo, info) != nil {
		return
	}

	// NBD_INFO_BLOCK_SIZE: min/preferred/max
	bs := make([]byte, 14)
	binary.BigEndian.PutUint16(bs[0:2], uapi.NBDInfoBlockSize)
	binary.BigEndian.PutUint32(bs[2:6], constants.SectorSize)
	binary.BigEndian.PutUint32(bs[6:10], uapi.PageSize)
	binary.BigEndian.PutUint32(bs[10:14],
		constants.MaxSegmentsPerRequest*uapi.PageSize)
	if c.optReply(uapi.NBDRepInfo, bs) != nil {
		return
	}

	if c.optReply(uapi.NBDRepAck, nil) != nil {
		return
	}

	if c.curOpt == uapi.NBDOptGo {
		c.enterTransmission()
		return
	}
	c.expect(stateOptHeader, 16)
}

// handleMetaContext serves base:allocation. Payload: export name,
// then query list.
func (c *Client) handleMetaContext(payload []byte) {
	if len(payload) < 8 {
		c.optReply(uapi.NBDRepErrInvalid, nil)
		return
	}
	nameLen := binary.BigEndian.Uint32(payload[0:4])
	if uint32(len(payload)) < 4+nameLen+4 {
		c.optReply(uapi.NBDRepErrInvalid, nil)
		return
	}
	queries := payload[4+nameLen:]
	nQueries := binary.BigEndian.Uint32(queries[0:4])
	queries = queries[4:]

	matched := false
	for i := uint32(0); i < nQueries && len(queries) >= 4; i++ {
		qLen := binary.BigEndian.Uint32(queries[0:4])
		if uint32(len(queries)) < 4+qLen {
			c.optReply(uapi.NBDRepErrInvalid, nil)
			return
		}
		q := string(queries[4 : 4+qLen])
		queries = queries[4+qLen:]

		// An empty query, the bare "base:" namespace or the full
		// context name matches the one context we serve.
		if q == "" || q == "base:" || q == uapi.MetaContextBaseAllocation {
			matched = true
		}
	}

	if matched {
		name := []byte(uapi.MetaContextBaseAllocation)
		rep := make([]byte, 4+len(name))
		binary.BigEndian.PutUint32(rep[0:4], baseAllocationContextID)
		copy(rep[4:], name)
		if c.optReply(uapi.NBDRepMetaContext, rep) != nil {
			return
		}
		if c.curOpt == uapi.NBDOptSetMetaContext {
			c.metaBase = true
		}
	}
	c.optReply(uapi.NBDRepAck, nil)
}

// ---- transmission ----

func (c *Client) enterTransmission() {
	c.expect(stateReqHeader, uapi.NBDRequestSize)
}

// alignedBuf returns a 512-aligned buffer of n bytes for O_DIRECT
// chains.
func alignedBuf(n uint32) []byte {
	raw := make([]byte, int(n)+constants.SectorSize)
	off := 0
	if rem := uintptr(unsafe.Pointer(&raw[0])) % constants.SectorSize; rem != 0 {
		off = constants.SectorSize - int(rem)
	}
	return raw[off : off+int(n)]
}

func wireError(err int) uint32 {
	if err >= 0 {
		return 0
	}
	return uint32(-err)
}

// handleReqHeader decodes and dispatches one transmission request.
func (c *Client) handleReqHeader() {
	if err := uapi.UnmarshalNBDRequest(c.buf[:c.want], &c.hdr); err != nil {
		c.log.Warn("bad request magic")
		c.close()
		return
	}

	switch c.hdr.Type {
	case uapi.NBDCmdRead:
		c.dispatchRead()
	case uapi.NBDCmdWrite:
		c.startWrite()
	case uapi.NBDCmdDisc:
		c.renegotiate()
	case uapi.NBDCmdFlush:
		// The chain is write-through; acknowledge.
		c.sendSimpleReply(0, c.hdr.Handle)
		c.enterTransmission()
	case uapi.NBDCmdBlockStatus:
		c.dispatchBlockStatus()
	default:
		c.sendSimpleReply(wireError(tapdisk.EINVAL), c.hdr.Handle)
		c.enterTransmission()
	}
}

func (c *Client) aligned() bool {
	return c.hdr.From%constants.SectorSize == 0 &&
		c.hdr.Len%constants.SectorSize == 0 && c.hdr.Len > 0
}

func (c *Client) takeSlot() *clientReq {
	req := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.pending++

	if len(c.free) == 0 {
		// Pool exhausted: stop reading until a completion returns a
		// slot.
		c.srv.sched.MaskEvent(c.eventID, true)
		c.masked = true
	}
	return req
}

func (c *Client) putSlot(req *clientReq) {
	req.buf = nil
	c.free = append(c.free, req)
	c.pending--

	if c.dead {
		if c.pending == 0 {
			c.destroy()
		}
		return
	}
	if c.masked && !c.srv.paused {
		c.masked = false
		c.srv.sched.MaskEvent(c.eventID, false)
	}
}

func (c *Client) queue(req *clientReq) {
	if err := c.srv.vbd.QueueRequest(&req.vreq); err != nil {
		c.log.Error("queue refused", "error", err)
		c.sendSimpleReply(wireError(tapdisk.EIO), req.hdr.Handle)
		c.putSlot(req)
	}
}

func (c *Client) dispatchRead() {
	if !c.aligned() {
		c.sendSimpleReply(wireError(tapdisk.EINVAL), c.hdr.Handle)
		c.enterTransmission()
		return
	}

	req := c.takeSlot()
	req.hdr = c.hdr
	req.buf = alignedBuf(c.hdr.Len)

	cb := c.readDone
	if c.structured {
		cb = c.readDoneStructured
	}
	req.vreq = tapdisk.VBDRequest{
		Op:    tapdisk.OpRead,
		Sec:   c.hdr.From / constants.SectorSize,
		Iov:   []tapdisk.Iovec{{Buf: req.buf}},
		ID:    c.hdr.Handle,
		Token: req,
		Cb:    cb,
	}
	c.queue(req)
	c.enterTransmission()
}

func (c *Client) startWrite() {
	if !c.aligned() {
		c.sendSimpleReply(wireError(tapdisk.EINVAL), c.hdr.Handle)
		c.enterTransmission()
		return
	}

	req := c.takeSlot()
	req.hdr = c.hdr
	req.buf = alignedBuf(c.hdr.Len)
	c.cur = req
	c.expectInto(stateWritePayload, req.buf)
}

func (c *Client) handleWritePayload() {
	req := c.cur
	c.cur = nil

	req.vreq = tapdisk.VBDRequest{
		Op:    tapdisk.OpWrite,
		Sec:   req.hdr.From / constants.SectorSize,
		Iov:   []tapdisk.Iovec{{Buf: req.buf}},
		ID:    req.hdr.Handle,
		Token: req,
		Cb:    c.writeDone,
	}
	c.queue(req)
	c.enterTransmission()
}

func (c *Client) dispatchBlockStatus() {
	if !c.structured || !c.metaBase {
		c.sendSimpleReply(wireError(tapdisk.EINVAL), c.hdr.Handle)
		c.enterTransmission()
		return
	}
	if !c.aligned() {
		c.sendSimpleReply(wireError(tapdisk.EINVAL), c.hdr.Handle)
		c.enterTransmission()
		return
	}

	req := c.takeSlot()
	req.hdr = c.hdr
	req.vreq = tapdisk.VBDRequest{
		Op:    tapdisk.OpBlockStatus,
		Sec:   c.hdr.From / constants.SectorSize,
		Secs:  int(c.hdr.Len / constants.SectorSize),
		ID:    c.hdr.Handle,
		Token: req,
		Cb:    c.blockStatusDone,
	}
	c.queue(req)
	c.enterTransmission()
}

// renegotiate drops the session state and runs the handshake again on
// the same fd, as if the connection were brand new.
func (c *Client) renegotiate() {
	fd := c.fd
	newstyle := c.newstyle
	c.log.Info("disconnect requested, renegotiating")

	c.srv.sched.UnregisterEvent(c.eventID)
	c.srv.removeClient(c)
	c.closed = true

	if c.pending > 0 {
		// Late completions must not touch the reused fd.
		c.dead = true
		c.fd = -1
	}

	if _, err := c.srv.newClient(fd, newstyle); err != nil {
		c.srv.log.Error("renegotiation failed", "error", err)
		unix.Close(fd)
	}
}

// ---- completions ----

func (c *Client) sendSimpleReply(errno uint32, handle uint64) {
	if c.fd < 0 {
		return
	}
	c.sendFully(uapi.MarshalNBDReply(errno, handle))
}

func (c *Client) readDone(vreq *tapdisk.VBDRequest, err int, token any, final bool) {
	req := token.(*clientReq)
	c.sendSimpleReply(wireError(err), req.hdr.Handle)
	if err == 0 && c.fd >= 0 {
		c.sendFully(req.buf)
	}
	c.putSlot(req)
}

func (c *Client) readDoneStructured(vreq *tapdisk.VBDRequest, err int, token any, final bool) {
	req := token.(*clientReq)

	if c.fd < 0 {
		c.putSlot(req)
		return
	}

	if err != 0 {
		// Structured error chunk: errno + empty message.
		payload := make([]byte, 6)
		binary.BigEndian.PutUint32(payload[0:4], wireError(err))
		hdr := uapi.MarshalStructuredReply(uapi.NBDReplyFlagDone,
			uapi.NBDReplyTypeError, req.hdr.Handle, uint32(len(payload)))
		if c.sendFully(hdr) == nil {
			c.sendFully(payload)
		}
		c.putSlot(req)
		return
	}

	hdr := uapi.MarshalStructuredReply(uapi.NBDReplyFlagDone,
		uapi.NBDReplyTypeOffsetData, req.hdr.Handle, uint32(8+len(req.buf)))
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], req.hdr.From)
	if c.sendFully(hdr) == nil && c.sendFully(off[:]) == nil {
		c.sendFully(req.buf)
	}
	c.putSlot(req)
}

func (c *Client) writeDone(vreq *tapdisk.VBDRequest, err int, token any, final bool) {
	req := token.(*clientReq)
	c.sendSimpleReply(wireError(err), req.hdr.Handle)
	c.putSlot(req)
}

func (c *Client) blockStatusDone(vreq *tapdisk.VBDRequest, err int, token any, final bool) {
	req := token.(*clientReq)

	if c.fd < 0 {
		c.putSlot(req)
		return
	}
	if err != 0 {
		c.sendSimpleReply(wireError(err), req.hdr.Handle)
		c.putSlot(req)
		return
	}

	extents := vreq.Extents
	payload := make([]byte, 4+8*len(extents))
	binary.BigEndian.PutUint32(payload[0:4], baseAllocationContextID)
	for i, e := range extents {
		binary.BigEndian.PutUint32(payload[4+8*i:],
			uint32(e.Secs)*constants.SectorSize)
		status := uint32(0)
		if !e.Allocated {
			status = uapi.NBDStateHole | uapi.NBDStateZero
		}
		binary.BigEndian.PutUint32(payload[8+8*i:], status)
	}

	hdr := uapi.MarshalStructuredReply(uapi.NBDReplyFlagDone,
		uapi.NBDReplyTypeBlockStatus, req.hdr.Handle, uint32(len(payload)))
	if c.sendFully(hdr) == nil {
		c.sendFully(payload)
	}
	c.putSlot(req)
}

// ---- teardown ----

// close shuts the connection down. With requests in flight the client
// lingers dead until the last completion.
func (c *Client) close() {
	if c.closed {
		return
	}
	c.closed = true

	c.srv.sched.UnregisterEvent(c.eventID)
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}

	if c.pending > 0 {
		c.dead = true
		return
	}
	c.destroy()
}

func (c *Client) destroy() {
	c.srv.removeClient(c)
	if c.srv.closed && c.srv.Pending() == 0 {
		c.srv.vbd.ReleaseFrontend(c.srv)
	}
	c.log.Info("client gone")
}
