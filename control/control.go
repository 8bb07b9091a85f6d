// Package control implements the AF_UNIX control plane: a thin framed
// request/response loop the management stack uses to attach, open,
// pause, resume and inspect VBDs and to wire frontends to them.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/blkif"
	"github.com/behrlich/go-tapdisk/internal/logging"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
	"github.com/behrlich/go-tapdisk/internal/uapi"
	"github.com/behrlich/go-tapdisk/nbd"
)

// Message types. Mutating operations run serially under the busy
// flag; read-only ones (pid, list, stats) run any time.
const (
	MessagePID uint32 = iota + 1
	MessageAttach
	MessageDetach
	MessageOpen
	MessageClose
	MessagePause
	MessageResume
	MessageList
	MessageStats
	MessageXenConnect
	MessageXenDisconnect
	MessageNBDStart
	MessageError
)

// header is the fixed frame prefix. Every frame is header + Len
// payload bytes; requests carry their arguments JSON-encoded in the
// payload, responses carry Err and an optional payload.
type header struct {
	Type   uint32
	Cookie uint32
	Err    int32
	Len    uint32
}

const headerSize = 16

// maxPayload bounds one control frame.
const maxPayload = 1 << 20

func marshalHeader(h *header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.Cookie)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Err))
	binary.LittleEndian.PutUint32(buf[12:16], h.Len)
	return buf
}

func unmarshalHeader(data []byte, h *header) {
	h.Type = binary.LittleEndian.Uint32(data[0:4])
	h.Cookie = binary.LittleEndian.Uint32(data[4:8])
	h.Err = int32(binary.LittleEndian.Uint32(data[8:12]))
	h.Len = binary.LittleEndian.Uint32(data[12:16])
}

// Request payloads

// OpenParams opens a VBD's chain.
type OpenParams struct {
	UUID        uint16 `json:"uuid"`
	Params      string `json:"params"` // "type:path"
	Rdonly      bool   `json:"rdonly,omitempty"`
	Shareable   bool   `json:"shareable,omitempty"`
	ParentMinor int    `json:"parent_minor,omitempty"`
	Secondary   string `json:"secondary,omitempty"`
	Standby     bool   `json:"standby,omitempty"`
}

// UUIDParams addresses one VBD.
type UUIDParams struct {
	UUID uint16 `json:"uuid"`
}

// ResumeParams reopens a paused VBD.
type ResumeParams struct {
	UUID   uint16 `json:"uuid"`
	Params string `json:"params,omitempty"` // "" keeps the old chain
}

// XenConnectParams attaches a shared ring.
type XenConnectParams struct {
	UUID              uint16   `json:"uuid"`
	Domid             uint16   `json:"domid"`
	Devid             int      `json:"devid"`
	Grefs             []uint32 `json:"grefs"`
	Order             int      `json:"order"`
	EvtchnPort        uint32   `json:"evtchn"`
	Proto             int      `json:"proto"`
	Pool              string   `json:"pool,omitempty"`
	PollDurationUs    int      `json:"poll_duration_us,omitempty"`
	PollIdleThreshold int      `json:"poll_idle_threshold,omitempty"`
}

// NBDStartParams exports a VBD over NBD.
type NBDStartParams struct {
	UUID     uint16 `json:"uuid"`
	Path     string `json:"path"`
	Newstyle bool   `json:"newstyle"`
	FdPath   string `json:"fd_path,omitempty"`
}

// ListEntry is one row of a list response.
type ListEntry struct {
	UUID   uint16 `json:"uuid"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	State  uint16 `json:"state"`
	Minor  int    `json:"minor"`
}

// Control is the listening control plane.
type Control struct {
	server *tapdisk.Server
	sched  *scheduler.Scheduler

	path    string
	fd      int
	eventID scheduler.EventID

	conns []*conn

	// busy serialises mutating operations.
	busy bool

	// rings and exports by uuid, for disconnect/detach.
	rings map[uint16]*blkif.Ring
	nbds  map[uint16]*nbd.Server

	log *logging.Logger
}

// New starts the control plane on a unix socket path.
func New(server *tapdisk.Server, path string) (*Control, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, tapdisk.WrapError("control-listen", err)
	}

	os.Remove(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, tapdisk.WrapError("control-listen", err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		return nil, tapdisk.WrapError("control-listen", err)
	}

	c := &Control{
		server: server,
		sched:  server.Scheduler(),
		path:   path,
		fd:     fd,
		rings:  make(map[uint16]*blkif.Ring),
		nbds:   make(map[uint16]*nbd.Server),
		log:    logging.Default().With("control"),
	}

	c.eventID, err = c.sched.RegisterEvent(scheduler.PollReadFD, fd, 0,
		func(scheduler.EventID, scheduler.Mode) { c.accept() })
	if err != nil {
		unix.Close(fd)
		os.Remove(path)
		return nil, err
	}

	c.log.Info("listening", "path", path)
	return c, nil
}

// Close tears the control plane down.
func (c *Control) Close() {
	c.sched.UnregisterEvent(c.eventID)
	unix.Close(c.fd)
	os.Remove(c.path)
	for _, cn := range append([]*conn(nil), c.conns...) {
		cn.close()
	}
}

type connState int

const (
	connHeader connState = iota
	connPayload
)

type conn struct {
	ctl *Control
	fd  int

	eventID scheduler.EventID
	state   connState
	hdr     header
	buf     []byte
	have    int
	want    int

	closed bool
}

func (c *Control) accept() {
	nfd, _, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN {
			c.log.Error("accept", "error", err)
		}
		return
	}

	cn := &conn{ctl: c, fd: nfd}
	cn.expect(connHeader, headerSize)

	cn.eventID, err = c.sched.RegisterEvent(scheduler.PollReadFD, nfd, 0,
		func(scheduler.EventID, scheduler.Mode) { cn.readable() })
	if err != nil {
		unix.Close(nfd)
		return
	}
	c.conns = append(c.conns, cn)
}

func (cn *conn) expect(state connState, n int) {
	cn.state = state
	cn.want = n
	cn.have = 0
	if cap(cn.buf) < n {
		cn.buf = make([]byte, n)
	}
	cn.buf = cn.buf[:n]
}

func (cn *conn) fill() bool {
	for cn.have < cn.want {
		n, err := unix.Read(cn.fd, cn.buf[cn.have:cn.want])
		if n > 0 {
			cn.have += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false
		}
		cn.close()
		return false
	}
	return true
}

func (cn *conn) readable() {
	for !cn.closed {
		if !cn.fill() {
			return
		}
		switch cn.state {
		case connHeader:
			unmarshalHeader(cn.buf, &cn.hdr)
			if cn.hdr.Len > maxPayload {
				cn.close()
				return
			}
			cn.expect(connPayload, int(cn.hdr.Len))
		case connPayload:
			payload := append([]byte(nil), cn.buf[:cn.want]...)
			cn.ctl.dispatch(cn, cn.hdr, payload)
			if !cn.closed {
				cn.expect(connHeader, headerSize)
			}
		}
	}
}

func (cn *conn) respond(typ uint32, cookie uint32, errno int, payload []byte) {
	h := header{Type: typ, Cookie: cookie, Err: int32(errno), Len: uint32(len(payload))}
	buf := append(marshalHeader(&h), payload...)
	for len(buf) > 0 {
		n, err := unix.Write(cn.fd, buf)
		if n > 0 {
			buf = buf[n:]
			continue
		}
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		cn.close()
		return
	}
}

func (cn *conn) close() {
	if cn.closed {
		return
	}
	cn.closed = true
	cn.ctl.sched.UnregisterEvent(cn.eventID)
	unix.Close(cn.fd)
	for i, x := range cn.ctl.conns {
		if x == cn {
			cn.ctl.conns = append(cn.ctl.conns[:i], cn.ctl.conns[i+1:]...)
			break
		}
	}
}

func readonly(typ uint32) bool {
	switch typ {
	case MessagePID, MessageList, MessageStats:
		return true
	}
	return false
}

// dispatch runs one control operation and responds. Errors travel as
// negated errnos in the response header.
func (c *Control) dispatch(cn *conn, h header, payload []byte) {
	if !readonly(h.Type) {
		if c.busy {
			cn.respond(MessageError, h.Cookie, tapdisk.EAGAIN, nil)
			return
		}
		c.busy = true
		defer func() { c.busy = false }()
	}

	errno, out := c.handle(h.Type, payload)
	typ := h.Type
	if errno != 0 {
		typ = MessageError
	}
	cn.respond(typ, h.Cookie, errno, out)
}

func errnoOf(err error) int {
	if err == nil {
		return 0
	}
	if te, ok := err.(*tapdisk.Error); ok && te.Errno != 0 {
		return -int(te.Errno)
	}
	return tapdisk.Errno(err)
}

func (c *Control) handle(typ uint32, payload []byte) (int, []byte) {
	switch typ {
	case MessagePID:
		out, _ := json.Marshal(map[string]int{"pid": os.Getpid()})
		return 0, out

	case MessageAttach:
		var p UUIDParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		if c.server.GetVBD(p.UUID) != nil {
			return tapdisk.EEXIST, nil
		}
		tapdisk.NewVBD(c.server, p.UUID)
		c.log.Info("attached", "uuid", p.UUID)
		return 0, nil

	case MessageDetach:
		var p UUIDParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		vbd := c.server.GetVBD(p.UUID)
		if vbd == nil {
			return tapdisk.ENODEV, nil
		}
		if ring := c.rings[p.UUID]; ring != nil {
			ring.Close()
			delete(c.rings, p.UUID)
		}
		if srv := c.nbds[p.UUID]; srv != nil {
			srv.Close()
			delete(c.nbds, p.UUID)
		}
		vbd.Close()
		vbd.CheckState()
		c.log.Info("detached", "uuid", p.UUID)
		return 0, nil

	case MessageOpen:
		var p OpenParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		vbd := c.server.GetVBD(p.UUID)
		if vbd == nil {
			return tapdisk.ENODEV, nil
		}
		dtype, path, err := tapdisk.ParseParams(p.Params)
		if err != nil {
			return tapdisk.EINVAL, nil
		}
		var flags tapdisk.OpenFlag
		if p.Rdonly {
			flags |= tapdisk.OpenRdonly
		}
		if p.Shareable {
			flags |= tapdisk.OpenShareable
		}
		if p.Standby {
			flags |= tapdisk.OpenStandby
		}
		if p.Secondary != "" {
			flags |= tapdisk.OpenSecondary
		}
		minor := p.ParentMinor
		if minor == 0 {
			minor = -1
		}
		if err := vbd.Open(dtype, path, flags, minor); err != nil {
			return errnoOf(err), nil
		}
		return 0, nil

	case MessageClose:
		var p UUIDParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		vbd := c.server.GetVBD(p.UUID)
		if vbd == nil {
			return tapdisk.ENODEV, nil
		}
		vbd.Shutdown()
		return 0, nil

	case MessagePause:
		var p UUIDParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		vbd := c.server.GetVBD(p.UUID)
		if vbd == nil {
			return tapdisk.ENODEV, nil
		}
		vbd.Pause()
		return 0, nil

	case MessageResume:
		var p ResumeParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		vbd := c.server.GetVBD(p.UUID)
		if vbd == nil {
			return tapdisk.ENODEV, nil
		}
		dtype := vbd.Type
		path := ""
		if p.Params != "" {
			var err error
			dtype, path, err = tapdisk.ParseParams(p.Params)
			if err != nil {
				return tapdisk.EINVAL, nil
			}
		}
		if err := vbd.Resume(dtype, path); err != nil {
			return errnoOf(err), nil
		}
		return 0, nil

	case MessageList:
		var out []ListEntry
		for _, vbd := range c.server.VBDs() {
			out = append(out, ListEntry{
				UUID:  vbd.UUID,
				Name:  vbd.Name,
				Type:  tapdisk.TypeName(vbd.Type),
				State: uint16(vbd.State()),
				Minor: int(vbd.UUID),
			})
		}
		blob, _ := json.Marshal(out)
		return 0, blob

	case MessageStats:
		var p UUIDParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		vbd := c.server.GetVBD(p.UUID)
		if vbd == nil {
			return tapdisk.ENODEV, nil
		}
		blob, _ := json.Marshal(vbd.Stats())
		return 0, blob

	case MessageXenConnect:
		var p XenConnectParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		vbd := c.server.GetVBD(p.UUID)
		if vbd == nil {
			return tapdisk.ENODEV, nil
		}
		if c.rings[p.UUID] != nil {
			return tapdisk.EEXIST, nil
		}
		ring, err := blkif.Connect(vbd, blkif.ConnectParams{
			Domid:             p.Domid,
			Devid:             p.Devid,
			Grefs:             p.Grefs,
			Order:             p.Order,
			EvtchnPort:        p.EvtchnPort,
			Proto:             uapi.Proto(p.Proto),
			Pool:              p.Pool,
			PollDuration:      time.Duration(p.PollDurationUs) * time.Microsecond,
			PollIdleThreshold: p.PollIdleThreshold,
		})
		if err != nil {
			return errnoOf(err), nil
		}
		c.rings[p.UUID] = ring
		return 0, nil

	case MessageXenDisconnect:
		var p UUIDParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		ring := c.rings[p.UUID]
		if ring == nil {
			return tapdisk.ENODEV, nil
		}
		ring.Close()
		delete(c.rings, p.UUID)
		return 0, nil

	case MessageNBDStart:
		var p NBDStartParams
		if json.Unmarshal(payload, &p) != nil {
			return tapdisk.EINVAL, nil
		}
		vbd := c.server.GetVBD(p.UUID)
		if vbd == nil {
			return tapdisk.ENODEV, nil
		}
		if c.nbds[p.UUID] != nil {
			return tapdisk.EEXIST, nil
		}
		srv := nbd.NewServer(vbd, fmt.Sprintf("vbd-%d", p.UUID))
		if err := srv.ListenUnix(p.Path, p.Newstyle); err != nil {
			srv.Close()
			return errnoOf(err), nil
		}
		if p.FdPath != "" {
			if err := srv.ListenFdReceiver(p.FdPath); err != nil {
				srv.Close()
				return errnoOf(err), nil
			}
		}
		c.nbds[p.UUID] = srv
		return 0, nil
	}

	return tapdisk.EOPNOTSUPP, nil
}
