// Package nbd exports one VBD over the NBD protocol, speaking both the
// old fixed handshake and fixed-newstyle negotiation with structured
// replies and base:allocation block status. The server runs entirely
// on the tapdisk event loop over non-blocking sockets.
package nbd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/logging"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
	"github.com/behrlich/go-tapdisk/internal/uapi"
)

// listener is one accepting socket.
type listener struct {
	fd       int
	path     string
	eventID  scheduler.EventID
	newstyle bool
	receiver bool
}

// Server exports a VBD. It registers as a frontend on the VBD so pause
// and teardown flow through the usual lifecycle.
type Server struct {
	vbd    *tapdisk.VBD
	sched  *scheduler.Scheduler
	export string

	listeners []*listener
	clients   []*Client

	paused bool
	closed bool

	log *logging.Logger
}

// NewServer creates an NBD server for the VBD. Listeners are added
// separately.
func NewServer(vbd *tapdisk.VBD, exportName string) *Server {
	s := &Server{
		vbd:    vbd,
		sched:  vbd.Server().Scheduler(),
		export: exportName,
		log:    logging.Default().With(fmt.Sprintf("nbd-%d", vbd.UUID)),
	}
	vbd.AddFrontend(s)
	return s
}

// UnixSocketPath returns the well-known per-pid/uuid export path.
func UnixSocketPath(root string, uuid uint16) string {
	return fmt.Sprintf("%s/nbd%d.%d", root, os.Getpid(), uuid)
}

// FdSocketPath returns the well-known fd-receiver path.
func FdSocketPath(root string, uuid uint16) string {
	return fmt.Sprintf("%s/nbd-fd%d.%d", root, os.Getpid(), uuid)
}

func (s *Server) listenUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	os.Remove(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ListenUnix starts accepting clients on a unix socket. newstyle
// selects fixed-newstyle negotiation; otherwise the old 152-byte
// banner is sent and transmission starts immediately.
func (s *Server) ListenUnix(path string, newstyle bool) error {
	fd, err := s.listenUnix(path)
	if err != nil {
		return tapdisk.WrapError("nbd-listen", err)
	}

	l := &listener{fd: fd, path: path, newstyle: newstyle}
	l.eventID, err = s.sched.RegisterEvent(scheduler.PollReadFD, fd, 0,
		func(scheduler.EventID, scheduler.Mode) { s.accept(l) })
	if err != nil {
		unix.Close(fd)
		os.Remove(path)
		return err
	}

	s.listeners = append(s.listeners, l)
	s.log.Info("listening", "path", path, "newstyle", newstyle)
	return nil
}

// ListenFdReceiver starts the single-connection fd handoff socket: a
// peer passes an already-negotiated connection via SCM_RIGHTS and the
// server adopts it directly in the transmission phase.
func (s *Server) ListenFdReceiver(path string) error {
	fd, err := s.listenUnix(path)
	if err != nil {
		return tapdisk.WrapError("nbd-listen", err)
	}

	l := &listener{fd: fd, path: path, receiver: true}
	l.eventID, err = s.sched.RegisterEvent(scheduler.PollReadFD, fd, 0,
		func(scheduler.EventID, scheduler.Mode) { s.acceptReceiver(l) })
	if err != nil {
		unix.Close(fd)
		os.Remove(path)
		return err
	}

	s.listeners = append(s.listeners, l)
	s.log.Info("fd receiver listening", "path", path)
	return nil
}

func (s *Server) accept(l *listener) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN {
			s.log.Error("accept", "error", err)
		}
		return
	}

	if _, err := s.newClient(nfd, l.newstyle); err != nil {
		s.log.Error("client setup", "error", err)
		unix.Close(nfd)
	}
}

func (s *Server) acceptReceiver(l *listener) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err != unix.EAGAIN {
			s.log.Error("accept fd receiver", "error", err)
		}
		return
	}
	defer unix.Close(nfd)

	// One ancillary message carrying the handed-over connection.
	buf := make([]byte, 256)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(nfd, buf, oob, 0)
	if err != nil {
		s.log.Error("fd receive", "error", err)
		return
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		s.log.Error("fd receive: no control message")
		return
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		s.log.Error("fd receive: no rights")
		return
	}

	passed := fds[0]
	unix.SetNonblock(passed, true)

	c, err := s.newClientAdopted(passed)
	if err != nil {
		s.log.Error("adopted client setup", "error", err)
		unix.Close(passed)
		return
	}
	// Negotiation already happened on the sending side.
	c.enterTransmission()
	s.log.Info("adopted negotiated connection", "fd", passed)
}

func (s *Server) removeClient(c *Client) {
	for i, x := range s.clients {
		if x == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

// Frontend interface

// Kick is a no-op: NBD responses are written at completion time.
func (s *Server) Kick() {}

// Mask pauses or resumes all client and listener events, keeping
// allocated state.
func (s *Server) Mask(masked bool) {
	if masked {
		s.Pause()
	} else {
		s.Unpause()
	}
}

// Pending sums in-flight requests over all clients.
func (s *Server) Pending() int {
	n := 0
	for _, c := range s.clients {
		n += c.pending
	}
	return n
}

// Pause disables every event without dropping connections.
func (s *Server) Pause() {
	s.paused = true
	for _, l := range s.listeners {
		s.sched.MaskEvent(l.eventID, true)
	}
	for _, c := range s.clients {
		s.sched.MaskEvent(c.eventID, true)
	}
	s.log.Info("paused")
}

// Unpause re-enables events.
func (s *Server) Unpause() {
	s.paused = false
	for _, l := range s.listeners {
		s.sched.MaskEvent(l.eventID, false)
	}
	for _, c := range s.clients {
		if !c.dead && c.freeSlots() > 0 {
			s.sched.MaskEvent(c.eventID, false)
		}
	}
	s.log.Info("unpaused")
}

// Close tears the server down. Clients with pending requests drain
// first.
func (s *Server) Close() {
	if s.closed {
		return
	}
	s.closed = true

	for _, l := range s.listeners {
		s.sched.UnregisterEvent(l.eventID)
		unix.Close(l.fd)
		os.Remove(l.path)
	}
	s.listeners = nil

	for _, c := range append([]*Client(nil), s.clients...) {
		c.close()
	}

	s.vbd.RemoveFrontend(s)
	if s.Pending() == 0 {
		s.vbd.ReleaseFrontend(s)
	}
	s.log.Info("closed")
}

// exportFlags advertises the export's transmission flags.
func (s *Server) exportFlags() uint16 {
	flags := uint16(uapi.NBDFlagHasFlags | uapi.NBDFlagSendFlush)
	if s.vbd.Rdonly() {
		flags |= uapi.NBDFlagReadOnly
	}
	return flags
}

func (s *Server) exportSize() uint64 {
	info, err := s.vbd.Info()
	if err != nil {
		return 0
	}
	return info.Bytes()
}
