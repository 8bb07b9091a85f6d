package tapdisk

import (
	"time"

	"github.com/behrlich/go-tapdisk/internal/aio"
	"github.com/behrlich/go-tapdisk/internal/constants"
	"github.com/behrlich/go-tapdisk/internal/logging"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
)

// Params configures a server.
type Params struct {
	// QueueDepth is the async I/O submission queue size.
	QueueDepth int
	// AIOBackend selects the aio backend ("uring", "sync", "" for
	// auto).
	AIOBackend string
	// Logger overrides the default logger.
	Logger *logging.Logger
}

// DefaultParams returns the standard server configuration.
func DefaultParams() Params {
	return Params{
		QueueDepth: constants.QueueTiocbs,
	}
}

// Server owns the process-wide state: the scheduler, the async I/O
// queue and the VBD list. Everything runs on the goroutine calling
// Run; there are no worker threads in the core.
type Server struct {
	sched *scheduler.Scheduler
	queue *aio.Queue

	vbds []*VBD

	memMode MemoryMode

	run bool
	log *logging.Logger
}

// MemoryMode throttles ring ingestion under memory pressure. In LOW
// mode no new descriptor enters the pipeline while anything is in
// flight, and one enters once nothing is.
type MemoryMode int

const (
	MemoryModeNormal MemoryMode = iota
	MemoryModeLow
)

// MemoryMode returns the current throttling mode.
func (s *Server) MemoryMode() MemoryMode { return s.memMode }

// SetMemoryMode switches the throttling mode.
func (s *Server) SetMemoryMode(m MemoryMode) { s.memMode = m }

// NewServer builds a server and its I/O queue.
func NewServer(params Params) (*Server, error) {
	if params.QueueDepth <= 0 {
		params.QueueDepth = constants.QueueTiocbs
	}
	log := params.Logger
	if log == nil {
		log = logging.Default()
	}

	s := &Server{
		sched: scheduler.New(),
		log:   log.With("server"),
	}

	queue, err := aio.NewQueue(s.sched, params.QueueDepth, params.AIOBackend)
	if err != nil {
		return nil, err
	}
	s.queue = queue
	return s, nil
}

// Scheduler exposes the event loop for frontends.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.sched }

// Queue exposes the async I/O queue for drivers.
func (s *Server) Queue() *aio.Queue { return s.queue }

func (s *Server) addVBD(vbd *VBD) {
	s.vbds = append(s.vbds, vbd)
}

func (s *Server) removeVBD(vbd *VBD) {
	for i, v := range s.vbds {
		if v == vbd {
			s.vbds = append(s.vbds[:i], s.vbds[i+1:]...)
			return
		}
	}
}

// GetVBD looks a VBD up by uuid.
func (s *Server) GetVBD(uuid uint16) *VBD {
	for _, vbd := range s.vbds {
		if vbd.UUID == uuid {
			return vbd
		}
	}
	return nil
}

// VBDs returns the attached devices.
func (s *Server) VBDs() []*VBD { return s.vbds }

// sharedDriver finds an open shareable driver for (type, name) across
// every chain, so at most one instance backs all readers.
func (s *Server) sharedDriver(typ DiskType, name string) *Driver {
	for _, vbd := range s.vbds {
		for _, img := range vbd.images {
			if img.Type == typ && img.Name == name &&
				img.Flags&OpenShareable != 0 && img.driver != nil {
				return img.driver
			}
		}
	}
	return nil
}

func (s *Server) setRetryTimeout() {
	for _, vbd := range s.vbds {
		if vbd.RetryNeeded() {
			s.sched.SetMaxTimeout(constants.RetryInterval)
			return
		}
	}
}

func (s *Server) checkProgress() {
	now := time.Now()
	for _, vbd := range s.vbds {
		vbd.CheckProgress(now)
	}
}

func (s *Server) checkVBDs() {
	for _, vbd := range append([]*VBD(nil), s.vbds...) {
		vbd.IssueRequests()
		vbd.CheckState()
	}
}

func (s *Server) kickResponses() {
	for _, vbd := range s.vbds {
		vbd.Kick()
	}
}

// Iterate runs one event-loop pass: wait, dispatch, submit queued
// disk I/O, advance VBD state machines, push responses.
func (s *Server) Iterate() error {
	s.setRetryTimeout()
	s.checkProgress()

	if _, err := s.sched.WaitForEvents(); err != nil {
		return err
	}

	s.queue.SubmitAll()
	s.checkVBDs()
	s.queue.SubmitAll()
	s.kickResponses()
	return nil
}

// Run loops until Stop is called or no event source remains.
func (s *Server) Run() error {
	s.run = true
	s.log.Info("running")

	for s.run {
		if err := s.Iterate(); err != nil {
			if err == scheduler.ErrNoEvents {
				s.log.Info("no events left, exiting")
				return nil
			}
			return err
		}
	}
	return nil
}

// Stop makes Run return after the current pass.
func (s *Server) Stop() {
	s.run = false
}

// Debug dumps the queue and every VBD.
func (s *Server) Debug() {
	s.queue.Debug()
	for _, vbd := range s.vbds {
		vbd.Debug()
	}
}

// Close tears the server down. VBDs must already be closed.
func (s *Server) Close() {
	s.queue.Free()
}
