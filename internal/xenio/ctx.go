// Package xenio manages the per-pool Xen I/O contexts: handles on the
// grant and event-channel drivers shared by every ring in a pool, plus
// the demultiplexer that routes event-channel fires to rings.
package xenio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tapdisk/internal/constants"
	"github.com/behrlich/go-tapdisk/internal/logging"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
	"github.com/behrlich/go-tapdisk/internal/uapi"
)

// RingHandler is a ring registered on a context: the demux resolves a
// pending local port to its ring and lets it process.
type RingHandler interface {
	Port() uint32
	// Notified is called on the event-loop goroutine when the ring's
	// event channel fired.
	Notified()
}

// Ctx is one pool's shared handles. Rings in the pool hold a
// reference; the last Put destroys it.
type Ctx struct {
	pool string

	gntdevFd int
	evtchnFd int

	eventID scheduler.EventID
	sched   *scheduler.Scheduler

	rings  []RingHandler
	refcnt int

	log *logging.Logger
}

var ctxs []*Ctx

// Get returns the context for pool, creating it on first use. An
// empty pool name selects the default pool.
func Get(sched *scheduler.Scheduler, pool string) (*Ctx, error) {
	if pool == "" {
		pool = constants.DefaultPool
	}

	for _, ctx := range ctxs {
		if ctx.pool == pool {
			ctx.refcnt++
			return ctx, nil
		}
	}

	ctx, err := open(sched, pool)
	if err != nil {
		return nil, err
	}
	ctxs = append(ctxs, ctx)
	return ctx, nil
}

// Put drops a reference; the context dies with its last ring.
func Put(ctx *Ctx) {
	ctx.refcnt--
	if ctx.refcnt > 0 {
		return
	}

	for i, c := range ctxs {
		if c == ctx {
			ctxs = append(ctxs[:i], ctxs[i+1:]...)
			break
		}
	}
	ctx.close()
}

func open(sched *scheduler.Scheduler, pool string) (*Ctx, error) {
	gfd, err := unix.Open(uapi.GntdevPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("xenio: open %s: %w", uapi.GntdevPath, err)
	}

	efd, err := unix.Open(uapi.EvtchnPath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(gfd)
		return nil, fmt.Errorf("xenio: open %s: %w", uapi.EvtchnPath, err)
	}

	ctx := &Ctx{
		pool:     pool,
		gntdevFd: gfd,
		evtchnFd: efd,
		sched:    sched,
		refcnt:   1,
		log:      logging.Default().With(pool),
	}

	ctx.eventID, err = sched.RegisterEvent(scheduler.PollReadFD, efd, 0,
		func(scheduler.EventID, scheduler.Mode) { ctx.dispatch() })
	if err != nil {
		ctx.close()
		return nil, err
	}

	ctx.log.Info("context opened")
	return ctx, nil
}

func (ctx *Ctx) close() {
	if ctx.eventID > 0 {
		ctx.sched.UnregisterEvent(ctx.eventID)
	}
	unix.Close(ctx.evtchnFd)
	unix.Close(ctx.gntdevFd)
	ctx.log.Info("context closed")
}

// Pool returns the context's pool name.
func (ctx *Ctx) Pool() string { return ctx.pool }

// AddRing registers a ring for port demultiplexing.
func (ctx *Ctx) AddRing(r RingHandler) {
	ctx.rings = append(ctx.rings, r)
}

// RemoveRing deregisters a ring.
func (ctx *Ctx) RemoveRing(r RingHandler) {
	for i, x := range ctx.rings {
		if x == r {
			ctx.rings = append(ctx.rings[:i], ctx.rings[i+1:]...)
			return
		}
	}
}

// dispatch drains pending ports from the event-channel device and
// routes each to its ring. The port must be written back to re-enable
// delivery before the ring processes, or a notification racing with
// ring processing is lost.
func (ctx *Ctx) dispatch() {
	for {
		var buf [4]byte
		n, err := unix.Read(ctx.evtchnFd, buf[:])
		if n < 4 {
			if err != nil && err != unix.EAGAIN {
				ctx.log.Error("evtchn read", "error", err)
			}
			return
		}
		port := binary.LittleEndian.Uint32(buf[:])

		// Unmask first, then process.
		unix.Write(ctx.evtchnFd, buf[:])

		found := false
		for _, r := range ctx.rings {
			if r.Port() == port {
				r.Notified()
				found = true
				break
			}
		}
		if !found {
			ctx.log.Warn("event on unknown port", "port", port)
		}
	}
}

// BindEvtchn binds an interdomain event channel and returns the local
// port.
func (ctx *Ctx) BindEvtchn(domid uint16, remotePort uint32) (uint32, error) {
	return uapi.EvtchnBindInterdomain(ctx.evtchnFd, domid, remotePort)
}

// UnbindEvtchn releases a local port.
func (ctx *Ctx) UnbindEvtchn(port uint32) error {
	return uapi.EvtchnUnbind(ctx.evtchnFd, port)
}

// Notify signals the frontend behind a local port.
func (ctx *Ctx) Notify(port uint32) error {
	return uapi.EvtchnNotify(ctx.evtchnFd, port)
}

// GrantMap maps the given grant references of domid read-write and
// returns the mapping and the gntdev offset needed to unmap it.
func (ctx *Ctx) GrantMap(domid uint16, refs []uint32) ([]byte, uint64, error) {
	offset, err := uapi.MapGrantRefs(ctx.gntdevFd, domid, refs)
	if err != nil {
		return nil, 0, fmt.Errorf("xenio: map %d grants: %w", len(refs), err)
	}

	mem, err := unix.Mmap(ctx.gntdevFd, int64(offset), len(refs)*uapi.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		uapi.UnmapGrantRefs(ctx.gntdevFd, offset, len(refs))
		return nil, 0, fmt.Errorf("xenio: mmap grants: %w", err)
	}
	return mem, offset, nil
}

// GrantUnmap tears a grant mapping down.
func (ctx *Ctx) GrantUnmap(mem []byte, offset uint64, count int) {
	unix.Munmap(mem)
	if err := uapi.UnmapGrantRefs(ctx.gntdevFd, offset, count); err != nil {
		ctx.log.Error("grant unmap", "error", err)
	}
}

// GrantCopy runs one batched copy; every segment must succeed.
func (ctx *Ctx) GrantCopy(segs []uapi.GrantCopySegment) error {
	return uapi.GrantCopy(ctx.gntdevFd, segs)
}
