package drivers

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/scheduler"
)

func init() {
	tapdisk.RegisterDriver(tapdisk.DiskTypeValve, func(d *tapdisk.Driver) tapdisk.DriverOps {
		return &valveDriver{d: d}
	})
}

// valveDriver is a rate-limiting filter: it holds no data and forwards
// every request, delaying dispatch to keep the chain under a sector
// budget. The image name is the limit in sectors per second; 0 is
// unlimited. Delayed requests park on a wait list released by a
// scheduler timer, so the event loop never sleeps.
type valveDriver struct {
	d *tapdisk.Driver

	limiter *rate.Limiter
	waiting []tapdisk.Treq
	timer   scheduler.EventID
}

func (v *valveDriver) Open(name string, flags tapdisk.OpenFlag) error {
	secsPerSec, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return fmt.Errorf("valve: bad rate %q", name)
	}

	if secsPerSec > 0 {
		v.limiter = rate.NewLimiter(rate.Limit(secsPerSec), int(secsPerSec))
	}

	sched := v.d.Server().Scheduler()
	v.timer, err = sched.RegisterEvent(scheduler.PollTimeout, -1, scheduler.TimeoutInf,
		func(scheduler.EventID, scheduler.Mode) { v.release() })
	return err
}

func (v *valveDriver) Close() error {
	v.d.Server().Scheduler().UnregisterEvent(v.timer)
	// Whatever is still parked goes down the chain unthrottled.
	for _, t := range v.waiting {
		t.Forward()
	}
	v.waiting = nil
	return nil
}

// admit forwards the treq if the bucket covers it, else parks it.
func (v *valveDriver) admit(t tapdisk.Treq) {
	if v.limiter == nil {
		t.Forward()
		return
	}

	if len(v.waiting) == 0 {
		res := v.limiter.ReserveN(time.Now(), t.Secs)
		if !res.OK() {
			// Burst smaller than the request; let it through rather
			// than stall forever.
			t.Forward()
			return
		}
		d := res.Delay()
		if d == 0 {
			t.Forward()
			return
		}
		// Park: release() takes a fresh reservation when the timer
		// fires.
		res.Cancel()
		v.arm(d)
	}
	v.waiting = append(v.waiting, t)
}

func (v *valveDriver) arm(d time.Duration) {
	v.d.Server().Scheduler().SetTimeout(v.timer, d)
}

// release drains the wait list as the bucket refills.
func (v *valveDriver) release() {
	for len(v.waiting) > 0 {
		t := v.waiting[0]
		res := v.limiter.ReserveN(time.Now(), t.Secs)
		if !res.OK() {
			v.waiting = v.waiting[1:]
			t.Forward()
			continue
		}
		if d := res.Delay(); d > 0 {
			res.Cancel()
			v.arm(d)
			return
		}
		v.waiting = v.waiting[1:]
		t.Forward()
	}
	v.d.Server().Scheduler().SetTimeout(v.timer, scheduler.TimeoutInf)
}

func (v *valveDriver) QueueRead(t tapdisk.Treq) {
	v.admit(t)
}

func (v *valveDriver) QueueWrite(t tapdisk.Treq) {
	v.admit(t)
}

func (v *valveDriver) ParentID() (tapdisk.ParentID, error) {
	// Filters never know their parent; the chain builder supplies it.
	return tapdisk.ParentID{}, tapdisk.ErrNoParent
}

func (v *valveDriver) ValidateParent(parent *tapdisk.Driver, flags tapdisk.OpenFlag) error {
	return nil
}
