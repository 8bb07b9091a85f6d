package drivers

import (
	tapdisk "github.com/behrlich/go-tapdisk"
)

func init() {
	tapdisk.RegisterDriver(tapdisk.DiskTypeLog, func(d *tapdisk.Driver) tapdisk.DriverOps {
		return &logDriver{d: d}
	})
}

// logDriver records which sector ranges have been dirtied by writes.
// Reads pass straight down the chain; writes are forwarded with an
// interposed callback so only successful writes mark the map.
type logDriver struct {
	d *tapdisk.Driver

	dirty  *extentMap
	writes uint64
	failed uint64
}

func (l *logDriver) Open(name string, flags tapdisk.OpenFlag) error {
	l.dirty = newExtentMap()
	return nil
}

func (l *logDriver) Close() error {
	return nil
}

func (l *logDriver) QueueRead(t tapdisk.Treq) {
	t.Forward()
}

func (l *logDriver) QueueWrite(t tapdisk.Treq) {
	// Interpose on completion; the original callback is restored
	// before the result travels up.
	inner := t.Cb
	t.Data = inner
	t.Cb = l.completeWrite
	t.Forward()
}

func (l *logDriver) completeWrite(t tapdisk.Treq, err int) {
	inner := t.Data.(tapdisk.TreqCallback)
	t.Cb = inner
	t.Data = nil

	if err == 0 {
		l.dirty.mark(t.Sec, t.Secs)
		l.writes++
	} else {
		l.failed++
	}
	inner(t, err)
}

func (l *logDriver) ParentID() (tapdisk.ParentID, error) {
	return tapdisk.ParentID{}, tapdisk.ErrNoParent
}

func (l *logDriver) ValidateParent(parent *tapdisk.Driver, flags tapdisk.OpenFlag) error {
	return nil
}

// Extents reports the dirty map, letting block-status run against a
// logged chain.
func (l *logDriver) Extents(sec uint64, secs int) ([]tapdisk.Extent, error) {
	return l.dirty.query(sec, secs), nil
}

// Stats exposes the write log counters.
func (l *logDriver) Stats() any {
	return map[string]uint64{
		"writes":     l.writes,
		"failed":     l.failed,
		"dirty_secs": l.dirty.allocated(),
	}
}
