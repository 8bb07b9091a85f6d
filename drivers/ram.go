package drivers

import (
	"fmt"
	"strconv"
	"strings"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/constants"
)

func init() {
	tapdisk.RegisterDriver(tapdisk.DiskTypeRAM, func(d *tapdisk.Driver) tapdisk.DriverOps {
		return &ramDriver{d: d}
	})
}

// defaultRAMSectors sizes an unspecified ramdisk at 64 MiB.
const defaultRAMSectors = (64 << 20) >> constants.SectorShift

// ramDriver is a memory-backed disk. The image name may carry a size
// suffix, "name@sectors". Unwritten regions read as zeroes and report
// as holes; written ranges are tracked in an extent map, which also
// backs block-status queries.
type ramDriver struct {
	d *tapdisk.Driver

	data    []byte
	size    uint64
	written *extentMap
}

func parseRAMName(name string) (uint64, error) {
	at := strings.LastIndexByte(name, '@')
	if at < 0 {
		return defaultRAMSectors, nil
	}
	secs, err := strconv.ParseUint(name[at+1:], 10, 64)
	if err != nil || secs == 0 {
		return 0, fmt.Errorf("ram: bad size in %q", name)
	}
	return secs, nil
}

func (r *ramDriver) Open(name string, flags tapdisk.OpenFlag) error {
	secs, err := parseRAMName(name)
	if err != nil {
		return err
	}

	r.size = secs
	r.data = make([]byte, secs<<constants.SectorShift)
	r.written = newExtentMap()
	r.d.Info = tapdisk.DiskInfo{
		Size:       secs,
		SectorSize: constants.SectorSize,
	}
	return nil
}

func (r *ramDriver) Close() error {
	r.data = nil
	return nil
}

func (r *ramDriver) QueueRead(t tapdisk.Treq) {
	off := t.Sec << constants.SectorShift
	copy(t.Buf, r.data[off:off+uint64(t.Secs)<<constants.SectorShift])
	t.Complete(0)
}

func (r *ramDriver) QueueWrite(t tapdisk.Treq) {
	off := t.Sec << constants.SectorShift
	copy(r.data[off:off+uint64(t.Secs)<<constants.SectorShift], t.Buf)
	r.written.mark(t.Sec, t.Secs)
	t.Complete(0)
}

func (r *ramDriver) ParentID() (tapdisk.ParentID, error) {
	return tapdisk.ParentID{}, tapdisk.ErrNoParent
}

func (r *ramDriver) ValidateParent(parent *tapdisk.Driver, flags tapdisk.OpenFlag) error {
	return nil
}

// Extents implements block-status queries.
func (r *ramDriver) Extents(sec uint64, secs int) ([]tapdisk.Extent, error) {
	return r.written.query(sec, secs), nil
}

// Stats contributes allocation accounting to the stats dump.
func (r *ramDriver) Stats() any {
	return map[string]uint64{
		"size_secs":      r.size,
		"allocated_secs": r.written.allocated(),
	}
}
