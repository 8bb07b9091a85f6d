// Package drivers provides the in-tree image drivers: raw files and
// block devices over the async I/O queue, an in-memory disk, and the
// valve and log filter layers. Importing the package registers them.
package drivers

import (
	"unsafe"

	"golang.org/x/sys/unix"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/aio"
	"github.com/behrlich/go-tapdisk/internal/constants"
)

// ioctlGetUint64 issues an ioctl that returns a uint64 through its
// argument pointer, such as BLKGETSIZE64.
func ioctlGetUint64(fd int, req uint) (uint64, error) {
	var value uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&value)))
	if errno != 0 {
		return 0, errno
	}
	return value, nil
}

func init() {
	tapdisk.RegisterDriver(tapdisk.DiskTypeAIO, func(d *tapdisk.Driver) tapdisk.DriverOps {
		return &aioDriver{d: d}
	})
	tapdisk.RegisterDriver(tapdisk.DiskTypeSync, func(d *tapdisk.Driver) tapdisk.DriverOps {
		return &aioDriver{d: d, sync: true}
	})
}

// aioDriver serves raw images: plain files or block devices. All I/O
// goes through the server's submission queue; the sync variant only
// differs in open flags.
type aioDriver struct {
	d    *tapdisk.Driver
	sync bool

	fd   int
	size uint64 // sectors

	// tiocbs are recycled per driver; the queue depth bounds how many
	// are in flight.
	tiocbs []*aio.Tiocb
}

func (a *aioDriver) Open(name string, flags tapdisk.OpenFlag) error {
	oflags := unix.O_RDWR
	if flags&tapdisk.OpenRdonly != 0 {
		oflags = unix.O_RDONLY
	}
	if !a.sync && flags&tapdisk.OpenNoODirect == 0 {
		oflags |= unix.O_DIRECT
	}

	fd, err := unix.Open(name, oflags|unix.O_CLOEXEC, 0)
	if err == unix.EINVAL && oflags&unix.O_DIRECT != 0 {
		// Filesystem without O_DIRECT support.
		oflags &^= unix.O_DIRECT
		fd, err = unix.Open(name, oflags|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return err
	}

	size, err := imageSize(fd)
	if err != nil {
		unix.Close(fd)
		return err
	}

	a.fd = fd
	a.size = size >> constants.SectorShift
	a.d.Info = tapdisk.DiskInfo{
		Size:       a.size,
		SectorSize: constants.SectorSize,
	}
	return nil
}

func imageSize(fd int) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFBLK {
		return ioctlGetUint64(fd, unix.BLKGETSIZE64)
	}
	return uint64(st.Size), nil
}

func (a *aioDriver) Close() error {
	// The VBD drains its pending queue before closing the chain, so
	// no tiocb of ours is still with the kernel here.
	if a.fd > 0 {
		unix.Close(a.fd)
		a.fd = -1
	}
	return nil
}

func (a *aioDriver) getTiocb() *aio.Tiocb {
	if n := len(a.tiocbs); n > 0 {
		t := a.tiocbs[n-1]
		a.tiocbs = a.tiocbs[:n-1]
		return t
	}
	return new(aio.Tiocb)
}

func (a *aioDriver) putTiocb(t *aio.Tiocb) {
	a.tiocbs = append(a.tiocbs, t)
}

func (a *aioDriver) complete(t *aio.Tiocb, err int) {
	treq := t.Arg.(tapdisk.Treq)
	a.putTiocb(t)
	treq.Complete(err)
}

func (a *aioDriver) QueueRead(t tapdisk.Treq) {
	tiocb := a.getTiocb()
	aio.PrepRead(tiocb, a.fd, t.Buf,
		int64(t.Sec)<<constants.SectorShift, a.complete, t)
	a.d.QueueTiocb(tiocb)
}

func (a *aioDriver) QueueWrite(t tapdisk.Treq) {
	tiocb := a.getTiocb()
	aio.PrepWrite(tiocb, a.fd, t.Buf,
		int64(t.Sec)<<constants.SectorShift, a.complete, t)
	a.d.QueueTiocb(tiocb)
}

func (a *aioDriver) ParentID() (tapdisk.ParentID, error) {
	return tapdisk.ParentID{}, tapdisk.ErrNoParent
}

func (a *aioDriver) ValidateParent(parent *tapdisk.Driver, flags tapdisk.OpenFlag) error {
	// Raw images carry the whole disk; nothing may sit below them.
	return unix.EINVAL
}
