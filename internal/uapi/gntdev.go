package uapi

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrInsufficientData is returned when a wire buffer is too short.
var ErrInsufficientData = errors.New("uapi: insufficient data")

// Device nodes of the Xen pvops drivers.
const (
	GntdevPath = "/dev/xen/gntdev"
	EvtchnPath = "/dev/xen/evtchn"
)

// gntdev ioctl numbers ('G' class, struct-sized).
var (
	IoctlGntdevMapGrantRef   = ioctlIOC(ioctlNone, 'G', 0, 24)
	IoctlGntdevUnmapGrantRef = ioctlIOC(ioctlNone, 'G', 1, 16)
	IoctlGntdevGrantCopy     = ioctlIOC(ioctlNone, 'G', 8, 16)
)

const (
	ioctlNone  = 0
	ioctlWrite = 1
	ioctlRead  = 2
)

// ioctlIOC builds a classic _IOC request number.
func ioctlIOC(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

// GrantRef names one granted page of a foreign domain.
type GrantRef struct {
	Domid uint32
	Ref   uint32
}

// MapGrantRefs maps count grant references through gntdev and returns
// the mmap offset to use. refs belong to domid.
func MapGrantRefs(fd int, domid uint16, refs []uint32) (offset uint64, err error) {
	// struct ioctl_gntdev_map_grant_ref:
	//   u32 count; u32 pad; u64 index (out);
	//   struct { u32 domid; u32 ref; } refs[count];
	buf := make([]byte, 16+8*len(refs))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(refs)))
	for i, ref := range refs {
		binary.LittleEndian.PutUint32(buf[16+8*i:], uint32(domid))
		binary.LittleEndian.PutUint32(buf[20+8*i:], ref)
	}

	if err := ioctl(fd, IoctlGntdevMapGrantRef, unsafe.Pointer(&buf[0])); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[8:16]), nil
}

// UnmapGrantRefs releases a mapping previously set up at offset.
func UnmapGrantRefs(fd int, offset uint64, count int) error {
	// struct ioctl_gntdev_unmap_grant_ref: u64 index; u32 count; u32 pad;
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(count))
	return ioctl(fd, IoctlGntdevUnmapGrantRef, unsafe.Pointer(&buf[0]))
}

// Grant-copy direction flags.
const (
	GntcopySourceGref = 1 << 0
	GntcopyDestGref   = 1 << 1
)

// GNTSTOkay is the per-segment success status.
const GNTSTOkay = 0

// GrantCopySegment describes one copy between local memory and a
// foreign granted page.
type GrantCopySegment struct {
	// Flags selects which side is the granted one.
	Flags uint16
	Len   uint16

	// Local side
	Ptr unsafe.Pointer

	// Granted side
	Ref    uint32
	Offset uint16
	Domid  uint16

	// Status is filled by the kernel.
	Status int16
}

const grantCopySegSize = 40

// GrantCopy performs one batched grant-copy ioctl. Every segment must
// come back GNTST_okay for the call to succeed; on the first failing
// segment it returns ErrGrantCopy, with that segment's status left in
// its Status field.
func GrantCopy(fd int, segs []GrantCopySegment) error {
	if len(segs) == 0 {
		return nil
	}

	// struct ioctl_gntdev_grant_copy: u32 count; u32 pad; u64 segments;
	// struct gntdev_grant_copy_segment {
	//   union { void *virt; struct { grant_ref_t ref; u16 offset; u16 domid; } foreign; } source;
	//   union { ... } dest;
	//   u16 len; u16 flags; s16 status; u16 pad;
	// };
	raw := make([]byte, grantCopySegSize*len(segs))
	for i := range segs {
		s := &segs[i]
		d := raw[i*grantCopySegSize:]

		srcForeign := s.Flags&GntcopySourceGref != 0
		// source union at 0, dest union at 16
		if srcForeign {
			binary.LittleEndian.PutUint32(d[0:4], s.Ref)
			binary.LittleEndian.PutUint16(d[4:6], s.Offset)
			binary.LittleEndian.PutUint16(d[6:8], s.Domid)
			putPointer(d[16:24], s.Ptr)
		} else {
			putPointer(d[0:8], s.Ptr)
			binary.LittleEndian.PutUint32(d[16:20], s.Ref)
			binary.LittleEndian.PutUint16(d[20:22], s.Offset)
			binary.LittleEndian.PutUint16(d[22:24], s.Domid)
		}
		binary.LittleEndian.PutUint16(d[32:34], s.Len)
		binary.LittleEndian.PutUint16(d[34:36], s.Flags)
	}

	var arg [16]byte
	binary.LittleEndian.PutUint32(arg[0:4], uint32(len(segs)))
	putPointer(arg[8:16], unsafe.Pointer(&raw[0]))

	if err := ioctl(fd, IoctlGntdevGrantCopy, unsafe.Pointer(&arg[0])); err != nil {
		return err
	}

	for i := range segs {
		d := raw[i*grantCopySegSize:]
		segs[i].Status = int16(binary.LittleEndian.Uint16(d[36:38]))
		if segs[i].Status != GNTSTOkay {
			return ErrGrantCopy
		}
	}
	return nil
}

// ErrGrantCopy flags a per-segment grant-copy failure.
var ErrGrantCopy = errors.New("uapi: grant copy segment failed")

func putPointer(d []byte, p unsafe.Pointer) {
	binary.LittleEndian.PutUint64(d[0:8], uint64(uintptr(p)))
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// evtchn ioctls ('E' class).
var (
	IoctlEvtchnBindInterdomain = ioctlIOC(ioctlNone, 'E', 0, 8)
	IoctlEvtchnUnbind          = ioctlIOC(ioctlNone, 'E', 3, 4)
	IoctlEvtchnNotify          = ioctlIOC(ioctlNone, 'E', 4, 4)
)

// EvtchnBindInterdomain binds a remote (domid, port) pair and returns
// the local port.
func EvtchnBindInterdomain(fd int, domid uint16, remotePort uint32) (uint32, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(domid))
	binary.LittleEndian.PutUint32(buf[4:8], remotePort)

	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		IoctlEvtchnBindInterdomain, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return 0, errno
	}
	return uint32(r1), nil
}

// EvtchnUnbind releases a local port.
func EvtchnUnbind(fd int, port uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[0:4], port)
	return ioctl(fd, IoctlEvtchnUnbind, unsafe.Pointer(&buf[0]))
}

// EvtchnNotify signals the remote end of a local port.
func EvtchnNotify(fd int, port uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[0:4], port)
	return ioctl(fd, IoctlEvtchnNotify, unsafe.Pointer(&buf[0]))
}
