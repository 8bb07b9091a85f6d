// Package tapdisk implements the core of a userspace block-device I/O
// multiplexer: virtual block devices served by chains of pluggable
// image drivers, fed by shared-ring and NBD frontends, all running on
// one cooperative event loop.
package tapdisk

import (
	"fmt"
	"time"

	"github.com/behrlich/go-tapdisk/internal/aio"
	"github.com/behrlich/go-tapdisk/internal/logging"
)

// DiskType identifies a driver variant. Params strings and x-chain
// descriptors refer to a variant by its name in the type table below.
type DiskType int

const (
	DiskTypeAIO DiskType = iota
	DiskTypeSync
	DiskTypeVMDK
	DiskTypeVhdSync
	DiskTypeVhd
	DiskTypeRAM
	DiskTypeQcow
	DiskTypeBlockCache
	DiskTypeVIndex
	DiskTypeLog
	DiskTypeRemus
	DiskTypeLCache
	DiskTypeLLECache
	DiskTypeLLPCache
	DiskTypeValve
	DiskTypeNBD
	DiskTypeNtnx
	DiskTypeExport

	diskTypeMax
)

// Disk type table flags.
const (
	// TypeSingleController: one driver instance controls every image
	// of this type.
	TypeSingleController = 1 << 0

	// TypeFilter: the driver holds no physical data; its disk info is
	// inherited from its parent during chain validation.
	TypeFilter = 1 << 1
)

type diskInfo struct {
	name  string
	desc  string
	flags uint
}

var diskTypes = [diskTypeMax]diskInfo{
	DiskTypeAIO:        {"aio", "raw image (aio)", 0},
	DiskTypeSync:       {"sync", "raw image (sync)", 0},
	DiskTypeVMDK:       {"vmdk", "vmware image (vmdk)", 0},
	DiskTypeVhdSync:    {"vhdsync", "virtual server image (vhd, sync)", 0},
	DiskTypeVhd:        {"vhd", "virtual server image (vhd)", 0},
	DiskTypeRAM:        {"ram", "ramdisk image (ram)", 0},
	DiskTypeQcow:       {"qcow", "qemu image (qcow)", 0},
	DiskTypeBlockCache: {"bc", "block cache image (bc)", TypeFilter},
	DiskTypeVIndex:     {"vindex", "vhd index image (vindex)", 0},
	DiskTypeLog:        {"log", "write logger (log)", TypeFilter},
	DiskTypeRemus:      {"remus", "remus disk replicator (remus)", TypeFilter},
	DiskTypeLCache:     {"lc", "local parent cache (lc)", TypeFilter},
	DiskTypeLLECache:   {"llecache", "local leaf cache, empty (llecache)", TypeFilter},
	DiskTypeLLPCache:   {"llpcache", "local leaf cache, parent (llpcache)", TypeFilter},
	DiskTypeValve:      {"valve", "group rate limiter (valve)", TypeFilter},
	DiskTypeNBD:        {"nbd", "network block device (nbd)", 0},
	DiskTypeNtnx:       {"ntnx", "nutanix network disk (ntnx)", 0},
	DiskTypeExport:     {"export", "remote image export (export)", TypeFilter},
}

// TypeName returns the serialised name of a disk type.
func TypeName(t DiskType) string {
	if t < 0 || t >= diskTypeMax {
		return "<unknown>"
	}
	return diskTypes[t].name
}

// TypeByName resolves a serialised name to its disk type.
func TypeByName(name string) (DiskType, error) {
	for t, info := range diskTypes {
		if info.name == name {
			return DiskType(t), nil
		}
	}
	return 0, fmt.Errorf("tapdisk: unknown disk type %q", name)
}

// TypeIsFilter reports whether a disk type carries no physical data.
func TypeIsFilter(t DiskType) bool {
	return t >= 0 && t < diskTypeMax && diskTypes[t].flags&TypeFilter != 0
}

// ParseParams splits a "type:path" params string.
func ParseParams(params string) (DiskType, string, error) {
	for i := 0; i < len(params); i++ {
		if params[i] == ':' {
			typ, err := TypeByName(params[:i])
			if err != nil {
				return 0, "", err
			}
			return typ, params[i+1:], nil
		}
	}
	return 0, "", fmt.Errorf("tapdisk: malformed params %q", params)
}

// OpenFlag is the bitmask handed to driver opens.
type OpenFlag uint32

const (
	OpenRdonly OpenFlag = 1 << iota
	OpenRdwr
	OpenQuiet
	OpenQuery
	OpenShareable
	OpenStrict
	OpenAddCache
	OpenVhdIndex
	OpenLogDirty
	OpenLocalCache
	OpenReuseParent
	OpenStandby
	OpenSecondary
	OpenNoODirect
)

// DiskInfo describes an opened image. Size is in sectors.
type DiskInfo struct {
	Size       uint64 `json:"size"`
	SectorSize uint32 `json:"sector_size"`
	Info       uint32 `json:"info"`
}

// Bytes returns the virtual size in bytes.
func (i DiskInfo) Bytes() uint64 {
	return i.Size * uint64(i.SectorSize)
}

// ParentID names the next layer down a chain.
type ParentID struct {
	Name  string
	Type  DiskType
	Flags OpenFlag
}

// DriverOps is the polymorphic image-format interface. Queue methods
// must eventually complete or forward their treq exactly once and must
// not panic on guest-supplied parameters; range violations complete
// with -EINVAL and writes on a read-only image with -EPERM.
type DriverOps interface {
	// Open prepares private state and fills the handle's DiskInfo.
	Open(name string, flags OpenFlag) error
	// Close releases resources. All I/O submitted by this driver has
	// been reaped when it returns.
	Close() error
	QueueRead(t Treq)
	QueueWrite(t Treq)
	// ParentID returns ErrNoParent for the chain root.
	ParentID() (ParentID, error)
	// ValidateParent may veto the chain.
	ValidateParent(parent *Driver, flags OpenFlag) error
}

// BlockStatusDriver is the optional allocation-query capability.
type BlockStatusDriver interface {
	// Extents reports allocation over [sec, sec+secs). Returned
	// extents are contiguous and cover the range.
	Extents(sec uint64, secs int) ([]Extent, error)
}

// StatsDriver optionally contributes to the stats dump.
type StatsDriver interface {
	Stats() any
}

// DebugDriver optionally dumps internal state on the watchdog path.
type DebugDriver interface {
	Debug()
}

// Extent is one run of sectors sharing an allocation state.
type Extent struct {
	Secs      int  `json:"secs"`
	Allocated bool `json:"allocated"`
}

// DriverFactory builds the ops for one driver handle. The handle gives
// the ops access to the server's I/O queue and scheduler.
type DriverFactory func(d *Driver) DriverOps

var driverFactories [diskTypeMax]DriverFactory

// RegisterDriver installs a driver implementation for a disk type.
// Drivers register from init; duplicate registration is a bug.
func RegisterDriver(t DiskType, factory DriverFactory) {
	if t < 0 || t >= diskTypeMax {
		panic(fmt.Sprintf("tapdisk: register driver: bad type %d", t))
	}
	if driverFactories[t] != nil {
		panic(fmt.Sprintf("tapdisk: driver %q registered twice", TypeName(t)))
	}
	driverFactories[t] = factory
}

// driver handle state
type driverState uint

const (
	driverOpen driverState = 1 << iota
	driverRdonly
)

// Driver is the open form of a named image: one per (type, name) when
// shareable, reference-counted across the images that use it.
type Driver struct {
	Type    DiskType
	Name    string
	Storage StorageType

	refcnt int
	state  driverState

	Info DiskInfo

	ops     DriverOps
	server  *Server
	limiter *logging.Limiter
	log     *logging.Logger
}

func allocDriver(server *Server, typ DiskType, name string, flags OpenFlag) (*Driver, error) {
	factory := driverFactories[typ]
	if factory == nil {
		return nil, NewError("allocate-driver", ErrCodeNotSupported,
			fmt.Sprintf("no driver for type %q", TypeName(typ)))
	}

	storage, err := ProbeStorage(name)
	if err != nil {
		storage = StorageTypeUnknown
	}

	d := &Driver{
		Type:    typ,
		Name:    name,
		Storage: storage,
		limiter: logging.NewLimiter(128, 16*time.Second),
		log:     logging.Default().With(TypeName(typ)),
	}
	if flags&OpenRdonly != 0 {
		d.state |= driverRdonly
	}
	d.ops = factory(d)
	if d.ops == nil {
		return nil, NewError("allocate-driver", ErrCodeNoMemory, "driver factory failed")
	}
	return d, nil
}

// IsOpen reports whether the driver has been opened.
func (d *Driver) IsOpen() bool { return d.state&driverOpen != 0 }

// IsRdonly reports whether the driver was opened read-only.
func (d *Driver) IsRdonly() bool { return d.state&driverRdonly != 0 }

// Refcnt returns the number of images sharing this driver.
func (d *Driver) Refcnt() int { return d.refcnt }

// Server returns the owning server; drivers reach the scheduler and
// the I/O queue through it.
func (d *Driver) Server() *Server { return d.server }

// QueueTiocb hands an asynchronous I/O request to the server queue.
func (d *Driver) QueueTiocb(t *aio.Tiocb) {
	d.server.queue.Queue(t)
}

// LogPass rate-limits driver logging; when it returns false the line
// should be dropped.
func (d *Driver) LogPass() bool {
	ok := d.limiter.Pass(time.Now())
	if ok {
		if n := d.limiter.Dropped(); n > 0 {
			d.log.Warn("log limiter", "dropped", n)
		}
	}
	return ok
}

// Log returns the driver's component logger.
func (d *Driver) Log() *logging.Logger { return d.log }
