package constants

import "time"

// Sector geometry. All wire offsets and counts are in 512-byte sectors
// regardless of what a driver reports for its own block size.
const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift
)

// Frontend ring limits
const (
	// MaxSegmentsPerRequest is the Xen blkif segment limit per descriptor.
	MaxSegmentsPerRequest = 11

	// MaxRingPageOrder bounds the number of shared ring pages (2^order).
	MaxRingPageOrder = 4

	// DataRequests is the per-VBD request slab size.
	DataRequests = 32
)

// VBD retry and watchdog policy
const (
	// RetryInterval is how long a failed request sits on the failed list
	// before it is reissued.
	RetryInterval = 1 * time.Second

	// MaxRetries caps reissue attempts per request.
	MaxRetries = 100

	// WatchdogTimeout is the stall window: pending requests with no
	// progress for this long trigger a one-shot diagnostic dump.
	WatchdogTimeout = 10 * time.Second

	// RequestTimeout is the age at which a single request is reported
	// in the stall dump.
	RequestTimeout = 120 * time.Second
)

// Async I/O queue sizing
const (
	// QueueTiocbs is the process-wide submission queue depth: the data
	// request slab plus headroom for driver metadata I/O.
	QueueTiocbs = DataRequests + 50
)

// NBD server limits
const (
	// NBDServerNumReqs is the per-client request pool size.
	NBDServerNumReqs = 8

	// NBDMaxOptions caps handshake options per connection.
	NBDMaxOptions = 32

	// NBDMaxOptionLen caps a single option payload.
	NBDMaxOptionLen = 64 << 20

	// NBDTimeout is the client-side request timeout used by the NBD
	// chain driver.
	NBDTimeout = 30 * time.Second
)

// DefaultPool is the xenio context pool used when a ring is connected
// without naming one.
const DefaultPool = "td-xenio-default"
