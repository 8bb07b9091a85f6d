// Package uapi carries the kernel and Xen ABI: shared-ring descriptor
// layouts, gntdev/evtchn ioctls, the legacy blktap character-device
// ring, and the NBD wire protocol. Structures are marshalled by hand,
// field by field, so layout never depends on Go struct alignment.
package uapi

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Xen blkif operations
const (
	BlkifOpRead         = 0
	BlkifOpWrite        = 1
	BlkifOpWriteBarrier = 2
	BlkifOpFlushDiskcache = 3
)

// Xen blkif response status
const (
	BlkifRspOkay       = 0
	BlkifRspError      = -1
	BlkifRspEopnotsupp = -2
)

// BlkifMaxSegments is the per-descriptor segment limit.
const BlkifMaxSegments = 11

// PageSize is the Xen grant page size.
const PageSize = 4096

// Proto selects the descriptor layout of a shared ring. Guests differ
// in word size; the backend must parse whichever layout the frontend
// advertises.
type Proto int

const (
	ProtoNative Proto = 1
	ProtoX86_32 Proto = 2
	ProtoX86_64 Proto = 3
)

func (p Proto) String() string {
	switch p {
	case ProtoNative:
		return "native"
	case ProtoX86_32:
		return "x86_32"
	case ProtoX86_64:
		return "x86_64"
	}
	return fmt.Sprintf("proto-%d", int(p))
}

// Segment is one page-worth of a request: a grant reference plus the
// first and last 512-byte sectors used within that page.
type Segment struct {
	Gref      uint32
	FirstSect uint8
	LastSect  uint8
}

// BlkifRequest is the parsed form of a guest request descriptor. The
// descriptor is copied out of the shared ring exactly once; the guest
// may scribble on the ring afterwards without affecting us.
type BlkifRequest struct {
	Operation   uint8
	NrSegments  uint8
	Handle      uint16
	ID          uint64
	SectorNumber uint64
	Segments    [BlkifMaxSegments]Segment
}

// BlkifResponse is the backend's reply descriptor.
type BlkifResponse struct {
	ID        uint64
	Operation uint8
	Status    int16
}

// Descriptor sizes per protocol. Requests and responses share ring
// slots, so the slot size is the larger of the two.
const (
	reqSizeX86_32 = 108
	reqSizeX86_64 = 112
	rspSizeX86_32 = 12
	rspSizeX86_64 = 16

	// sring header: req_prod, req_event, rsp_prod, rsp_event plus pad
	// to 64 bytes.
	ringHeaderSize = 64

	segSize = 8
)

func (p Proto) requestSize() int {
	if p == ProtoX86_32 {
		return reqSizeX86_32
	}
	return reqSizeX86_64
}

func (p Proto) responseSize() int {
	if p == ProtoX86_32 {
		return rspSizeX86_32
	}
	return rspSizeX86_64
}

func (p Proto) slotSize() int {
	// Requests dominate in every layout.
	return p.requestSize()
}

// RingEntries returns the usable descriptor count of an n-page ring:
// the largest power of two fitting after the header.
func RingEntries(p Proto, pages int) int {
	slots := (pages*PageSize - ringHeaderSize) / p.slotSize()
	n := 1
	for n*2 <= slots {
		n *= 2
	}
	return n
}

// idOffset is where the 64-bit id lands after operation, nr_segments
// and handle. 32-bit x86 aligns u64 to 4 bytes, everything else to 8.
func (p Proto) idOffset() int {
	if p == ProtoX86_32 {
		return 4
	}
	return 8
}

// SharedRing wraps the grant-mapped ring memory. Producer/consumer
// indices are free-running; slot = idx & (entries-1).
type SharedRing struct {
	mem     []byte
	proto   Proto
	entries int
}

// NewSharedRing validates the mapping size and wraps it.
func NewSharedRing(mem []byte, proto Proto, pages int) (*SharedRing, error) {
	if len(mem) < pages*PageSize {
		return nil, fmt.Errorf("uapi: ring mapping %d bytes, want %d", len(mem), pages*PageSize)
	}
	switch proto {
	case ProtoNative, ProtoX86_32, ProtoX86_64:
	default:
		return nil, fmt.Errorf("uapi: unknown ring protocol %d", int(proto))
	}
	return &SharedRing{
		mem:     mem,
		proto:   proto,
		entries: RingEntries(proto, pages),
	}, nil
}

// Entries returns the descriptor count.
func (r *SharedRing) Entries() int { return r.entries }

func (r *SharedRing) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Producer/consumer indices live in the shared header and are written
// concurrently by the guest; all accesses are atomic.

func (r *SharedRing) ReqProd() uint32  { return atomic.LoadUint32(r.word(0)) }
func (r *SharedRing) ReqEvent() uint32 { return atomic.LoadUint32(r.word(4)) }
func (r *SharedRing) RspProd() uint32  { return atomic.LoadUint32(r.word(8)) }
func (r *SharedRing) RspEvent() uint32 { return atomic.LoadUint32(r.word(12)) }

func (r *SharedRing) SetReqEvent(v uint32)  { atomic.StoreUint32(r.word(4), v) }
func (r *SharedRing) StoreRspProd(v uint32) { atomic.StoreUint32(r.word(8), v) }

func (r *SharedRing) slot(idx uint32) int {
	return ringHeaderSize + (int(idx)&(r.entries-1))*r.proto.slotSize()
}

// GetRequest copies the descriptor at idx out of the ring. The atomic
// load of req_prod in ReqProd orders before these reads on the
// consumer side; the copy is field-by-field per protocol.
func (r *SharedRing) GetRequest(idx uint32, req *BlkifRequest) {
	d := r.mem[r.slot(idx):]
	idOff := r.proto.idOffset()

	req.Operation = d[0]
	req.NrSegments = d[1]
	req.Handle = binary.LittleEndian.Uint16(d[2:4])
	req.ID = binary.LittleEndian.Uint64(d[idOff : idOff+8])
	req.SectorNumber = binary.LittleEndian.Uint64(d[idOff+8 : idOff+16])

	nseg := int(req.NrSegments)
	if nseg > BlkifMaxSegments {
		nseg = BlkifMaxSegments
	}
	segBase := idOff + 16
	for i := 0; i < nseg; i++ {
		s := d[segBase+i*segSize:]
		req.Segments[i].Gref = binary.LittleEndian.Uint32(s[0:4])
		req.Segments[i].FirstSect = s[4]
		req.Segments[i].LastSect = s[5]
	}
}

// PutResponse writes a response descriptor at idx. The caller
// publishes it afterwards with StoreRspProd, whose atomic store orders
// these writes first.
func (r *SharedRing) PutResponse(idx uint32, rsp *BlkifResponse) {
	// The id is 4-byte aligned at offset 0 in every layout, so the
	// response encoding is protocol-independent.
	d := r.mem[r.slot(idx):]
	binary.LittleEndian.PutUint64(d[0:8], rsp.ID)
	d[8] = rsp.Operation
	binary.LittleEndian.PutUint16(d[10:12], uint16(rsp.Status))
}

// FinalCheckForRequests is the consumer-side re-check: after consuming
// up to cons, set req_event to cons+1 and report whether more requests
// raced in.
func (r *SharedRing) FinalCheckForRequests(cons uint32) bool {
	if r.ReqProd() != cons {
		return true
	}
	r.SetReqEvent(cons + 1)
	return r.ReqProd() != cons
}

// PushResponses publishes rsp_prod and reports whether the frontend
// asked to be notified (event-counter convention).
func (r *SharedRing) PushResponses(oldProd, newProd uint32) bool {
	r.StoreRspProd(newProd)
	event := r.RspEvent()
	// Notify iff the frontend's event index lies in (old, new].
	return newProd-event <= newProd-oldProd
}
