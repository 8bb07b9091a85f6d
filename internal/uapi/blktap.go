package uapi

import "encoding/binary"

// Legacy blktap character-device ring. The layout differs from the Xen
// ring: segments carry no grant reference (data pages are mmapped from
// the device) and the descriptor is always native-layout.

const (
	BlktapMaxSegments = 11

	blktapReqSize = 112
	blktapRspSize = 16
)

// BlktapSegment addresses sectors within one mapped page.
type BlktapSegment struct {
	FirstSect uint8
	LastSect  uint8
}

// BlktapRingRequest mirrors struct blktap_ring_request.
type BlktapRingRequest struct {
	Operation    uint8
	NrSegments   uint8
	ID           uint64
	SectorNumber uint64
	Segments     [BlktapMaxSegments]BlktapSegment
}

// BlktapRingResponse mirrors struct blktap_ring_response.
type BlktapRingResponse struct {
	ID        uint64
	Operation uint8
	Status    int16
}

// MarshalBlktapResponse encodes a response descriptor.
func MarshalBlktapResponse(rsp *BlktapRingResponse) []byte {
	buf := make([]byte, blktapRspSize)
	binary.LittleEndian.PutUint64(buf[0:8], rsp.ID)
	buf[8] = rsp.Operation
	binary.LittleEndian.PutUint16(buf[10:12], uint16(rsp.Status))
	return buf
}

// UnmarshalBlktapRequest decodes a request descriptor.
func UnmarshalBlktapRequest(data []byte, req *BlktapRingRequest) error {
	if len(data) < blktapReqSize {
		return ErrInsufficientData
	}
	req.Operation = data[0]
	req.NrSegments = data[1]
	req.ID = binary.LittleEndian.Uint64(data[8:16])
	req.SectorNumber = binary.LittleEndian.Uint64(data[16:24])
	for i := 0; i < BlktapMaxSegments; i++ {
		s := data[24+i*8:]
		req.Segments[i].FirstSect = s[0]
		req.Segments[i].LastSect = s[1]
	}
	return nil
}

// blktap control ioctls
const (
	BlktapIoctlRespond            = 1
	BlktapIoctlAllocTap           = 200
	BlktapIoctlFreeTap            = 201
	BlktapIoctlCreateDeviceCompat = 202
	BlktapIoctlRemoveDevice       = 207
	BlktapIoctlCreateDevice       = 208
)

// BlktapDeviceInfo is the CREATE_DEVICE payload.
type BlktapDeviceInfo struct {
	Capacity           uint64
	SectorSize         uint32
	PhysicalSectorSize uint32
	Flags              uint32
}

// BlktapDeviceFlagRO marks the device read-only.
const BlktapDeviceFlagRO = 1

// CompatCreateDevice reports whether the legacy CREATE_DEVICE payload
// (capacity + sector size only) suffices for this device.
func (i *BlktapDeviceInfo) CompatCreateDevice() bool {
	return i.Flags == 0 && i.PhysicalSectorSize == i.SectorSize
}

// MarshalBlktapDeviceInfo encodes the CREATE_DEVICE payload.
func MarshalBlktapDeviceInfo(i *BlktapDeviceInfo) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], i.Capacity)
	binary.LittleEndian.PutUint32(buf[8:12], i.SectorSize)
	binary.LittleEndian.PutUint32(buf[12:16], i.PhysicalSectorSize)
	binary.LittleEndian.PutUint32(buf[16:20], i.Flags)
	return buf
}
