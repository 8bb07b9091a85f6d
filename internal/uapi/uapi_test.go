package uapi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEntries(t *testing.T) {
	// One 4096-byte page, 112-byte slots: (4096-64)/112 = 36 -> 32.
	assert.Equal(t, 32, RingEntries(ProtoNative, 1))
	assert.Equal(t, 64, RingEntries(ProtoNative, 2))
	// 108-byte x86_32 slots: (4096-64)/108 = 37 -> 32.
	assert.Equal(t, 32, RingEntries(ProtoX86_32, 1))
}

func buildRequest(t *testing.T, proto Proto, idx uint32, ring *SharedRing, mem []byte, req *BlkifRequest) {
	t.Helper()

	idOff := proto.idOffset()
	d := mem[ring.slot(idx):]
	d[0] = req.Operation
	d[1] = req.NrSegments
	binary.LittleEndian.PutUint16(d[2:4], req.Handle)
	binary.LittleEndian.PutUint64(d[idOff:], req.ID)
	binary.LittleEndian.PutUint64(d[idOff+8:], req.SectorNumber)
	for i := 0; i < int(req.NrSegments); i++ {
		s := d[idOff+16+i*segSize:]
		binary.LittleEndian.PutUint32(s[0:4], req.Segments[i].Gref)
		s[4] = req.Segments[i].FirstSect
		s[5] = req.Segments[i].LastSect
	}
}

func TestSharedRingRequestRoundTrip(t *testing.T) {
	for _, proto := range []Proto{ProtoNative, ProtoX86_32, ProtoX86_64} {
		mem := make([]byte, PageSize)
		ring, err := NewSharedRing(mem, proto, 1)
		require.NoError(t, err, proto.String())

		want := BlkifRequest{
			Operation:    BlkifOpWrite,
			NrSegments:   2,
			Handle:       7,
			ID:           0xdeadbeef01,
			SectorNumber: 123456,
		}
		want.Segments[0] = Segment{Gref: 100, FirstSect: 0, LastSect: 7}
		want.Segments[1] = Segment{Gref: 101, FirstSect: 0, LastSect: 3}

		buildRequest(t, proto, 5, ring, mem, &want)

		var got BlkifRequest
		ring.GetRequest(5, &got)
		assert.Equal(t, want, got, proto.String())
	}
}

func TestSharedRingResponseLayout(t *testing.T) {
	mem := make([]byte, PageSize)
	ring, err := NewSharedRing(mem, ProtoNative, 1)
	require.NoError(t, err)

	rsp := BlkifResponse{ID: 42, Operation: BlkifOpRead, Status: BlkifRspError}
	ring.PutResponse(3, &rsp)

	d := mem[ring.slot(3):]
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(d[0:8]))
	assert.Equal(t, uint8(BlkifOpRead), d[8])
	assert.Equal(t, int16(-1), int16(binary.LittleEndian.Uint16(d[10:12])))
}

func TestPushResponsesNotifyDecision(t *testing.T) {
	mem := make([]byte, PageSize)
	ring, err := NewSharedRing(mem, ProtoNative, 1)
	require.NoError(t, err)

	// Frontend wants an event when rsp_prod passes 1.
	binary.LittleEndian.PutUint32(mem[12:16], 1)

	assert.True(t, ring.PushResponses(0, 2), "event index inside window")
	assert.Equal(t, uint32(2), ring.RspProd())

	// Event index behind the window: no notify.
	assert.False(t, ring.PushResponses(2, 4))
}

func TestBlktapRequestUnmarshal(t *testing.T) {
	raw := make([]byte, blktapReqSize)
	raw[0] = 1 // write
	raw[1] = 2 // segments
	binary.LittleEndian.PutUint64(raw[8:16], 99)
	binary.LittleEndian.PutUint64(raw[16:24], 4096)
	raw[24] = 2 // seg0 first
	raw[25] = 5 // seg0 last
	raw[32] = 0
	raw[33] = 7

	var req BlktapRingRequest
	require.NoError(t, UnmarshalBlktapRequest(raw, &req))
	assert.Equal(t, uint8(1), req.Operation)
	assert.Equal(t, uint64(99), req.ID)
	assert.Equal(t, uint64(4096), req.SectorNumber)
	assert.Equal(t, uint8(2), req.Segments[0].FirstSect)
	assert.Equal(t, uint8(5), req.Segments[0].LastSect)
	assert.Equal(t, uint8(7), req.Segments[1].LastSect)

	assert.Error(t, UnmarshalBlktapRequest(raw[:10], &req))
}

func TestNBDWire(t *testing.T) {
	req := NBDRequest{Type: NBDCmdRead, Handle: 0x1122, From: 4096, Len: 8192}
	raw := MarshalNBDRequest(&req)
	require.Len(t, raw, NBDRequestSize)

	var got NBDRequest
	require.NoError(t, UnmarshalNBDRequest(raw, &got))
	assert.Equal(t, req, got)

	raw[0] = 0xFF
	assert.ErrorIs(t, UnmarshalNBDRequest(raw, &got), ErrBadMagic)

	reply := MarshalNBDReply(5, 0x1122)
	assert.Equal(t, uint32(NBDReplyMagic), binary.BigEndian.Uint32(reply[0:4]))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(reply[4:8]))
	assert.Equal(t, uint64(0x1122), binary.BigEndian.Uint64(reply[8:16]))

	old := MarshalOldHandshake(1<<30, NBDFlagHasFlags)
	require.Len(t, old, OldHandshakeSize)
	assert.Equal(t, "NBDMAGIC", string(old[0:8]))
	assert.Equal(t, uint64(1<<30), binary.BigEndian.Uint64(old[16:24]))
	// Reserved tail is zero.
	for _, b := range old[28:] {
		assert.Zero(t, b)
	}
}
