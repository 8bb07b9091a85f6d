package drivers

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/aio"
	"github.com/behrlich/go-tapdisk/internal/constants"
)

func newServer(t *testing.T) *tapdisk.Server {
	t.Helper()
	params := tapdisk.DefaultParams()
	params.AIOBackend = aio.BackendSync
	s, err := tapdisk.NewServer(params)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

type result struct {
	err   int
	count int
}

func (r *result) cb(_ *tapdisk.VBDRequest, err int, _ any, _ bool) {
	r.err = err
	r.count++
}

// pump drives the engine until the result lands or attempts run out.
func pump(t *testing.T, s *tapdisk.Server, vbd *tapdisk.VBD, r *result) {
	t.Helper()
	for i := 0; i < 100 && r.count == 0; i++ {
		vbd.IssueRequests()
		vbd.CheckState()
		if r.count > 0 {
			break
		}
		if err := s.Iterate(); err != nil {
			t.Fatalf("Iterate: %v", err)
		}
	}
	if r.count == 0 {
		t.Fatal("request never completed")
	}
}

func queueIO(t *testing.T, vbd *tapdisk.VBD, op tapdisk.Op, sec uint64, buf []byte, r *result) {
	t.Helper()
	vreq := vbd.AllocRequest()
	if vreq == nil {
		t.Fatal("request slab exhausted")
	}
	vreq.Op = op
	vreq.Sec = sec
	vreq.Iov = []tapdisk.Iovec{{Buf: buf}}
	vreq.Cb = r.cb
	if err := vbd.QueueRequest(vreq); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}
}

func TestRawRoundTrip(t *testing.T) {
	s := newServer(t)

	path := filepath.Join(t.TempDir(), "raw.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(1 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	vbd := tapdisk.NewVBD(s, 1)
	if err := vbd.Open(tapdisk.DiskTypeAIO, path, tapdisk.OpenNoODirect, -1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		vbd.Close()
		vbd.CheckState()
	}()

	info, err := vbd.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Size != (1<<20)>>constants.SectorShift {
		t.Errorf("size = %d sectors", info.Size)
	}

	data := make([]byte, 8*constants.SectorSize)
	for i := range data {
		data[i] = byte(i & 0xFF)
	}

	var wr result
	queueIO(t, vbd, tapdisk.OpWrite, 100, append([]byte(nil), data...), &wr)
	pump(t, s, vbd, &wr)
	if wr.err != 0 {
		t.Fatalf("write err = %d", wr.err)
	}

	buf := make([]byte, len(data))
	var rd result
	queueIO(t, vbd, tapdisk.OpRead, 100, buf, &rd)
	pump(t, s, vbd, &rd)
	if rd.err != 0 {
		t.Fatalf("read err = %d", rd.err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("round trip mismatch")
	}
}

func TestRAMSparseRead(t *testing.T) {
	s := newServer(t)

	vbd := tapdisk.NewVBD(s, 2)
	if err := vbd.Open(tapdisk.DiskTypeRAM, "disk@2048", 0, -1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		vbd.Close()
		vbd.CheckState()
	}()

	buf := bytes.Repeat([]byte{0xFF}, 4*constants.SectorSize)
	var rd result
	queueIO(t, vbd, tapdisk.OpRead, 10, buf, &rd)
	pump(t, s, vbd, &rd)

	if rd.err != 0 {
		t.Fatalf("read err = %d", rd.err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Errorf("uninitialised region not zero")
	}
}

func TestChainDescriptorLogOverRAM(t *testing.T) {
	s := newServer(t)

	desc := filepath.Join(t.TempDir(), "chain")
	content := "# write log over a ramdisk\nlog:wlog\nram:base@2048\n"
	if err := os.WriteFile(desc, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	vbd := tapdisk.NewVBD(s, 3)
	if err := vbd.Open(tapdisk.DiskTypeLog, "x-chain:"+desc, 0, -1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		vbd.Close()
		vbd.CheckState()
	}()

	images := vbd.Images()
	if len(images) != 2 {
		t.Fatalf("chain length = %d, want 2", len(images))
	}
	if images[0].Type != tapdisk.DiskTypeLog || images[1].Type != tapdisk.DiskTypeRAM {
		t.Fatalf("chain types wrong")
	}
	// The filter inherited the ramdisk geometry.
	if images[0].Info.Size != 2048 {
		t.Errorf("filter info not inherited: %d", images[0].Info.Size)
	}

	data := bytes.Repeat([]byte{0x77}, 2*constants.SectorSize)
	var wr result
	queueIO(t, vbd, tapdisk.OpWrite, 64, append([]byte(nil), data...), &wr)
	pump(t, s, vbd, &wr)
	if wr.err != 0 {
		t.Fatalf("write err = %d", wr.err)
	}

	// The write passed through the log filter into the ramdisk.
	buf := make([]byte, len(data))
	var rd result
	queueIO(t, vbd, tapdisk.OpRead, 64, buf, &rd)
	pump(t, s, vbd, &rd)
	if rd.err != 0 || !bytes.Equal(buf, data) {
		t.Fatalf("read through chain: err=%d", rd.err)
	}

	// Block status reflects the dirty log.
	var bs result
	vreq := vbd.AllocRequest()
	vreq.Op = tapdisk.OpBlockStatus
	vreq.Sec = 63
	vreq.Secs = 4
	vreq.Cb = bs.cb
	if err := vbd.QueueRequest(vreq); err != nil {
		t.Fatalf("QueueRequest: %v", err)
	}

	var extents []tapdisk.Extent
	for i := 0; i < 100 && bs.count == 0; i++ {
		vbd.IssueRequests()
		extents = vreq.Extents
		vbd.CheckState()
	}
	if bs.count == 0 {
		t.Fatal("block status never completed")
	}
	want := []tapdisk.Extent{
		{Secs: 1, Allocated: false},
		{Secs: 2, Allocated: true},
		{Secs: 1, Allocated: false},
	}
	if len(extents) != len(want) {
		t.Fatalf("extents = %+v, want %+v", extents, want)
	}
	for i := range want {
		if extents[i] != want[i] {
			t.Errorf("extent %d = %+v, want %+v", i, extents[i], want[i])
		}
	}
}

func TestExtentMap(t *testing.T) {
	m := newExtentMap()
	m.mark(10, 5)
	m.mark(20, 5)
	m.mark(15, 5) // bridges the two

	ext := m.query(5, 30)
	want := []tapdisk.Extent{
		{Secs: 5, Allocated: false},
		{Secs: 15, Allocated: true},
		{Secs: 10, Allocated: false},
	}
	if len(ext) != len(want) {
		t.Fatalf("extents = %+v", ext)
	}
	for i := range want {
		if ext[i] != want[i] {
			t.Errorf("extent %d = %+v, want %+v", i, ext[i], want[i])
		}
	}
	if m.allocated() != 15 {
		t.Errorf("allocated = %d, want 15", m.allocated())
	}
}

func TestValveUnlimitedPassthrough(t *testing.T) {
	s := newServer(t)

	desc := filepath.Join(t.TempDir(), "chain")
	content := "valve:0\nram:vbase@2048\n"
	if err := os.WriteFile(desc, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	vbd := tapdisk.NewVBD(s, 4)
	if err := vbd.Open(tapdisk.DiskTypeValve, "x-chain:"+desc, 0, -1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		vbd.Close()
		vbd.CheckState()
	}()

	data := bytes.Repeat([]byte{0x11}, constants.SectorSize)
	var wr result
	queueIO(t, vbd, tapdisk.OpWrite, 0, append([]byte(nil), data...), &wr)
	pump(t, s, vbd, &wr)
	if wr.err != 0 {
		t.Fatalf("write through valve err = %d", wr.err)
	}

	buf := make([]byte, constants.SectorSize)
	var rd result
	queueIO(t, vbd, tapdisk.OpRead, 0, buf, &rd)
	pump(t, s, vbd, &rd)
	if rd.err != 0 || !bytes.Equal(buf, data) {
		t.Errorf("read through valve: err=%d", rd.err)
	}
}

func TestValveThrottles(t *testing.T) {
	s := newServer(t)

	desc := filepath.Join(t.TempDir(), "chain")
	// 8 sectors/second with an 8-sector burst.
	if err := os.WriteFile(desc, []byte("valve:8\nram:tbase@2048\n"), 0644); err != nil {
		t.Fatal(err)
	}

	vbd := tapdisk.NewVBD(s, 5)
	if err := vbd.Open(tapdisk.DiskTypeValve, "x-chain:"+desc, 0, -1); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() {
		vbd.Close()
		vbd.CheckState()
	}()

	// First burst passes immediately; the next request must wait for
	// the bucket, which the event loop timer services.
	var first, second result
	queueIO(t, vbd, tapdisk.OpWrite, 0, make([]byte, 8*constants.SectorSize), &first)
	pump(t, s, vbd, &first)
	if first.err != 0 {
		t.Fatalf("first write err = %d", first.err)
	}

	queueIO(t, vbd, tapdisk.OpWrite, 8, make([]byte, constants.SectorSize), &second)
	for i := 0; i < 2000 && second.count == 0; i++ {
		vbd.IssueRequests()
		if err := s.Iterate(); err != nil {
			t.Fatalf("Iterate: %v", err)
		}
	}
	if second.count == 0 {
		t.Fatal("throttled write never released")
	}
	if second.err != 0 {
		t.Errorf("second write err = %d", second.err)
	}
}
