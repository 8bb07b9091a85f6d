package nbd

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/aio"
	"github.com/behrlich/go-tapdisk/internal/constants"
	"github.com/behrlich/go-tapdisk/internal/uapi"
)

// testConn is the guest half of a socketpair wired into the server.
type testConn struct {
	t   *testing.T
	fd  int
	s   *tapdisk.Server
	vbd *tapdisk.VBD
}

func newTestConn(t *testing.T, newstyle bool) (*testConn, *Server) {
	t.Helper()

	params := tapdisk.DefaultParams()
	params.AIOBackend = aio.BackendSync
	srv, err := tapdisk.NewServer(params)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)

	mock := tapdisk.UseMockDriver()
	mock.CreateImage("nbd-disk", 4096)

	vbd := tapdisk.NewVBD(srv, 21)
	if err := vbd.Open(tapdisk.MockType, "nbd-disk", 0, -1); err != nil {
		t.Fatalf("Open: %v", err)
	}

	nbdSrv := NewServer(vbd, "nbd-disk")

	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.SetNonblock(sp[0], true)
	unix.SetNonblock(sp[1], true)

	if _, err := nbdSrv.newClient(sp[0], newstyle); err != nil {
		t.Fatalf("newClient: %v", err)
	}

	conn := &testConn{t: t, fd: sp[1], s: srv, vbd: vbd}
	t.Cleanup(func() {
		unix.Close(sp[1])
		nbdSrv.Close()
		vbd.Close()
		vbd.CheckState()
	})
	return conn, nbdSrv
}

// pump runs event-loop passes while the server has work. The bounded
// wait keeps a buggy quiet server from hanging the test.
func (c *testConn) pump() {
	c.s.Scheduler().SetMaxTimeout(10 * time.Millisecond)
	c.s.Iterate()
}

// read pulls exactly n bytes, pumping the server in between.
func (c *testConn) read(n int) []byte {
	buf := make([]byte, n)
	got := 0
	for i := 0; i < 1000 && got < n; i++ {
		r, err := unix.Read(c.fd, buf[got:])
		if r > 0 {
			got += r
			continue
		}
		if err == unix.EAGAIN || r == 0 {
			c.pump()
			continue
		}
		c.t.Fatalf("conn read: %v", err)
	}
	if got < n {
		c.t.Fatalf("short read: %d of %d", got, n)
	}
	return buf
}

// write pushes bytes, pumping if the socket fills.
func (c *testConn) write(buf []byte) {
	for len(buf) > 0 {
		n, err := unix.Write(c.fd, buf)
		if n > 0 {
			buf = buf[n:]
			continue
		}
		if err == unix.EAGAIN {
			c.pump()
			continue
		}
		c.t.Fatalf("conn write: %v", err)
	}
	// Let the server consume.
	c.pump()
}

func (c *testConn) sendOption(opt uint32, payload []byte) {
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint64(hdr[0:8], uapi.NBDOptMagic)
	binary.BigEndian.PutUint32(hdr[8:12], opt)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	c.write(append(hdr, payload...))
}

func (c *testConn) readOptReply() (reply uint32, payload []byte) {
	hdr := c.read(20)
	if got := binary.BigEndian.Uint64(hdr[0:8]); got != uapi.NBDOptReplyMagic {
		c.t.Fatalf("opt reply magic %#x", got)
	}
	reply = binary.BigEndian.Uint32(hdr[12:16])
	length := binary.BigEndian.Uint32(hdr[16:20])
	if length > 0 {
		payload = c.read(int(length))
	}
	return reply, payload
}

func (c *testConn) sendRequest(typ uint32, handle, from uint64, length uint32, payload []byte) {
	req := uapi.NBDRequest{Type: typ, Handle: handle, From: from, Len: length}
	c.write(append(uapi.MarshalNBDRequest(&req), payload...))
}

func (c *testConn) readSimpleReply() (errno uint32, handle uint64) {
	buf := c.read(16)
	if got := binary.BigEndian.Uint32(buf[0:4]); got != uapi.NBDReplyMagic {
		c.t.Fatalf("reply magic %#x", got)
	}
	return binary.BigEndian.Uint32(buf[4:8]), binary.BigEndian.Uint64(buf[8:16])
}

func TestOldHandshake(t *testing.T) {
	conn, _ := newTestConn(t, false)

	banner := conn.read(uapi.OldHandshakeSize)
	if string(banner[0:8]) != uapi.NBDPassword {
		t.Fatalf("bad password %q", banner[0:8])
	}
	if got := binary.BigEndian.Uint64(banner[8:16]); got != uapi.NBDClientMagic {
		t.Fatalf("bad magic %#x", got)
	}
	if got := binary.BigEndian.Uint64(banner[16:24]); got != 4096*constants.SectorSize {
		t.Errorf("size = %d", got)
	}
	for _, b := range banner[28:] {
		if b != 0 {
			t.Fatalf("reserved bytes not zero")
		}
	}

	// Old handshake drops straight into transmission.
	data := bytes.Repeat([]byte{0x3C}, 2*constants.SectorSize)
	conn.sendRequest(uapi.NBDCmdWrite, 0x10, 0, uint32(len(data)), data)
	errno, handle := conn.readSimpleReply()
	if errno != 0 || handle != 0x10 {
		t.Fatalf("write reply errno=%d handle=%#x", errno, handle)
	}

	conn.sendRequest(uapi.NBDCmdRead, 0x11, 0, uint32(len(data)), nil)
	errno, handle = conn.readSimpleReply()
	if errno != 0 || handle != 0x11 {
		t.Fatalf("read reply errno=%d handle=%#x", errno, handle)
	}
	if got := conn.read(len(data)); !bytes.Equal(got, data) {
		t.Errorf("read payload mismatch")
	}
}

func TestNewstyleNegotiationAndIO(t *testing.T) {
	conn, _ := newTestConn(t, true)

	greeting := conn.read(18)
	if string(greeting[0:8]) != uapi.NBDPassword {
		t.Fatalf("bad password")
	}
	if got := binary.BigEndian.Uint64(greeting[8:16]); got != uapi.NBDOptMagic {
		t.Fatalf("bad opt magic %#x", got)
	}
	gflags := binary.BigEndian.Uint16(greeting[16:18])
	if gflags&uapi.NBDFlagFixedNewstyle == 0 {
		t.Fatalf("fixed newstyle not advertised")
	}

	// Client flags.
	var cflags [4]byte
	binary.BigEndian.PutUint32(cflags[:], uapi.NBDFlagCFixedNewstyle)
	conn.write(cflags[:])

	// Structured replies.
	conn.sendOption(uapi.NBDOptStructuredReply, nil)
	if reply, _ := conn.readOptReply(); reply != uapi.NBDRepAck {
		t.Fatalf("structured reply rep = %#x", reply)
	}

	// base:allocation meta context.
	meta := &bytes.Buffer{}
	binary.Write(meta, binary.BigEndian, uint32(0)) // export name len
	binary.Write(meta, binary.BigEndian, uint32(1)) // one query
	q := []byte(uapi.MetaContextBaseAllocation)
	binary.Write(meta, binary.BigEndian, uint32(len(q)))
	meta.Write(q)
	conn.sendOption(uapi.NBDOptSetMetaContext, meta.Bytes())

	reply, payload := conn.readOptReply()
	if reply != uapi.NBDRepMetaContext {
		t.Fatalf("meta context rep = %#x", reply)
	}
	if string(payload[4:]) != uapi.MetaContextBaseAllocation {
		t.Fatalf("meta context name %q", payload[4:])
	}
	if reply, _ = conn.readOptReply(); reply != uapi.NBDRepAck {
		t.Fatalf("meta context ack = %#x", reply)
	}

	// GO with empty export name and no info requests.
	g := &bytes.Buffer{}
	binary.Write(g, binary.BigEndian, uint32(0))
	binary.Write(g, binary.BigEndian, uint16(0))
	conn.sendOption(uapi.NBDOptGo, g.Bytes())

	sawExport := false
	for {
		reply, payload := conn.readOptReply()
		if reply == uapi.NBDRepAck {
			break
		}
		if reply != uapi.NBDRepInfo {
			t.Fatalf("GO reply = %#x", reply)
		}
		if binary.BigEndian.Uint16(payload[0:2]) == uapi.NBDInfoExport {
			sawExport = true
			if got := binary.BigEndian.Uint64(payload[2:10]); got != 4096*constants.SectorSize {
				t.Errorf("export size = %d", got)
			}
		}
	}
	if !sawExport {
		t.Fatalf("NBD_INFO_EXPORT missing")
	}

	// Transmission: write then structured read.
	data := bytes.Repeat([]byte{0x99}, constants.SectorSize)
	conn.sendRequest(uapi.NBDCmdWrite, 1, 8*constants.SectorSize, uint32(len(data)), data)
	if errno, _ := conn.readSimpleReply(); errno != 0 {
		t.Fatalf("write errno = %d", errno)
	}

	conn.sendRequest(uapi.NBDCmdRead, 2, 8*constants.SectorSize, uint32(len(data)), nil)
	hdr := conn.read(20)
	if got := binary.BigEndian.Uint32(hdr[0:4]); got != uapi.NBDStructuredReplyMagic {
		t.Fatalf("structured magic %#x", got)
	}
	if typ := binary.BigEndian.Uint16(hdr[6:8]); typ != uapi.NBDReplyTypeOffsetData {
		t.Fatalf("chunk type %d", typ)
	}
	if flags := binary.BigEndian.Uint16(hdr[4:6]); flags&uapi.NBDReplyFlagDone == 0 {
		t.Fatalf("final chunk without DONE")
	}
	length := binary.BigEndian.Uint32(hdr[16:20])
	body := conn.read(int(length))
	if got := binary.BigEndian.Uint64(body[0:8]); got != 8*constants.SectorSize {
		t.Errorf("offset = %d", got)
	}
	if !bytes.Equal(body[8:], data) {
		t.Errorf("structured read payload mismatch")
	}

	// Block status over the written sector.
	conn.sendRequest(uapi.NBDCmdBlockStatus, 3, 8*constants.SectorSize, constants.SectorSize, nil)
	hdr = conn.read(20)
	if typ := binary.BigEndian.Uint16(hdr[6:8]); typ != uapi.NBDReplyTypeBlockStatus {
		t.Fatalf("block status chunk type %d", typ)
	}
	length = binary.BigEndian.Uint32(hdr[16:20])
	body = conn.read(int(length))
	if got := binary.BigEndian.Uint32(body[0:4]); got != baseAllocationContextID {
		t.Errorf("context id = %d", got)
	}
}

func TestUnknownOptionRejected(t *testing.T) {
	conn, _ := newTestConn(t, true)

	conn.read(18)
	var cflags [4]byte
	binary.BigEndian.PutUint32(cflags[:], uapi.NBDFlagCFixedNewstyle)
	conn.write(cflags[:])

	conn.sendOption(0xdead, nil)
	if reply, _ := conn.readOptReply(); reply != uapi.NBDRepErrUnsup {
		t.Errorf("unknown option reply = %#x", reply)
	}
}

func TestMisalignedRequestFails(t *testing.T) {
	conn, _ := newTestConn(t, false)
	conn.read(uapi.OldHandshakeSize)

	conn.sendRequest(uapi.NBDCmdRead, 7, 100, 300, nil)
	errno, handle := conn.readSimpleReply()
	if errno == 0 || handle != 7 {
		t.Errorf("misaligned read: errno=%d handle=%d", errno, handle)
	}
}
