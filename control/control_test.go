package control

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tapdisk "github.com/behrlich/go-tapdisk"
	"github.com/behrlich/go-tapdisk/internal/aio"
)

// pumpServer runs the event loop in the background for the duration
// of the test; the control plane is fully event-driven so the blocking
// client on the test goroutine pairs with it.
func pumpServer(t *testing.T, s *tapdisk.Server) {
	t.Helper()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.Scheduler().SetMaxTimeout(5 * time.Millisecond)
			if err := s.Iterate(); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
	})
}

func newControl(t *testing.T) (*Client, *tapdisk.Server) {
	t.Helper()

	params := tapdisk.DefaultParams()
	params.AIOBackend = aio.BackendSync
	s, err := tapdisk.NewServer(params)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "ctl.sock")
	ctl, err := New(s, path)
	if err != nil {
		t.Fatalf("control.New: %v", err)
	}

	pumpServer(t, s)

	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		ctl.Close()
		s.Close()
	})
	return client, s
}

func TestPID(t *testing.T) {
	client, _ := newControl(t)

	errno, payload, err := client.Call(MessagePID, nil)
	if err != nil || errno != 0 {
		t.Fatalf("pid: errno=%d err=%v", errno, err)
	}
	var out map[string]int
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("pid payload: %v", err)
	}
	if out["pid"] <= 0 {
		t.Errorf("pid = %d", out["pid"])
	}
}

func TestAttachOpenListStatsDetach(t *testing.T) {
	client, _ := newControl(t)
	tapdisk.UseMockDriver().CreateImage("ctl-disk", 2048)

	errno, _, err := client.Call(MessageAttach, UUIDParams{UUID: 9})
	if err != nil || errno != 0 {
		t.Fatalf("attach: errno=%d err=%v", errno, err)
	}

	// Duplicate attach is refused.
	errno, _, _ = client.Call(MessageAttach, UUIDParams{UUID: 9})
	if errno != tapdisk.EEXIST {
		t.Fatalf("duplicate attach errno = %d, want -EEXIST", errno)
	}

	errno, _, err = client.Call(MessageOpen, OpenParams{
		UUID:   9,
		Params: "vmdk:ctl-disk",
	})
	if err != nil || errno != 0 {
		t.Fatalf("open: errno=%d err=%v", errno, err)
	}

	errno, payload, err := client.Call(MessageList, nil)
	if err != nil || errno != 0 {
		t.Fatalf("list: errno=%d err=%v", errno, err)
	}
	var entries []ListEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		t.Fatalf("list payload: %v", err)
	}
	if len(entries) != 1 || entries[0].UUID != 9 || entries[0].Name != "ctl-disk" {
		t.Fatalf("list entries = %+v", entries)
	}

	errno, payload, err = client.Call(MessageStats, UUIDParams{UUID: 9})
	if err != nil || errno != 0 {
		t.Fatalf("stats: errno=%d err=%v", errno, err)
	}
	var st tapdisk.VBDStats
	if err := json.Unmarshal(payload, &st); err != nil {
		t.Fatalf("stats payload: %v", err)
	}
	if st.Size != 2048 || len(st.Images) != 1 {
		t.Errorf("stats = %+v", st)
	}

	errno, _, err = client.Call(MessageDetach, UUIDParams{UUID: 9})
	if err != nil || errno != 0 {
		t.Fatalf("detach: errno=%d err=%v", errno, err)
	}

	errno, _, _ = client.Call(MessageStats, UUIDParams{UUID: 9})
	if errno != tapdisk.ENODEV {
		t.Errorf("stats after detach errno = %d, want -ENODEV", errno)
	}
}

func TestPauseResumeCycle(t *testing.T) {
	client, _ := newControl(t)
	tapdisk.UseMockDriver().CreateImage("ctl-pause", 2048)

	client.Call(MessageAttach, UUIDParams{UUID: 4})
	if errno, _, _ := client.Call(MessageOpen, OpenParams{UUID: 4, Params: "vmdk:ctl-pause"}); errno != 0 {
		t.Fatalf("open errno = %d", errno)
	}

	if errno, _, _ := client.Call(MessagePause, UUIDParams{UUID: 4}); errno != 0 {
		t.Fatalf("pause errno = %d", errno)
	}

	// Resume under the same chain.
	if errno, _, _ := client.Call(MessageResume, ResumeParams{UUID: 4}); errno != 0 {
		t.Fatalf("resume errno = %d", errno)
	}

	if errno, _, _ := client.Call(MessageDetach, UUIDParams{UUID: 4}); errno != 0 {
		t.Fatalf("detach errno = %d", errno)
	}
}

func TestUnknownMessage(t *testing.T) {
	client, _ := newControl(t)

	errno, _, err := client.Call(0x7777, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if errno != tapdisk.EOPNOTSUPP {
		t.Errorf("errno = %d, want -EOPNOTSUPP", errno)
	}
}
