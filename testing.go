package tapdisk

import (
	"sync"

	"github.com/behrlich/go-tapdisk/internal/constants"
)

// MockDriver is an in-memory driver for tests: it implements the full
// driver contract, can be scripted to fail, and tracks calls. It
// registers under DiskTypeVMDK (a type tag with no real driver) so it
// never collides with the in-tree drivers.
type MockDriver struct {
	d      *Mocked
	handle *Driver

	name  string
	flags OpenFlag
}

// Mocked is the shared state behind mock drivers, keyed by image name.
type Mocked struct {
	mu     sync.Mutex
	images map[string]*mockImage
}

type mockImage struct {
	data []byte
	size uint64 // sectors

	parent string

	// Scripted errors: popped per queue call. 0 means success.
	readErrs  []int
	writeErrs []int

	reads  int
	writes int
	opens  int
	closes int
}

// MockType is the disk type tag mock drivers register under.
const MockType = DiskTypeVMDK

var (
	mockOnce sync.Once
	mockState = &Mocked{images: make(map[string]*mockImage)}
)

// UseMockDriver registers the mock driver factory (idempotent) and
// returns the shared mock state for scripting.
func UseMockDriver() *Mocked {
	mockOnce.Do(func() {
		RegisterDriver(MockType, func(d *Driver) DriverOps {
			return &MockDriver{d: mockState, handle: d}
		})
	})
	return mockState
}

// CreateImage makes (or resets) a mock image of size sectors.
func (m *Mocked) CreateImage(name string, sizeSectors uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[name] = &mockImage{
		data: make([]byte, sizeSectors*constants.SectorSize),
		size: sizeSectors,
	}
}

// SetParent chains name under parent (both must exist).
func (m *Mocked) SetParent(name, parent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[name].parent = parent
}

// FailReads scripts the next read completions: each queued read pops
// one entry; 0 completes clean.
func (m *Mocked) FailReads(name string, errs ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[name].readErrs = append(m.images[name].readErrs, errs...)
}

// FailWrites scripts the next write completions.
func (m *Mocked) FailWrites(name string, errs ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[name].writeErrs = append(m.images[name].writeErrs, errs...)
}

// Counts reports (opens, closes, reads, writes) for an image.
func (m *Mocked) Counts(name string) (int, int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img := m.images[name]
	if img == nil {
		return 0, 0, 0, 0
	}
	return img.opens, img.closes, img.reads, img.writes
}

func (m *Mocked) image(name string) *mockImage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images[name]
}

// Open implements DriverOps.
func (md *MockDriver) Open(name string, flags OpenFlag) error {
	img := md.d.image(name)
	if img == nil {
		return ErrnoError(ENOENT)
	}
	img.opens++
	md.name = name
	md.flags = flags

	md.handle.Info = DiskInfo{Size: img.size, SectorSize: constants.SectorSize}
	return nil
}

// Close implements DriverOps.
func (md *MockDriver) Close() error {
	if img := md.d.image(md.name); img != nil {
		img.closes++
	}
	return nil
}

func pop(errs *[]int) int {
	if len(*errs) == 0 {
		return 0
	}
	e := (*errs)[0]
	*errs = (*errs)[1:]
	return e
}

// QueueRead implements DriverOps.
func (md *MockDriver) QueueRead(t Treq) {
	img := md.d.image(md.name)
	img.reads++
	if err := pop(&img.readErrs); err != 0 {
		t.Complete(err)
		return
	}
	off := t.Sec * constants.SectorSize
	copy(t.Buf, img.data[off:off+uint64(t.Secs)*constants.SectorSize])
	t.Complete(0)
}

// QueueWrite implements DriverOps.
func (md *MockDriver) QueueWrite(t Treq) {
	img := md.d.image(md.name)
	img.writes++
	if err := pop(&img.writeErrs); err != 0 {
		t.Complete(err)
		return
	}
	off := t.Sec * constants.SectorSize
	copy(img.data[off:off+uint64(t.Secs)*constants.SectorSize], t.Buf)
	t.Complete(0)
}

// ParentID implements DriverOps.
func (md *MockDriver) ParentID() (ParentID, error) {
	img := md.d.image(md.name)
	if img == nil || img.parent == "" {
		return ParentID{}, ErrNoParent
	}
	return ParentID{Name: img.parent, Type: MockType}, nil
}

// ValidateParent implements DriverOps.
func (md *MockDriver) ValidateParent(parent *Driver, flags OpenFlag) error {
	return nil
}
