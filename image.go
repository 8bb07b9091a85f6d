package tapdisk

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Image is one positional slot in a VBD chain: an open driver plus its
// role. The head is the writable leaf, the tail the read-only root.
type Image struct {
	Type  DiskType
	Name  string
	Flags OpenFlag

	driver *Driver
	Info   DiskInfo

	vbd *VBD

	// Datapath statistics in sectors: requests completed by this
	// image, and completed with failure. Forwarded requests are not
	// counted; they show up on the image that answers them.
	hits [2]uint64
	fail [2]uint64
}

// Driver returns the image's open driver.
func (img *Image) Driver() *Driver { return img.driver }

func (img *Image) account(op Op, secs int, err int) {
	idx := 0
	if op == OpWrite {
		idx = 1
	}
	if err != 0 {
		img.fail[idx] += uint64(secs)
		return
	}
	img.hits[idx] += uint64(secs)
}

// checkTreq range-checks a treq against this image and rejects writes
// on read-only opens.
func (img *Image) checkTreq(t Treq) int {
	if t.Op == OpWrite && img.Flags&OpenRdonly != 0 {
		return EPERM
	}
	if t.Secs <= 0 || t.Sec+uint64(t.Secs) > img.Info.Size {
		return EINVAL
	}
	return 0
}

// QueueRead hands a read treq to the image's driver. On any precheck
// failure the treq completes immediately with the error.
func (img *Image) QueueRead(t Treq) {
	d := img.driver
	switch {
	case d == nil:
		t.Complete(ENODEV)
	case !d.IsOpen():
		t.Complete(EBADF)
	default:
		if err := img.checkTreq(t); err != 0 {
			t.Complete(err)
			return
		}
		d.ops.QueueRead(t)
	}
}

// QueueWrite hands a write treq to the image's driver.
func (img *Image) QueueWrite(t Treq) {
	d := img.driver
	switch {
	case d == nil:
		t.Complete(ENODEV)
	case !d.IsOpen():
		t.Complete(EBADF)
	default:
		if err := img.checkTreq(t); err != 0 {
			t.Complete(err)
			return
		}
		d.ops.QueueWrite(t)
	}
}

// ParentID queries the next layer down.
func (img *Image) ParentID() (ParentID, error) {
	d := img.driver
	if d == nil {
		return ParentID{}, ErrNoParent
	}
	return d.ops.ParentID()
}

// ValidateParent lets the image's driver veto its parent.
func (img *Image) ValidateParent(parent *Image, flags OpenFlag) error {
	if img.driver == nil || parent.driver == nil {
		return NewError("validate-parent", ErrCodeChainInvalid, "image not open")
	}
	return img.driver.ops.ValidateParent(parent.driver, flags)
}

// extents queries allocation, walking down the chain until a driver
// answers. Bottoming out means the range is unallocated.
func (img *Image) extents(sec uint64, secs int) ([]Extent, error) {
	vbd := img.vbd
	for i := vbd.imageIndex(img); i < len(vbd.images); i++ {
		if bs, ok := vbd.images[i].driver.ops.(BlockStatusDriver); ok {
			return bs.Extents(sec, secs)
		}
	}
	return []Extent{{Secs: secs, Allocated: false}}, nil
}

// openImage opens (or re-uses) the driver behind one image. Shareable
// drivers already open elsewhere are attached instead of reopened;
// attaching read-write to a driver opened read-only is refused.
func (s *Server) openImage(vbd *VBD, typ DiskType, name string, flags OpenFlag, info *DiskInfo) (*Image, error) {
	img := &Image{
		Type:  typ,
		Name:  name,
		Flags: flags,
		vbd:   vbd,
	}

	if flags&OpenShareable != 0 {
		if shared := s.sharedDriver(typ, name); shared != nil {
			if flags&OpenRdonly == 0 && shared.IsRdonly() {
				return nil, NewError("open-image", ErrCodePermission,
					fmt.Sprintf("%s already shared read-only", name))
			}
			shared.refcnt++
			img.driver = shared
			img.Info = shared.Info
			s.log.Info("attached shared image", "name", name,
				"type", TypeName(typ), "users", shared.refcnt)
			return img, nil
		}
	}

	d, err := allocDriver(s, typ, name, flags)
	if err != nil {
		return nil, err
	}
	d.server = s

	if info != nil {
		// Pre-seed for virtual drivers that trust the caller's
		// geometry.
		d.Info = *info
	}

	if err := d.ops.Open(name, flags); err != nil {
		return nil, WrapError("open-image", err)
	}
	d.state |= driverOpen
	d.refcnt = 1

	img.driver = d
	img.Info = d.Info

	s.log.Info("opened image", "name", name, "type", TypeName(typ),
		"size", d.Info.Size, "storage", d.Storage,
		"ro", flags&OpenRdonly != 0)
	return img, nil
}

// closeImage drops one reference; the last reference closes the
// driver.
func (s *Server) closeImage(img *Image) {
	d := img.driver
	if d == nil {
		return
	}
	img.driver = nil

	d.refcnt--
	if d.refcnt > 0 {
		return
	}
	if d.IsOpen() {
		if err := d.ops.Close(); err != nil {
			s.log.Error("close image", "name", d.Name, "error", err)
		}
		d.state &^= driverOpen
	}
	s.log.Info("closed image", "name", d.Name, "type", TypeName(d.Type))
}

// closeChain rolls a chain down, head first.
func (s *Server) closeChain(images []*Image) {
	for _, img := range images {
		s.closeImage(img)
	}
}

// parentFlags derives the open flags for a parent layer: always
// read-only and shareable, inheriting cache hints from the child.
func parentFlags(child OpenFlag) OpenFlag {
	inherit := child & (OpenQuiet | OpenLocalCache | OpenNoODirect)
	return OpenRdonly | OpenShareable | inherit
}

// OpenChain opens name and follows parent identities until the chain
// root. If parentMinor is non-negative, a raw driver on that block
// device is appended as the immediate parent instead of following the
// natural chain (live-migration primary capture). Every error path
// closes whatever was opened.
func (s *Server) OpenChain(vbd *VBD, typ DiskType, name string, flags OpenFlag, parentMinor int) ([]*Image, error) {
	var images []*Image

	fail := func(err error) ([]*Image, error) {
		s.closeChain(images)
		return nil, err
	}

	if strings.HasPrefix(name, "x-chain:") {
		return s.openDescribedChain(vbd, strings.TrimPrefix(name, "x-chain:"), flags)
	}

	img, err := s.openImage(vbd, typ, name, flags, nil)
	if err != nil {
		return nil, err
	}
	images = append(images, img)

	for {
		if parentMinor >= 0 {
			// Nominated parent device supersedes the natural chain.
			dev := fmt.Sprintf("/dev/xen/blktap-2/tapdev%d", parentMinor)
			parent, err := s.openImage(vbd, DiskTypeAIO, dev, parentFlags(flags), nil)
			if err != nil {
				return fail(err)
			}
			images = append(images, parent)
			break
		}

		id, err := images[len(images)-1].ParentID()
		if err == ErrNoParent {
			break
		}
		if err != nil {
			return fail(WrapError("open-chain", err))
		}

		parent, err := s.openImage(vbd, id.Type, id.Name, parentFlags(flags)|id.Flags, nil)
		if err != nil {
			return fail(err)
		}
		images = append(images, parent)
	}

	if err := s.validateChain(images); err != nil {
		return fail(err)
	}
	return images, nil
}

// openDescribedChain loads an x-chain descriptor: one layer per line,
// "type:path [opt,...]", head first. The last layer then extends via
// its natural parent chain.
func (s *Server) openDescribedChain(vbd *VBD, path string, flags OpenFlag) ([]*Image, error) {
	layers, err := parseChainDescriptor(path)
	if err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return nil, NewError("open-chain", ErrCodeChainInvalid, "empty chain descriptor")
	}

	var images []*Image
	fail := func(err error) ([]*Image, error) {
		s.closeChain(images)
		return nil, err
	}

	for i, l := range layers {
		// Descriptor layers carry their own flags: a filter above a
		// writable leaf stays writable unless the line says "ro".
		lflags := l.flags
		if i == 0 {
			lflags |= flags
		}
		img, err := s.openImage(vbd, l.typ, l.path, lflags, nil)
		if err != nil {
			return fail(err)
		}
		images = append(images, img)
	}

	for {
		id, err := images[len(images)-1].ParentID()
		if err == ErrNoParent {
			break
		}
		if err != nil {
			return fail(WrapError("open-chain", err))
		}
		parent, err := s.openImage(vbd, id.Type, id.Name, parentFlags(flags)|id.Flags, nil)
		if err != nil {
			return fail(err)
		}
		images = append(images, parent)
	}

	if err := s.validateChain(images); err != nil {
		return fail(err)
	}
	return images, nil
}

type chainLayer struct {
	typ   DiskType
	path  string
	flags OpenFlag
}

var chainOptions = map[string]OpenFlag{
	"ro":        OpenRdonly,
	"rw":        0,
	"shareable": OpenShareable,
	"strict":    OpenStrict,
	"standby":   OpenStandby,
	"secondary": OpenSecondary,
	"cache":     OpenLocalCache,
}

// parseChainDescriptor reads the x-chain grammar:
//
//	<type>:<path> [<opt1,opt2,...>]
//
// The whitespace-separated option list is optional. Blank lines and
// #-comments are skipped.
func parseChainDescriptor(path string) ([]chainLayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, WrapError("open-chain", err)
	}
	defer f.Close()

	var layers []chainLayer
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) > 2 {
			return nil, NewError("open-chain", ErrCodeChainInvalid,
				fmt.Sprintf("%s:%d: malformed layer", path, lineno))
		}

		typ, lpath, err := ParseParams(fields[0])
		if err != nil {
			return nil, NewError("open-chain", ErrCodeChainInvalid,
				fmt.Sprintf("%s:%d: %v", path, lineno, err))
		}

		layer := chainLayer{typ: typ, path: lpath}
		if len(fields) == 2 {
			for _, opt := range strings.Split(fields[1], ",") {
				flag, ok := chainOptions[opt]
				if !ok {
					return nil, NewError("open-chain", ErrCodeChainInvalid,
						fmt.Sprintf("%s:%d: unknown option %q", path, lineno, opt))
				}
				layer.flags |= flag
			}
		}
		layers = append(layers, layer)
	}
	if err := scanner.Err(); err != nil {
		return nil, WrapError("open-chain", err)
	}
	return layers, nil
}

// validateChain walks child to parent, lets every child veto its
// parent, and propagates disk info onto filter drivers that hold no
// data of their own.
func (s *Server) validateChain(images []*Image) error {
	if len(images) == 0 {
		return NewError("validate-chain", ErrCodeChainInvalid, "empty chain")
	}

	// Filter drivers inherit geometry from below. Walk tail to head
	// so stacked filters resolve.
	for i := len(images) - 2; i >= 0; i-- {
		img := images[i]
		if TypeIsFilter(img.Type) && img.Info.Size == 0 {
			img.Info = images[i+1].Info
			img.driver.Info = img.Info
		}
	}

	for i := 0; i+1 < len(images); i++ {
		if err := images[i].ValidateParent(images[i+1], 0); err != nil {
			return WrapError("validate-chain", err)
		}
	}
	return nil
}
