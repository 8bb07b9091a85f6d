package tapdisk

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// StorageType classifies where an image physically lives. It is
// recorded on the driver handle and reported through the control
// plane.
type StorageType int

const (
	StorageTypeUnknown StorageType = iota
	StorageTypeNFS
	StorageTypeEXT
	StorageTypeLVM
)

func (t StorageType) String() string {
	switch t {
	case StorageTypeNFS:
		return "nfs"
	case StorageTypeEXT:
		return "ext"
	case StorageTypeLVM:
		return "lvm"
	}
	return "n/a"
}

const nfsSuperMagic = 0x6969

// ProbeStorage resolves a path and classifies its backing store:
// block devices are LVM, regular files on NFS mounts are NFS, other
// regular files EXT. Any other file type fails with EINVAL.
func ProbeStorage(path string) (StorageType, error) {
	rpath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return StorageTypeUnknown, err
	}

	fi, err := os.Stat(rpath)
	if err != nil {
		return StorageTypeUnknown, err
	}

	if fi.Mode()&os.ModeDevice != 0 {
		return StorageTypeLVM, nil
	}
	if !fi.Mode().IsRegular() {
		return StorageTypeUnknown, unix.EINVAL
	}

	var fst unix.Statfs_t
	if err := unix.Statfs(rpath, &fst); err != nil {
		return StorageTypeUnknown, err
	}
	if fst.Type == nfsSuperMagic {
		return StorageTypeNFS, nil
	}
	return StorageTypeEXT, nil
}
