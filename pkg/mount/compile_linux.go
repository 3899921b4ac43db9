package mount

import (
	"fmt"
	"os"
	"path"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// RawPoint is a Point expressed as NUL-terminated syscall arguments so the
// cloned child can apply it without allocating
type RawPoint struct {
	Source, Target, FsType, Data *byte
	Flags                        uintptr
	// MkdirPrefixes are the target and each of its ancestors, created
	// under the staging directory before mounting
	MkdirPrefixes []*byte
}

// RawPlan carries the full staged-root sequence in raw syscall form: stage
// the new root, apply the points, pivot, optionally seal the root read-only
type RawPlan struct {
	// Chroot is nil when the root is a bare tmpfs
	Chroot    *byte
	Staging   *byte
	TmpfsData *byte
	Points    []RawPoint
	// SealFlags is 0 when the root stays writable
	SealFlags uintptr
}

// Compile validates the plan and pre-converts every string for the cloned
// child. staging is the directory the new root is assembled on; it only
// needs to exist in the original mount tree.
func (p *Plan) Compile(staging string) (*RawPlan, error) {
	raw := &RawPlan{}
	var err error
	if p.Chroot != "" {
		if _, serr := os.Stat(p.Chroot); serr != nil {
			return nil, fmt.Errorf("mount: chroot: %w", serr)
		}
		if raw.Chroot, err = syscall.BytePtrFromString(p.Chroot); err != nil {
			return nil, err
		}
	}
	if raw.Staging, err = syscall.BytePtrFromString(staging); err != nil {
		return nil, err
	}
	if raw.TmpfsData, err = syscall.BytePtrFromString(p.sizeData()); err != nil {
		return nil, err
	}
	for i := range p.Points {
		pt := &p.Points[i]
		if pt.Flags&unix.MS_BIND != 0 {
			if _, serr := os.Stat(pt.Source); serr != nil {
				return nil, fmt.Errorf("mount: bind source: %w", serr)
			}
		}
		rp, err := pt.compile()
		if err != nil {
			return nil, err
		}
		raw.Points = append(raw.Points, *rp)
	}
	if !p.RootRW {
		raw.SealFlags = p.sealFlags()
	}
	return raw, nil
}

func (pt *Point) compile() (*RawPoint, error) {
	raw := &RawPoint{Flags: pt.Flags}
	var err error
	if raw.Source, err = syscall.BytePtrFromString(pt.Source); err != nil {
		return nil, err
	}
	if raw.Target, err = syscall.BytePtrFromString(pt.Target); err != nil {
		return nil, err
	}
	if raw.FsType, err = syscall.BytePtrFromString(pt.FsType); err != nil {
		return nil, err
	}
	if pt.Data != "" {
		if raw.Data, err = syscall.BytePtrFromString(pt.Data); err != nil {
			return nil, err
		}
	}
	for _, prefix := range mkdirPrefixes(pt.Target) {
		b, err := syscall.BytePtrFromString(prefix)
		if err != nil {
			return nil, err
		}
		raw.MkdirPrefixes = append(raw.MkdirPrefixes, b)
	}
	return raw, nil
}

// mkdirPrefixes expands "a/b/c" to ["a", "a/b", "a/b/c"]
func mkdirPrefixes(target string) []string {
	parts := strings.Split(target, "/")
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, path.Join(parts[:i+1]...))
	}
	return out
}

// sealFlags computes the final read-only remount of the pivoted root. Inside
// a user namespace the kernel refuses a bind remount that drops a flag the
// outer namespace locked into the source mount, so the chroot's statfs flags
// are folded in. The bare tmpfs root was mounted by us and takes a fixed
// hardening set.
func (p *Plan) sealFlags() uintptr {
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
	if p.Chroot == "" {
		return flags | unix.MS_NOSUID | unix.MS_NOATIME
	}
	var st unix.Statfs_t
	if err := unix.Statfs(p.Chroot, &st); err != nil {
		return flags
	}
	for _, f := range []struct {
		vfs int64
		ms  uintptr
	}{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_RELATIME, unix.MS_RELATIME},
	} {
		if st.Flags&f.vfs != 0 {
			flags |= f.ms
		}
	}
	return flags
}
