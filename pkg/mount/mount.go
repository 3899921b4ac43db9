// Package mount describes the mount tree assembled inside a jailed child's
// new mount namespace: a staged new root (a bind of the chroot directory or a
// bare tmpfs), mount points applied relative to the staging directory, and
// the final pivot with an optional read-only seal of the root.
package mount

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	bindFlags  = unix.MS_BIND | unix.MS_NOSUID | unix.MS_PRIVATE
	tmpfsFlags = unix.MS_NOSUID | unix.MS_NOATIME | unix.MS_NODEV
	procFlags  = unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV
)

// Point is one mount applied under the staged root. Targets are always
// relative: the child chdirs into the staging directory before applying them
// and pivots afterwards.
type Point struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}

// Plan is the whole mount tree for one jail configuration
type Plan struct {
	// Chroot is bind-mounted as the new root; empty selects a bare tmpfs
	// root populated only by the points
	Chroot string
	// RootRW leaves the pivoted root writable instead of sealing it
	RootRW bool
	// TmpfsSize is the byte size of tmpfs points and of the bare tmpfs root
	TmpfsSize uint64

	Points []Point
}

// AddProc appends the proc filesystem at proc/
func (p *Plan) AddProc(readonly bool) {
	var flags uintptr = procFlags
	if readonly {
		flags |= unix.MS_RDONLY
	}
	p.Points = append(p.Points, Point{
		Source: "proc",
		Target: "proc",
		FsType: "proc",
		Flags:  flags,
	})
}

// AddBind appends a bind mount of source at target inside the new root
func (p *Plan) AddBind(source, target string, readonly bool) {
	var flags uintptr = bindFlags
	if readonly {
		flags |= unix.MS_RDONLY
	}
	p.Points = append(p.Points, Point{
		Source: source,
		Target: insideTarget(target),
		Flags:  flags,
	})
}

// AddTmpfs appends a tmpfs of the plan's configured size at target
func (p *Plan) AddTmpfs(target string) {
	p.Points = append(p.Points, Point{
		Source: "tmpfs",
		Target: insideTarget(target),
		FsType: "tmpfs",
		Flags:  tmpfsFlags,
		Data:   p.sizeData(),
	})
}

func (p *Plan) sizeData() string {
	return "size=" + strconv.FormatUint(p.TmpfsSize, 10)
}

// insideTarget normalizes an operator-supplied absolute path to the relative
// form the staged-root sequence needs
func insideTarget(target string) string {
	return strings.TrimLeft(target, "/")
}

func (pt Point) String() string {
	switch {
	case pt.Flags&unix.MS_BIND != 0:
		mode := "rw"
		if pt.Flags&unix.MS_RDONLY != 0 {
			mode = "ro"
		}
		return "bind[" + pt.Source + ":" + pt.Target + ":" + mode + "]"
	case pt.FsType == "tmpfs":
		return "tmpfs[" + pt.Target + "]"
	case pt.FsType == "proc":
		return "proc[" + pt.Target + "]"
	}
	return "mount[" + pt.FsType + "," + pt.Source + ":" + pt.Target + "]"
}

func (p Plan) String() string {
	var sb strings.Builder
	if p.Chroot != "" {
		sb.WriteString("root=")
		sb.WriteString(p.Chroot)
	} else {
		sb.WriteString("root=tmpfs")
	}
	if p.RootRW {
		sb.WriteString("(rw)")
	} else {
		sb.WriteString("(ro)")
	}
	for _, pt := range p.Points {
		sb.WriteString(" ")
		sb.WriteString(pt.String())
	}
	return sb.String()
}
