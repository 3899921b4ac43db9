package mount

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ApplyInProcess runs the whole staged-root sequence with the regular
// wrappers. It serves the direct-exec mode, where the calling process
// entered the namespaces itself and no raw-syscall constraint applies:
// privatize propagation, stage the new root, apply the points, pivot into
// it and optionally seal it read-only.
func (p *Plan) ApplyInProcess(staging string) error {
	if err := unix.Mount("none", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("mount: privatize /: %w", err)
	}
	if p.Chroot != "" {
		if err := unix.Mount(p.Chroot, staging, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("mount: stage chroot %s: %w", p.Chroot, err)
		}
	} else {
		if err := unix.Mount("tmpfs", staging, "tmpfs", 0, p.sizeData()); err != nil {
			return fmt.Errorf("mount: stage tmpfs root: %w", err)
		}
	}
	if err := unix.Chdir(staging); err != nil {
		return fmt.Errorf("mount: enter staging: %w", err)
	}

	for _, pt := range p.Points {
		if err := os.MkdirAll(pt.Target, 0755); err != nil {
			return fmt.Errorf("mount: mkdir %s: %w", pt.Target, err)
		}
		if err := unix.Mount(pt.Source, pt.Target, pt.FsType, pt.Flags, pt.Data); err != nil {
			return fmt.Errorf("mount: %v: %w", pt, err)
		}
		// the kernel ignores MS_RDONLY on the bind itself; only a remount
		// makes a bind read-only
		if pt.Flags&unix.MS_BIND != 0 && pt.Flags&unix.MS_RDONLY != 0 {
			if err := unix.Mount("", pt.Target, pt.FsType, pt.Flags|unix.MS_REMOUNT, pt.Data); err != nil {
				return fmt.Errorf("mount: remount %v read-only: %w", pt, err)
			}
		}
	}

	// pivot_root(".", ".") then detach the old root: no scratch directory
	// needed and it works on a read-only root
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("mount: pivot_root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("mount: detach old root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("mount: chdir /: %w", err)
	}

	if !p.RootRW {
		if err := unix.Mount("", "/", "", p.sealFlags(), ""); err != nil {
			return fmt.Errorf("mount: seal root read-only: %w", err)
		}
	}
	return nil
}
