package jail

import (
	"golang.org/x/sys/unix"
)

// handshake byte the parent sends once privileged setup is finished
const doneChar = 'D'

// pivotRootDir is the staging mount point for the new root. It only needs to
// exist in the original mount tree; the pivot makes its content the root.
const pivotRootDir = "/tmp"

// defines missing consts from syscall package
const (
	SECCOMP_SET_MODE_FILTER   = 1
	SECCOMP_FILTER_FLAG_TSYNC = 1

	// from linux/securebits.h
	_SECURE_NO_SETUID_FIXUP = 1 << 2
	_SECURE_KEEP_CAPS       = 1 << 4
)

// used by the raw-syscall child; go strings are unusable there
var (
	none       = [...]byte{'n', 'o', 'n', 'e', 0}
	slash      = [...]byte{'/', 0}
	empty      = [...]byte{0}
	tmpfs      = [...]byte{'t', 'm', 'p', 'f', 's', 0}
	dot        = [...]byte{'.', 0}
	devNull    = [...]byte{'/', 'd', 'e', 'v', '/', 'n', 'u', 'l', 'l', 0}
	procSelfFd = [...]byte{'/', 'p', 'r', 'o', 'c', '/', 's', 'e', 'l', 'f', '/', 'f', 'd', 0}

	// go does not allow constant uintptr to be negative...
	_AT_FDCWD = unix.AT_FDCWD

	// Drop all capabilities
	dropCapHeader = unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0,
	}

	// version 3 capability sets span two u32 words
	dropCapData = [2]unix.CapUserData{}
)
