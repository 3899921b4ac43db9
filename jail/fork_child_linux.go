package jail

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// forkAndExecInChild clones with the configured namespace flags and runs the
// whole child-side sequence: stdio wiring, handshake, credential switch,
// containment, mount tree, rlimits, close-on-exec sweep, capability drop,
// seccomp and finally execve. The clone uses no new stack; both processes
// continue in this frame, so past the clone the child may only issue raw
// syscalls against state prepared by NewSpawner.
//
// Reference to src/syscall/exec_linux.go
//
//go:norace
func (s *Spawner) forkAndExecInChild(fdIn, fdOut, fdErr int, p [2]int) (r1 uintptr, err1 syscall.Errno) {
	// Acquire the fork lock so that no other threads
	// create new fds that are not yet close-on-exec
	// before we fork.
	syscall.ForkLock.Lock()

	// About to call fork.
	// No more allocation or calls of non-assembly functions.
	beforeFork()

	// new namespaces are activated by the clone syscall itself
	r1, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD)|s.cloneFlags, 0, 0, 0, 0, 0)
	if err1 != 0 || r1 != 0 {
		// in parent process, immediate return
		return
	}

	// In child process
	afterForkInChild()
	// Notice: cannot call any GO functions beyond this point

	pipe := p[0]
	var done byte

	// Close parent end of the sync pipe
	if _, _, err1 = syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(p[1]), 0, 0); err1 != 0 {
		childExit()
	}

	// Stdio wiring: listener children talk to the connection; standalone
	// children keep the supervisor's stdio unless silenced
	if s.listenMode {
		for i, fd := range [3]int{fdIn, fdOut, fdErr} {
			if _, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(fd), uintptr(i), 0); err1 != 0 {
				childExit()
			}
		}
	} else if s.silent {
		var nullfd uintptr
		nullfd, _, err1 = syscall.RawSyscall6(syscall.SYS_OPENAT, uintptr(_AT_FDCWD),
			uintptr(unsafe.Pointer(&devNull[0])), uintptr(syscall.O_RDWR), 0, 0, 0)
		if err1 != 0 {
			childExit()
		}
		for i := uintptr(0); i < 3; i++ {
			if _, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, nullfd, i, 0); err1 != 0 {
				childExit()
			}
		}
		syscall.RawSyscall(syscall.SYS_CLOSE, nullfd, 0, 0)
	}

	// Block until the parent finished id maps, net interface and cgroup
	// attachment. Anything but the done byte is terminal: a zero-length
	// read means the parent gave up and closed its end.
	r1, _, err1 = syscall.RawSyscall(syscall.SYS_READ, uintptr(pipe), uintptr(unsafe.Pointer(&done)), 1)
	if err1 != 0 || r1 != 1 || done != doneChar {
		childExit()
	}
	syscall.RawSyscall(syscall.SYS_CLOSE, uintptr(pipe), 0, 0)

	// Assume the mapped identity. The secure bits keep capabilities across
	// the credential switch; they are still needed for mounts and sethostname.
	if s.newUser {
		syscall.RawSyscall(unix.SYS_SETGROUPS, 0, 0, 0)
		_, _, err1 = syscall.RawSyscall(syscall.SYS_PRCTL, syscall.PR_SET_SECUREBITS,
			_SECURE_KEEP_CAPS|_SECURE_NO_SETUID_FIXUP, 0)
		if err1 != 0 {
			childExit()
		}
		if _, _, err1 = syscall.RawSyscall(unix.SYS_SETRESGID, s.gid, s.gid, s.gid); err1 != 0 {
			childExit()
		}
		if _, _, err1 = syscall.RawSyscall(unix.SYS_SETRESUID, s.uid, s.uid, s.uid); err1 != 0 {
			childExit()
		}
	}

	// Containment: hostname, parent-death signal, personality, priority,
	// session
	if s.hostname != nil {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_SETHOSTNAME,
			uintptr(unsafe.Pointer(s.hostname)), s.hostnameLen, 0)
		if err1 != 0 {
			childExit()
		}
	}
	if _, _, err1 = syscall.RawSyscall(syscall.SYS_PRCTL, syscall.PR_SET_PDEATHSIG, uintptr(syscall.SIGKILL), 0); err1 != 0 {
		childExit()
	}
	if s.personality != 0 {
		if _, _, err1 = syscall.RawSyscall(unix.SYS_PERSONALITY, s.personality, 0, 0); err1 != 0 {
			childExit()
		}
	}
	// best effort, the sandboxed program must not outrank its supervisor
	syscall.RawSyscall(syscall.SYS_SETPRIORITY, 0, 0, 19)
	if !s.skipSetsid {
		syscall.RawSyscall(syscall.SYS_SETSID, 0, 0, 0)
	}

	// Mount the new root and pivot into it
	if s.newNS {
		// mark root as private to avoid propagating outside to the
		// original mount namespace
		_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&none[0])),
			uintptr(unsafe.Pointer(&slash[0])), 0, syscall.MS_REC|syscall.MS_PRIVATE, 0, 0)
		if err1 != 0 {
			childExit()
		}

		if s.mnt.Chroot != nil {
			// bind the chroot directory over the staging point
			_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(s.mnt.Chroot)),
				uintptr(unsafe.Pointer(s.mnt.Staging)), 0, syscall.MS_BIND|syscall.MS_REC, 0, 0)
		} else {
			// bare tmpfs root populated only by the mount plan
			_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&tmpfs[0])),
				uintptr(unsafe.Pointer(s.mnt.Staging)), uintptr(unsafe.Pointer(&tmpfs[0])), 0,
				uintptr(unsafe.Pointer(s.mnt.TmpfsData)), 0)
		}
		if err1 != 0 {
			childExit()
		}

		if _, _, err1 = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(s.mnt.Staging)), 0, 0); err1 != 0 {
			childExit()
		}

		// performing mounts, targets are relative to the staged root
		for _, m := range s.mnt.Points {
			for _, pre := range m.MkdirPrefixes {
				_, _, err1 = syscall.RawSyscall(syscall.SYS_MKDIRAT, uintptr(_AT_FDCWD), uintptr(unsafe.Pointer(pre)), 0755)
				if err1 != 0 && err1 != syscall.EEXIST {
					childExit()
				}
			}
			_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(m.Source)),
				uintptr(unsafe.Pointer(m.Target)), uintptr(unsafe.Pointer(m.FsType)), m.Flags,
				uintptr(unsafe.Pointer(m.Data)), 0)
			if err1 != 0 {
				childExit()
			}
			// bind mount does not respect the ro flag so that read-only
			// bind mount needs remount
			if m.Flags&bindRo == bindRo {
				_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&empty[0])),
					uintptr(unsafe.Pointer(m.Target)), uintptr(unsafe.Pointer(m.FsType)),
					m.Flags|syscall.MS_REMOUNT, uintptr(unsafe.Pointer(m.Data)), 0)
				if err1 != 0 {
					childExit()
				}
			}
		}

		// pivot_root(".", ".") then detach the old root; no scratch
		// directory needed and it works on a read-only root
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_PIVOT_ROOT, uintptr(unsafe.Pointer(&dot[0])), uintptr(unsafe.Pointer(&dot[0])), 0); err1 != 0 {
			childExit()
		}
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_UMOUNT2, uintptr(unsafe.Pointer(&dot[0])), syscall.MNT_DETACH, 0); err1 != 0 {
			childExit()
		}
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(&slash[0])), 0, 0); err1 != 0 {
			childExit()
		}

		if s.mnt.SealFlags != 0 {
			_, _, err1 = syscall.RawSyscall6(syscall.SYS_MOUNT, uintptr(unsafe.Pointer(&empty[0])),
				uintptr(unsafe.Pointer(&slash[0])), 0, s.mnt.SealFlags, 0, 0)
			if err1 != 0 {
				childExit()
			}
		}
	}

	// chdir for child
	if s.cwd != nil {
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_CHDIR, uintptr(unsafe.Pointer(s.cwd)), 0, 0); err1 != 0 {
			childExit()
		}
	}

	// Set limit
	for _, rlim := range s.rlimits {
		// prlimit instead of setrlimit to avoid 32-bit limitation (linux > 3.2)
		_, _, err1 = syscall.RawSyscall6(syscall.SYS_PRLIMIT64, 0, uintptr(rlim.Res), uintptr(unsafe.Pointer(&rlim.Rlim)), 0, 0, 0)
		if err1 != 0 {
			childExit()
		}
	}

	// Close-on-exec sweep: walk /proc/self/fd, fall back to brute force.
	// RLIMIT_NOFILE is no upper bound here, it can be lower than a live fd.
	var dirfd uintptr
	dirfd, _, err1 = syscall.RawSyscall6(syscall.SYS_OPENAT, uintptr(_AT_FDCWD),
		uintptr(unsafe.Pointer(&procSelfFd[0])),
		uintptr(syscall.O_RDONLY|syscall.O_DIRECTORY|syscall.O_CLOEXEC), 0, 0, 0)
	if err1 == 0 {
		for {
			var n uintptr
			n, _, err1 = syscall.RawSyscall(unix.SYS_GETDENTS64, dirfd, uintptr(unsafe.Pointer(&s.dirBuf[0])), uintptr(len(s.dirBuf)))
			if err1 != 0 || n == 0 {
				break
			}
			for off := uintptr(0); off < n; {
				// struct linux_dirent64: d_reclen at +16, d_name at +19
				reclen := uintptr(*(*uint16)(unsafe.Pointer(&s.dirBuf[off+16])))
				fd := -1
				for i := off + 19; i < off+reclen; i++ {
					ch := s.dirBuf[i]
					if ch == 0 {
						break
					}
					if ch < '0' || ch > '9' {
						fd = -1
						break
					}
					if fd < 0 {
						fd = 0
					}
					fd = fd*10 + int(ch-'0')
				}
				if fd > 2 && fd != int(dirfd) && !s.isPassFD(fd) {
					setCloexec(uintptr(fd))
				}
				off += reclen
			}
		}
		syscall.RawSyscall(syscall.SYS_CLOSE, dirfd, 0, 0)
	} else {
		for fd := uintptr(3); fd < 1024; fd++ {
			if s.isPassFD(int(fd)) {
				continue
			}
			setCloexec(fd)
		}
	}

	// Capability gate: final credential switch and capability drop
	syscall.RawSyscall(unix.SYS_SETGROUPS, 0, 0, 0)
	if _, _, err1 = syscall.RawSyscall(unix.SYS_SETRESGID, s.gid, s.gid, s.gid); err1 != 0 {
		childExit()
	}
	if _, _, err1 = syscall.RawSyscall(unix.SYS_SETRESUID, s.uid, s.uid, s.uid); err1 != 0 {
		childExit()
	}
	if !s.disableNNP {
		// only new kernels support it, keep going on failure
		syscall.RawSyscall6(syscall.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0, 0)
	}
	if !s.keepCaps {
		if _, _, err1 = syscall.RawSyscall(syscall.SYS_PRCTL, syscall.PR_SET_KEEPCAPS, 0, 0); err1 != 0 {
			childExit()
		}
		_, _, err1 = syscall.RawSyscall(syscall.SYS_CAPSET, uintptr(unsafe.Pointer(&dropCapHeader)), uintptr(unsafe.Pointer(&dropCapData[0])), 0)
		if err1 != 0 {
			childExit()
		}
	}

	// Load the seccomp filter. Must stay the last operation before exec:
	// a later mount or setuid could already trip a filter rule.
	if s.seccomp != nil {
		_, _, err1 = syscall.RawSyscall(unix.SYS_SECCOMP, SECCOMP_SET_MODE_FILTER, SECCOMP_FILTER_FLAG_TSYNC, uintptr(unsafe.Pointer(s.seccomp)))
		if err1 != 0 {
			childExit()
		}
	}

	syscall.RawSyscall(unix.SYS_EXECVE, uintptr(unsafe.Pointer(s.argv0)),
		uintptr(unsafe.Pointer(&s.argv[0])), uintptr(unsafe.Pointer(&s.envv[0])))
	childExit()
	return
}

// bindRo mirrors the builder's read-only bind flags
const bindRo = syscall.MS_BIND | syscall.MS_RDONLY

// setCloexec adds FD_CLOEXEC to the fd, keeping other descriptor flags
//
//go:nosplit
func setCloexec(fd uintptr) {
	flags, _, err1 := syscall.RawSyscall(syscall.SYS_FCNTL, fd, syscall.F_GETFD, 0)
	if err1 != 0 {
		return
	}
	syscall.RawSyscall(syscall.SYS_FCNTL, fd, syscall.F_SETFD, flags|syscall.FD_CLOEXEC)
}

// isPassFD reports whether fd was configured to stay open across exec
//
//go:nosplit
func (s *Spawner) isPassFD(fd int) bool {
	for _, p := range s.passFDs {
		if p == fd {
			return true
		}
	}
	return false
}

// childExit terminates the child with status 1; any failure below exec folds
// into that single observable exit code
//
//go:nosplit
func childExit() {
	for {
		syscall.RawSyscall(syscall.SYS_EXIT, 1, 0, 0)
	}
}
