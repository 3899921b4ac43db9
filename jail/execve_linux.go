package jail

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// runExecve is the direct-exec mode: unshare the namespaces in the current
// process and replace its image with the target. No clone, no handshake, no
// registry entry; the uid/gid maps are self-installed. Since there is no
// post-fork constraint this path is ordinary Go. It returns only on failure.
func (s *Spawner) runExecve(fdIn, fdOut, fdErr int) error {
	c := s.conf

	if err := unix.Unshare(int(c.CloneFlags())); err != nil {
		return fmt.Errorf("jail: unshare(%#x): %w", c.CloneFlags(), err)
	}

	if c.Silent {
		nullFD, err := unix.Open("/dev/null", unix.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("jail: open /dev/null: %w", err)
		}
		for _, std := range []int{0, 1, 2} {
			if err := unix.Dup2(nullFD, std); err != nil {
				return fmt.Errorf("jail: dup2(%d, %d): %w", nullFD, std, err)
			}
		}
		if nullFD > 2 {
			unix.Close(nullFD)
		}
	}

	// no parent will do it for us
	if err := initUserNsFromParent(c, unix.Getpid(), s.log); err != nil {
		return fmt.Errorf("jail: self id maps: %w", err)
	}

	if c.CloneNewUser {
		syscall.Setgroups(nil)
		if err := unix.Prctl(unix.PR_SET_SECUREBITS, _SECURE_KEEP_CAPS|_SECURE_NO_SETUID_FIXUP, 0, 0, 0); err != nil {
			return fmt.Errorf("jail: securebits: %w", err)
		}
		if err := syscall.Setresgid(int(c.InsideGID()), int(c.InsideGID()), int(c.InsideGID())); err != nil {
			return fmt.Errorf("jail: setresgid(%d): %w", c.InsideGID(), err)
		}
		if err := syscall.Setresuid(int(c.InsideUID()), int(c.InsideUID()), int(c.InsideUID())); err != nil {
			return fmt.Errorf("jail: setresuid(%d): %w", c.InsideUID(), err)
		}
	}

	if c.CloneNewUTS && c.Hostname != "" {
		if err := unix.Sethostname([]byte(c.Hostname)); err != nil {
			return fmt.Errorf("jail: sethostname(%q): %w", c.Hostname, err)
		}
	}
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("jail: pdeathsig: %w", err)
	}
	if c.Personality != 0 {
		if _, _, errno := unix.Syscall(unix.SYS_PERSONALITY, uintptr(c.Personality), 0, 0); errno != 0 {
			return fmt.Errorf("jail: personality(%#x): %w", c.Personality, errno)
		}
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, 19); err != nil {
		s.log.Warn("setpriority(19) failed", zap.Error(err))
	}
	if !c.SkipSetsid {
		unix.Setsid()
	}

	if c.CloneNewNS {
		if err := c.Mounts.ApplyInProcess(pivotRootDir); err != nil {
			return fmt.Errorf("jail: %w", err)
		}
	}
	if c.Cwd != "" {
		if err := unix.Chdir(c.Cwd); err != nil {
			return fmt.Errorf("jail: chdir(%q): %w", c.Cwd, err)
		}
	}

	for _, rl := range s.rlimits {
		lim := unix.Rlimit{Cur: rl.Rlim.Cur, Max: rl.Rlim.Max}
		if err := unix.Prlimit(0, rl.Res, &lim, nil); err != nil {
			return fmt.Errorf("jail: prlimit64(%v): %w", rl, err)
		}
	}

	closeOnExecAll(c.PassFDs)

	syscall.Setgroups(nil)
	if err := syscall.Setresgid(int(c.InsideGID()), int(c.InsideGID()), int(c.InsideGID())); err != nil {
		return fmt.Errorf("jail: setresgid(%d): %w", c.InsideGID(), err)
	}
	if err := syscall.Setresuid(int(c.InsideUID()), int(c.InsideUID()), int(c.InsideUID())); err != nil {
		return fmt.Errorf("jail: setresuid(%d): %w", c.InsideUID(), err)
	}
	if !c.DisableNoNewPrivs {
		if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
			// only new kernels support it
			s.log.Warn("prctl(PR_SET_NO_NEW_PRIVS) failed", zap.Error(err))
		}
	}
	if !c.KeepCaps {
		if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 0, 0, 0, 0); err != nil {
			return fmt.Errorf("jail: clear keepcaps: %w", err)
		}
		if err := unix.Capset(&dropCapHeader, &dropCapData[0]); err != nil {
			return fmt.Errorf("jail: capset: %w", err)
		}
	}

	// must stay last before exec
	if s.seccomp != nil {
		if _, _, errno := unix.Syscall(unix.SYS_SECCOMP, SECCOMP_SET_MODE_FILTER, SECCOMP_FILTER_FLAG_TSYNC, uintptr(unsafe.Pointer(s.seccomp))); errno != 0 {
			return fmt.Errorf("jail: seccomp: %w", errno)
		}
	}

	return unix.Exec(c.Program, c.Args, s.envs)
}

// closeOnExecAll marks every fd above stderr close-on-exec, except the ones
// configured to pass through
func closeOnExecAll(pass []int) {
	isPass := func(fd int) bool {
		for _, p := range pass {
			if p == fd {
				return true
			}
		}
		return false
	}
	mark := func(fd int) {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil {
			return
		}
		unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	}
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// reasonably sane upper bound; RLIMIT_NOFILE can lie low
		for fd := 3; fd < 1024; fd++ {
			if !isPass(fd) {
				mark(fd)
			}
		}
		return
	}
	for _, e := range ents {
		fd, err := strconv.Atoi(e.Name())
		if err != nil || fd <= 2 || isPass(fd) {
			continue
		}
		mark(fd)
	}
}
