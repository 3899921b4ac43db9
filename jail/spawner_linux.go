package jail

import (
	"fmt"
	"os"
	"syscall"

	"github.com/criyle/go-jail/config"
	"github.com/criyle/go-jail/pkg/mount"
	"github.com/criyle/go-jail/pkg/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Spawner creates sandboxed children for one fixed configuration. Every
// parameter the cloned child needs is converted to raw syscall form once, at
// construction time, because the child continues on the caller stack and must
// not allocate or call managed Go code.
type Spawner struct {
	conf *config.Jail
	reg  *Registry
	log  *zap.Logger

	cloneFlags uintptr
	listenMode bool
	silent     bool
	newUser    bool
	newNS      bool
	skipSetsid bool
	disableNNP bool
	keepCaps   bool

	argv0       *byte
	argv        []*byte
	envv        []*byte
	envs        []string
	hostname    *byte
	hostnameLen uintptr
	cwd         *byte
	mnt         *mount.RawPlan
	rlimits     []rlimit.RLimit
	seccomp     *syscall.SockFprog
	personality uintptr
	uid, gid    uintptr
	passFDs     []int

	// getdents64 scratch for the close-on-exec sweep in the child
	dirBuf [4096]byte
}

// NewSpawner prepares a spawner for the given validated configuration
func NewSpawner(c *config.Jail, reg *Registry, log *zap.Logger) (*Spawner, error) {
	env := c.Env
	if c.KeepEnv {
		env = append(os.Environ(), c.Env...)
	}

	s := &Spawner{
		conf: c,
		reg:  reg,
		log:  log,

		cloneFlags: c.CloneFlags(),
		listenMode: c.Mode == config.ModeListenTCP,
		silent:     c.Silent,
		newUser:    c.CloneNewUser,
		newNS:      c.CloneNewNS,
		skipSetsid: c.SkipSetsid,
		disableNNP: c.DisableNoNewPrivs,
		keepCaps:   c.KeepCaps,

		envs: env,

		rlimits:     c.RLimits.PrepareRLimit(),
		personality: uintptr(c.Personality),
		uid:         uintptr(c.InsideUID()),
		gid:         uintptr(c.InsideGID()),
		passFDs:     append([]int(nil), c.PassFDs...),
	}

	var err error
	if s.argv0, err = syscall.BytePtrFromString(c.Args[0]); err != nil {
		return nil, fmt.Errorf("jail: prepare argv: %w", err)
	}
	if s.argv, err = syscall.SlicePtrFromStrings(c.Args); err != nil {
		return nil, fmt.Errorf("jail: prepare argv: %w", err)
	}
	if s.envv, err = syscall.SlicePtrFromStrings(env); err != nil {
		return nil, fmt.Errorf("jail: prepare env: %w", err)
	}
	if c.CloneNewUTS && c.Hostname != "" {
		if s.hostname, err = syscall.BytePtrFromString(c.Hostname); err != nil {
			return nil, err
		}
		s.hostnameLen = uintptr(len(c.Hostname))
	}
	if c.Cwd != "" {
		if s.cwd, err = syscall.BytePtrFromString(c.Cwd); err != nil {
			return nil, err
		}
	}
	if s.mnt, err = c.Mounts.Compile(pivotRootDir); err != nil {
		return nil, fmt.Errorf("jail: prepare mounts: %w", err)
	}
	if len(c.Seccomp) > 0 {
		s.seccomp = c.Seccomp.SockFprog()
	}
	return s, nil
}

// Spawn creates one sandboxed child whose stdio is duped onto the three
// given descriptors. In listener mode the spawn is preceded by the per-IP
// admission check; a rejected connection is dropped without error so the
// listener keeps going. In execve mode Spawn replaces the current process
// image and only returns on failure.
func (s *Spawner) Spawn(fdIn, fdOut, fdErr int) error {
	c := s.conf
	if s.listenMode && !limitConns(c, s.reg, s.log, fdIn) {
		return nil
	}
	if c.Mode == config.ModeExecve {
		return s.runExecve(fdIn, fdOut, fdErr)
	}

	// socketpair used to hold the child until uid/gid maps, net interface
	// and cgroup membership are installed; p[0] is the child end
	p, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("jail: socketpair: %w", err)
	}

	pid, err1 := s.forkAndExecInChild(fdIn, fdOut, fdErr, p)

	// restore all signals
	afterFork()
	syscall.ForkLock.Unlock()

	unix.Close(p[0])
	if err1 != 0 {
		unix.Close(p[1])
		s.log.Error("clone failed; unprivileged user namespaces may be disabled on this kernel",
			zap.Uintptr("flags", s.cloneFlags), zap.Error(err1))
		return fmt.Errorf("jail: clone: %w", err1)
	}

	// register before post-clone setup so a racing reap can find the pid
	rec := s.reg.Add(int(pid), fdIn)

	if err := s.initParent(int(pid), p[1]); err != nil {
		// no handshake byte will ever arrive; closing our end makes the
		// child's read return zero bytes and abort
		unix.Close(p[1])
		s.log.Error("post-clone setup failed", zap.Int("pid", int(pid)), zap.Error(err))
		return err
	}

	s.log.Info("child about to execute",
		zap.Int("pid", int(pid)),
		zap.String("program", c.Program),
		zap.String("remote", rec.Remote))
	return nil
}

// initParent drives the privileged setup the child waits for, then releases
// it with the handshake byte. Order matters: the MACVLAN move and the cgroup
// attach require the pid, the id maps must be complete before the child calls
// setresuid, and the handshake comes strictly last.
func (s *Spawner) initParent(pid, pipefd int) error {
	if err := initParentNet(s.conf, pid); err != nil {
		return fmt.Errorf("net namespace setup: %w", err)
	}
	if err := s.conf.Cgroup.InitParent(pid); err != nil {
		return fmt.Errorf("cgroup setup: %w", err)
	}
	if err := initUserNsFromParent(s.conf, pid, s.log); err != nil {
		return fmt.Errorf("user namespace setup: %w", err)
	}

	done := []byte{doneChar}
	for {
		n, err := unix.Write(pipefd, done)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("handshake write: %w", err)
		}
		if n != len(done) {
			return fmt.Errorf("handshake write: short write")
		}
		break
	}
	unix.Close(pipefd)
	return nil
}
