package jail

import (
	"strconv"
	"strings"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// cldKilled is the waitid si_code value for a child terminated by a signal
// (Linux CLD_KILLED), not exposed by golang.org/x/sys/unix.
const cldKilled = 2

// waitSiginfo is the CLD view of siginfo_t on 64-bit linux: three header
// words, alignment padding, then pid/uid/status from the union. x/sys/unix
// hides the union, so waitid is issued raw against this layout.
type waitSiginfo struct {
	Signo  int32
	Errno  int32
	Code   int32
	_      int32
	Pid    int32
	UID    int32
	Status int32
	_      [100]byte
}

// reap drains every ready child without blocking and returns the mapped exit
// status of the last one reaped, or 0 when nothing was ready. It also runs
// the wall-clock sweep over the survivors.
func (d *Driver) reap() int {
	rv := 0
	for {
		var si waitSiginfo
		// WNOWAIT peeks: on a SIGSYS kill the /proc/<pid>/syscall entry
		// must still be readable before the zombie is consumed
		_, _, errno := unix.Syscall6(unix.SYS_WAITID, unix.P_ALL, 0,
			uintptr(unsafe.Pointer(&si)),
			unix.WNOHANG|unix.WNOWAIT|unix.WEXITED, 0, 0)
		if errno != 0 || si.Pid == 0 {
			break
		}
		pid := int(si.Pid)
		if si.Code == cldKilled && si.Status == int32(unix.SIGSYS) {
			d.reportSeccompViolation(pid)
		}

		var status unix.WaitStatus
		wpid, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		if err != nil || wpid != pid {
			// the peeked child was not consumable; bail out rather than
			// spin on the same waitid result
			break
		}
		switch {
		case status.Exited():
			d.reg.Remove(pid)
			rv = mapExitStatus(status)
			d.log.Info("child exited",
				zap.Int("pid", pid),
				zap.Int("status", status.ExitStatus()),
				zap.Int("left", d.reg.Count()))
		case status.Signaled():
			d.reg.Remove(pid)
			rv = mapExitStatus(status)
			d.log.Info("child terminated by signal",
				zap.Int("pid", pid),
				zap.String("signal", status.Signal().String()),
				zap.Int("left", d.reg.Count()))
		}
		if err := d.conf.Cgroup.Finish(pid); err != nil {
			d.log.Warn("cgroup teardown failed", zap.Int("pid", pid), zap.Error(err))
		}
	}

	// wall-clock limit sweep over the still-running children
	if d.conf.TimeLimit > 0 {
		now := time.Now()
		for _, rec := range d.reg.Records() {
			run := int64(now.Sub(rec.Start) / time.Second)
			if run < d.conf.TimeLimit {
				continue
			}
			d.log.Info("child over the time limit, killing it",
				zap.Int("pid", rec.PID),
				zap.Int64("run_sec", run),
				zap.Int64("limit_sec", d.conf.TimeLimit),
				zap.String("remote", rec.Remote))
			// a stopped process in a pid namespace can shrug off
			// SIGKILL; wake it first
			unix.Kill(rec.PID, unix.SIGCONT)
			unix.Kill(rec.PID, unix.SIGKILL)
		}
	}
	return rv
}

// mapExitStatus folds a wait status into the supervisor exit code: plain
// exits land in the 1..99 user band (nonzero multiples of 100 are bumped to 1
// so failure stays visible), signals map to 100 plus the signal number.
func mapExitStatus(status unix.WaitStatus) int {
	switch {
	case status.Exited():
		exit := status.ExitStatus()
		rv := exit % 100
		if rv == 0 && exit != 0 {
			rv = 1
		}
		return rv
	case status.Signaled():
		return 100 + int(status.Signal())
	}
	return 0
}

// reportSeccompViolation logs the syscall the child was killed over, read
// from the /proc/<pid>/syscall fd captured at spawn time
func (d *Driver) reportSeccompViolation(pid int) {
	d.log.Warn("child committed a syscall/seccomp violation and was killed with SIGSYS",
		zap.Int("pid", pid))
	rec := d.reg.Find(pid)
	if rec == nil {
		d.log.Error("no registry record for violating pid", zap.Int("pid", pid))
		return
	}
	if rec.SyscallFD < 0 {
		return
	}
	buf := make([]byte, 4096)
	n, err := unix.Pread(rec.SyscallFD, buf, 0)
	if err != nil || n < 1 {
		return
	}
	nr, args, ok := parseProcSyscall(string(buf[:n]))
	if !ok {
		return
	}
	d.log.Warn("seccomp violation detail",
		zap.Int("pid", pid),
		zap.Uint64("syscall", nr),
		zap.String("arg1", hex(args[0])), zap.String("arg2", hex(args[1])),
		zap.String("arg3", hex(args[2])), zap.String("arg4", hex(args[3])),
		zap.String("arg5", hex(args[4])), zap.String("arg6", hex(args[5])),
		zap.String("sp", hex(args[6])), zap.String("pc", hex(args[7])))
}

// parseProcSyscall parses the nine fields of /proc/<pid>/syscall: the
// decimal syscall number followed by six arguments, SP and PC in hex. Any
// deviation rejects the whole line.
func parseProcSyscall(s string) (nr uint64, args [8]uint64, ok bool) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 9 {
		return 0, args, false
	}
	nr, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, args, false
	}
	for i, f := range fields[1:] {
		if !strings.HasPrefix(f, "0x") {
			return 0, args, false
		}
		v, err := strconv.ParseUint(f[2:], 16, 64)
		if err != nil {
			return 0, args, false
		}
		args[i] = v
	}
	return nr, args, true
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
