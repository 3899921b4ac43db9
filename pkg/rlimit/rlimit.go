// Package rlimit provides data structure for resource limits applied to the
// sandboxed process by the prlimit64 syscall on linux.
package rlimit

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Limits defines the seven resource limits installed in every sandboxed
// child. Size fields are in bytes, CPU is in seconds, OpenFile and NProc
// are counts. RLimInfinity leaves the corresponding limit unrestricted.
type Limits struct {
	AddressSpace uint64 // RLIMIT_AS, bytes
	Core         uint64 // RLIMIT_CORE, bytes
	CPU          uint64 // RLIMIT_CPU, seconds
	FileSize     uint64 // RLIMIT_FSIZE, bytes
	OpenFile     uint64 // RLIMIT_NOFILE, count
	NProc        uint64 // RLIMIT_NPROC, count
	Stack        uint64 // RLIMIT_STACK, bytes
}

// RLimInfinity is RLIM64_INFINITY, usable in any Limits field.
const RLimInfinity = ^uint64(0)

// MB scales a megabyte-valued knob to bytes.
func MB(m uint64) uint64 {
	if m == RLimInfinity {
		return RLimInfinity
	}
	return m << 20
}

// RLimit is a single resource limit as consumed by prlimit64
type RLimit struct {
	// Res is the resource type (e.g. syscall.RLIMIT_CPU)
	Res int
	// Rlim is the limit applied to that resource
	Rlim syscall.Rlimit
}

func getRlimit(v uint64) syscall.Rlimit {
	return syscall.Rlimit{Cur: v, Max: v}
}

// PrepareRLimit creates the rlimit vector for the child. All seven resources
// are always emitted: the sandbox contract is that each one is explicitly
// pinned, including unlimited ones.
func (l Limits) PrepareRLimit() []RLimit {
	return []RLimit{
		{Res: syscall.RLIMIT_AS, Rlim: getRlimit(l.AddressSpace)},
		{Res: syscall.RLIMIT_CORE, Rlim: getRlimit(l.Core)},
		{Res: syscall.RLIMIT_CPU, Rlim: getRlimit(l.CPU)},
		{Res: syscall.RLIMIT_FSIZE, Rlim: getRlimit(l.FileSize)},
		{Res: syscall.RLIMIT_NOFILE, Rlim: getRlimit(l.OpenFile)},
		{Res: unix.RLIMIT_NPROC, Rlim: getRlimit(l.NProc)},
		{Res: syscall.RLIMIT_STACK, Rlim: getRlimit(l.Stack)},
	}
}

func (r RLimit) String() string {
	var t string
	switch r.Res {
	case syscall.RLIMIT_AS:
		t = "AddressSpace"
	case syscall.RLIMIT_CORE:
		t = "Core"
	case syscall.RLIMIT_CPU:
		return fmt.Sprintf("CPU[%d s]", r.Rlim.Cur)
	case syscall.RLIMIT_FSIZE:
		t = "FileSize"
	case syscall.RLIMIT_NOFILE:
		return fmt.Sprintf("OpenFile[%d]", r.Rlim.Cur)
	case unix.RLIMIT_NPROC:
		return fmt.Sprintf("NProc[%d]", r.Rlim.Cur)
	case syscall.RLIMIT_STACK:
		t = "Stack"
	}
	if r.Rlim.Cur == RLimInfinity {
		return t + "[inf]"
	}
	return fmt.Sprintf("%s[%d b]", t, r.Rlim.Cur)
}

func (l Limits) String() string {
	var sb strings.Builder
	sb.WriteString("Limits[")
	for i, rl := range l.PrepareRLimit() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(rl.String())
	}
	sb.WriteString("]")
	return sb.String()
}
