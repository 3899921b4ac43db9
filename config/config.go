// Package config holds the immutable jail configuration assembled from the
// command line and the optional config file. After Load returns, the record
// is shared read-only by every component.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/criyle/go-jail/pkg/cgroup"
	"github.com/criyle/go-jail/pkg/mount"
	"github.com/criyle/go-jail/pkg/rlimit"
	"github.com/criyle/go-jail/pkg/seccomp"
	"golang.org/x/sys/unix"
)

// Mode selects the top-level execution loop
type Mode int

// Execution modes
const (
	ModeListenTCP Mode = iota
	ModeOnce
	ModeExecve
	ModeRerun
)

// ParseMode parses the single-letter or full mode name used on the command line
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "l", "listen":
		return ModeListenTCP, nil
	case "o", "once":
		return ModeOnce, nil
	case "e", "execve":
		return ModeExecve, nil
	case "r", "rerun":
		return ModeRerun, nil
	}
	return 0, fmt.Errorf("config: unknown mode %q (want listen|once|execve|rerun)", s)
}

func (m Mode) String() string {
	switch m {
	case ModeListenTCP:
		return "listen"
	case ModeOnce:
		return "once"
	case ModeExecve:
		return "execve"
	case ModeRerun:
		return "rerun"
	}
	return "invalid"
}

// IDMap is one entry of a uid or gid mapping installed for the child's user
// namespace. UseHelper entries are written by the setuid newuidmap/newgidmap
// binaries instead of the supervisor itself.
type IDMap struct {
	Inside    uint32
	Outside   uint32
	Count     uint32
	UseHelper bool
}

// ParseIDMap parses "inside[:outside[:count]]". Empty inside or outside
// default to cur; an omitted outside equals inside; count defaults to 1.
func ParseIDMap(s string, cur uint32, useHelper bool) (IDMap, error) {
	m := IDMap{Inside: cur, Outside: cur, Count: 1, UseHelper: useHelper}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return m, fmt.Errorf("config: malformed id map %q", s)
	}
	parse := func(p string, def uint32) (uint32, error) {
		if p == "" {
			return def, nil
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("config: malformed id %q in map %q", p, s)
		}
		return uint32(v), nil
	}
	var err error
	if m.Inside, err = parse(parts[0], cur); err != nil {
		return m, err
	}
	if len(parts) > 1 {
		if m.Outside, err = parse(parts[1], cur); err != nil {
			return m, err
		}
	} else {
		m.Outside = m.Inside
	}
	if len(parts) > 2 {
		if m.Count, err = parse(parts[2], 1); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (m IDMap) String() string {
	tool := "self"
	if m.UseHelper {
		tool = "newidmap"
	}
	return fmt.Sprintf("%d:%d:%d(%s)", m.Inside, m.Outside, m.Count, tool)
}

// Jail aggregates every operator-supplied knob used by the sandbox engine.
// It is immutable after Load.
type Jail struct {
	Program string
	Args    []string

	Hostname string
	Cwd      string

	Mode Mode
	Bind string
	Port int

	// wall clock limit per child in seconds, 0 means unlimited
	TimeLimit     int64
	MaxConnsPerIP uint

	CloneNewNet    bool
	CloneNewUser   bool
	CloneNewNS     bool
	CloneNewPID    bool
	CloneNewIPC    bool
	CloneNewUTS    bool
	CloneNewCgroup bool

	RLimits     rlimit.Limits
	Personality uint64

	UIDMaps []IDMap
	GIDMaps []IDMap

	KeepEnv           bool
	KeepCaps          bool
	Silent            bool
	SkipSetsid        bool
	DisableNoNewPrivs bool
	Daemonize         bool

	Env     []string
	PassFDs []int

	Seccomp seccomp.Filter
	Mounts  mount.Plan
	Cgroup  *cgroup.Config

	// MACVLAN master interface moved into the child's net namespace,
	// empty disables the attach
	MacvlanMaster string
	MacvlanName   string

	LogFile  string
	LogLevel string
	LogMode  string
}

// CloneFlags folds the per-namespace booleans into the clone(2) bitmask
func (j *Jail) CloneFlags() uintptr {
	var flags uintptr
	if j.CloneNewNet {
		flags |= unix.CLONE_NEWNET
	}
	if j.CloneNewUser {
		flags |= unix.CLONE_NEWUSER
	}
	if j.CloneNewNS {
		flags |= unix.CLONE_NEWNS
	}
	if j.CloneNewPID {
		flags |= unix.CLONE_NEWPID
	}
	if j.CloneNewIPC {
		flags |= unix.CLONE_NEWIPC
	}
	if j.CloneNewUTS {
		flags |= unix.CLONE_NEWUTS
	}
	if j.CloneNewCgroup {
		flags |= unix.CLONE_NEWCGROUP
	}
	return flags
}

// Validate checks the startup invariants. It never mutates the record.
func (j *Jail) Validate() error {
	if j.Program == "" {
		return fmt.Errorf("config: no program to execute")
	}
	if len(j.Args) == 0 || j.Args[0] != j.Program {
		return fmt.Errorf("config: argv[0] must be the program path")
	}
	if len(j.UIDMaps) == 0 || len(j.GIDMaps) == 0 {
		return fmt.Errorf("config: uid and gid maps must not be empty")
	}
	if j.CloneNewUser {
		for _, m := range append(append([]IDMap{}, j.UIDMaps...), j.GIDMaps...) {
			if m.Count == 0 {
				return fmt.Errorf("config: id map %v has zero count", m)
			}
		}
	}
	if j.Mode == ModeListenTCP {
		if j.Port <= 0 || j.Port > 65535 {
			return fmt.Errorf("config: invalid listen port %d", j.Port)
		}
	}
	if j.TimeLimit < 0 {
		return fmt.Errorf("config: negative time limit")
	}
	return nil
}

// InsideUID is the uid the child runs as: the first uid map entry
func (j *Jail) InsideUID() uint32 { return j.UIDMaps[0].Inside }

// InsideGID is the gid the child runs as: the first gid map entry
func (j *Jail) InsideGID() uint32 { return j.GIDMaps[0].Inside }
